package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-match/internal/logging"
	"github.com/example/face-match/internal/matching"
	"github.com/example/face-match/internal/repository"
	"github.com/example/face-match/internal/retry"
)

const processingMarker = "processing"

var (
	// ErrSearchInProgress is returned by GetResult while a search is running.
	ErrSearchInProgress = errors.New("search in progress")
	// ErrResultNotFound is returned when no search with the given id exists
	// for the operator.
	ErrResultNotFound = errors.New("search result not found")
)

// SearchRepository defines the persistence operations needed by the use case.
type SearchRepository interface {
	GalleryRecords(ctx context.Context, requestID string) ([]matching.Record, error)
	SaveSearchLog(ctx context.Context, log *repository.SearchLog) error
	FindSearchLog(ctx context.Context, requestID, operator string) (*repository.SearchLog, error)
	AggregateSearchLogs(ctx context.Context) (*repository.SearchAggregation, error)
}

// Matcher ranks a gallery against a query photograph.
type Matcher interface {
	MatchQuery(ctx context.Context, queryImage []byte, records []matching.Record, cfg matching.Config) ([]matching.MatchResult, matching.Stats, error)
}

// Overrides carries the per-request parameters a caller may change. Nil or
// empty fields keep the service defaults.
type Overrides struct {
	Threshold *float64
	TopK      *int
	Model     string
}

// Match is one ranked identity of a search outcome.
type Match struct {
	IdentityID     int64   `json:"identity_id"`
	Name           string  `json:"name"`
	Crime          string  `json:"crime"`
	Description    string  `json:"description"`
	Similarity     float64 `json:"similarity"`
	Distance       float64 `json:"distance"`
	ReferenceID    int64   `json:"reference_id"`
	ReferenceImage []byte  `json:"reference_image,omitempty"`
}

// SearchOutcome is the full answer to one photo search.
type SearchOutcome struct {
	RequestID string          `json:"request_id"`
	Operator  string          `json:"operator"`
	Config    matching.Config `json:"config"`
	Matches   []Match         `json:"matches"`
	Stats     matching.Stats  `json:"stats"`
	CreatedAt time.Time       `json:"created_at"`
}

// SearchUseCase runs photo searches and serves their results.
type SearchUseCase struct {
	repo      SearchRepository
	cache     Cache
	matcher   Matcher
	defaults  matching.Config
	resultTTL time.Duration
	logger    *zap.Logger
	policy    retry.Policy
}

// NewSearchUseCase constructs a new use case instance.
func NewSearchUseCase(repo SearchRepository, cache Cache, matcher Matcher, defaults matching.Config, resultTTL time.Duration, logger *zap.Logger) *SearchUseCase {
	return &SearchUseCase{
		repo:      repo,
		cache:     cache,
		matcher:   matcher,
		defaults:  defaults,
		resultTTL: resultTTL,
		logger:    logger.Named("search_usecase"),
		policy:    retry.DefaultPolicy,
	}
}

// ResolveConfig applies overrides to the service defaults and validates the result.
func (uc *SearchUseCase) ResolveConfig(o Overrides) (matching.Config, error) {
	cfg := uc.defaults
	if o.Model != "" {
		cfg.ComparatorModel = o.Model
	}
	if o.Threshold != nil {
		cfg.Threshold = *o.Threshold
	}
	if o.TopK != nil {
		cfg.TopK = *o.TopK
	}
	if err := cfg.Validate(); err != nil {
		return matching.Config{}, err
	}
	return cfg, nil
}

// Search matches imageBytes against every enrolled identity.
func (uc *SearchUseCase) Search(ctx context.Context, operator string, imageBytes []byte, o Overrides) (*SearchOutcome, error) {
	cfg, err := uc.ResolveConfig(o)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.search", requestID)

	if err := retry.Do(ctx, uc.policy, uc.logger, "cache.set.processing", requestID, func() error {
		return uc.cache.Set(ctx, requestID, processingMarker, uc.resultTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}
	completed := false
	defer func() {
		if !completed {
			uc.clearProcessing(ctx, requestID, opLogger)
		}
	}()

	records, err := uc.repo.GalleryRecords(ctx, requestID)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.load_gallery", requestID, err)
		opLogger.Error("failed to load gallery", logging.ErrorFields(wrapped)...)
		return nil, wrapped
	}

	results, stats, err := uc.matcher.MatchQuery(ctx, imageBytes, records, cfg)
	if err != nil {
		if errors.Is(err, matching.ErrInvalidQueryImage) || errors.Is(err, matching.ErrInvalidConfig) {
			return nil, err
		}
		wrapped := logging.NewOperationError("usecase.match_query", requestID, err)
		opLogger.Error("match query failed", zap.Error(wrapped))
		return nil, wrapped
	}

	outcome := &SearchOutcome{
		RequestID: requestID,
		Operator:  operator,
		Config:    cfg,
		Matches:   toMatches(results),
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	}
	if stats.SkippedImages > 0 || stats.FailedComparisons > 0 {
		opLogger.Warn("search completed with degraded gallery",
			zap.Int("skipped_images", stats.SkippedImages),
			zap.Int("failed_comparisons", stats.FailedComparisons),
			zap.Int("dropped_identities", stats.DroppedIdentities),
		)
	}

	log, err := newSearchLog(outcome)
	if err != nil {
		opLogger.Error("failed to serialize search log", zap.Error(err))
		return nil, err
	}
	if err := uc.repo.SaveSearchLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist search log", logging.ErrorFields(wrapped)...)
		return nil, wrapped
	}

	serialized, err := json.Marshal(outcome)
	if err != nil {
		opLogger.Error("failed to serialize search outcome", zap.Error(err))
		return nil, err
	}
	if err := retry.Do(ctx, uc.policy, uc.logger, "cache.set.result", requestID, func() error {
		return uc.cache.Set(ctx, requestID, string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache search result", zap.Error(err))
		return nil, err
	}

	completed = true
	opLogger.Info("search completed",
		zap.String("operator", operator),
		zap.String("model", cfg.ComparatorModel),
		zap.Int("matches", len(outcome.Matches)),
		zap.Int("identities", stats.Identities),
	)
	return outcome, nil
}

// clearProcessing drops the processing marker of a failed search. It runs even
// when ctx is already cancelled.
func (uc *SearchUseCase) clearProcessing(ctx context.Context, requestID string, opLogger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := retry.Do(ctx, uc.policy, uc.logger, "cache.del.processing", requestID, func() error {
		return uc.cache.Del(ctx, requestID)
	}); err != nil {
		opLogger.Warn("failed to clear processing flag", zap.Error(err))
	}
}

// GetResult returns a search outcome owned by operator, from the cache when
// still present and from the search log otherwise. Outcomes loaded from the
// log carry reference ids but no reference image bytes.
func (uc *SearchUseCase) GetResult(ctx context.Context, operator, requestID string) (*SearchOutcome, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	var (
		cached string
		hit    bool
	)
	err := retry.Do(ctx, uc.policy, uc.logger, "cache.get.result", requestID, func() error {
		value, err := uc.cache.Get(ctx, requestID)
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		cached, hit = value, true
		return nil
	})
	switch {
	case err != nil:
		opLogger.Warn("failed to read cache", zap.Error(err))
	case hit && cached == processingMarker:
		return nil, ErrSearchInProgress
	case hit:
		var outcome SearchOutcome
		if err := json.Unmarshal([]byte(cached), &outcome); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if outcome.Operator == operator {
			return &outcome, nil
		}
	}

	log, err := uc.repo.FindSearchLog(ctx, requestID, operator)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return outcomeFromLog(log)
}

func toMatches(results []matching.MatchResult) []Match {
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			IdentityID:     r.IdentityID,
			Name:           r.Name,
			Crime:          r.Crime,
			Description:    r.Description,
			Similarity:     r.Similarity,
			Distance:       r.Distance,
			ReferenceID:    r.ReferenceID,
			ReferenceImage: r.ReferenceImage,
		})
	}
	return matches
}

func newSearchLog(o *SearchOutcome) (*repository.SearchLog, error) {
	stripped := make([]Match, len(o.Matches))
	for i, m := range o.Matches {
		m.ReferenceImage = nil
		stripped[i] = m
	}
	results, err := json.Marshal(stripped)
	if err != nil {
		return nil, err
	}
	return &repository.SearchLog{
		RequestID:         o.RequestID,
		Operator:          o.Operator,
		Model:             o.Config.ComparatorModel,
		Threshold:         o.Config.Threshold,
		TopK:              o.Config.TopK,
		MatchCount:        len(o.Matches),
		SkippedImages:     o.Stats.SkippedImages,
		FailedComparisons: o.Stats.FailedComparisons,
		Results:           string(results),
		CreatedAt:         o.CreatedAt,
	}, nil
}

func outcomeFromLog(log *repository.SearchLog) (*SearchOutcome, error) {
	matches := []Match{}
	if log.Results != "" {
		if err := json.Unmarshal([]byte(log.Results), &matches); err != nil {
			return nil, fmt.Errorf("decode stored results for %s: %w", log.RequestID, err)
		}
	}
	return &SearchOutcome{
		RequestID: log.RequestID,
		Operator:  log.Operator,
		Config: matching.Config{
			ComparatorModel: log.Model,
			Threshold:       log.Threshold,
			TopK:            log.TopK,
		},
		Matches: matches,
		Stats: matching.Stats{
			SkippedImages:     log.SkippedImages,
			FailedComparisons: log.FailedComparisons,
		},
		CreatedAt: log.CreatedAt,
	}, nil
}
