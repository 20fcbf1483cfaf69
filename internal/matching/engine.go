// Package matching ranks enrolled identities by visual similarity to a query
// photograph.
//
// A query runs as a single pass: the gallery records are validated and grouped
// per identity, every identity is reduced to its closest reference using an
// injected Comparator, and the reduced candidates are filtered by threshold,
// scored and truncated. Per-image and per-comparison failures only shrink the
// result; configuration errors and cancellation are the only failures returned.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultThreshold is the largest distance accepted as a match.
	DefaultThreshold = 0.40
	// DefaultTopK is the default number of matches returned.
	DefaultTopK = 3
	// DefaultModel is the comparator model used when none is configured.
	DefaultModel = "Facenet"
	// MaxTopK bounds the number of matches a single query may request.
	MaxTopK = 50

	defaultWorkers = 4
)

var (
	// ErrInvalidConfig is returned before any comparison work when the query
	// configuration is malformed.
	ErrInvalidConfig = errors.New("invalid match config")
	// ErrInvalidQueryImage is returned when the query photograph cannot be decoded.
	ErrInvalidQueryImage = errors.New("invalid query image")
)

// ConfigError names the configuration field that was rejected.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidConfig, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Config controls a single query.
type Config struct {
	ComparatorModel string  `json:"comparator_model"`
	Threshold       float64 `json:"threshold"`
	TopK            int     `json:"top_k"`
}

// DefaultConfig returns the default query configuration.
func DefaultConfig() Config {
	return Config{ComparatorModel: DefaultModel, Threshold: DefaultThreshold, TopK: DefaultTopK}
}

// Validate checks every field of c.
func (c Config) Validate() error {
	switch {
	case c.ComparatorModel == "":
		return &ConfigError{Field: "comparator_model", Reason: "must not be empty"}
	case math.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1:
		return &ConfigError{Field: "threshold", Reason: fmt.Sprintf("must be within [0,1], got %v", c.Threshold)}
	case c.TopK < 1:
		return &ConfigError{Field: "top_k", Reason: fmt.Sprintf("must be at least 1, got %d", c.TopK)}
	case c.TopK > MaxTopK:
		return &ConfigError{Field: "top_k", Reason: fmt.Sprintf("must be at most %d, got %d", MaxTopK, c.TopK)}
	}
	return nil
}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	Workers        int
	CompareTimeout time.Duration
	Observer       Observer
	Logger         *zap.Logger
}

// Engine evaluates queries against galleries. It holds no per-query state and
// is safe for concurrent use.
type Engine struct {
	comparator Comparator
	workers    int
	timeout    time.Duration
	observer   Observer
	logger     *zap.Logger
}

// NewEngine builds an Engine around comparator.
func NewEngine(comparator Comparator, opts Options) *Engine {
	e := &Engine{
		comparator: comparator,
		workers:    opts.Workers,
		timeout:    opts.CompareTimeout,
		observer:   opts.Observer,
		logger:     opts.Logger,
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("matching_engine")
	return e
}

// MatchQuery ranks the identities in records against queryImage.
//
// An empty record set, a gallery without valid images, or a gallery where no
// identity falls within the threshold all produce an empty, non-nil slice.
// When ctx is cancelled mid-query nothing partial is returned.
func (e *Engine) MatchQuery(ctx context.Context, queryImage []byte, records []Record, cfg Config) ([]MatchResult, Stats, error) {
	var stats Stats
	if err := cfg.Validate(); err != nil {
		return nil, stats, err
	}

	start := time.Now()
	if len(records) == 0 {
		e.observer.QueryCompleted(cfg.ComparatorModel, time.Since(start), 0)
		return []MatchResult{}, stats, nil
	}

	query, err := Validate(queryImage)
	if err != nil {
		return nil, stats, fmt.Errorf("%w: %v", ErrInvalidQueryImage, err)
	}

	gallery := BuildGallery(records)
	stats.Identities = gallery.Len()
	stats.SkippedImages = gallery.SkippedImages
	if gallery.SkippedImages > 0 {
		e.observer.ImageSkipped(gallery.SkippedImages)
		e.logger.Debug("skipped invalid reference images", zap.Int("count", gallery.SkippedImages))
	}

	candidates, err := e.evaluate(ctx, query, gallery, cfg.ComparatorModel, &stats)
	if err != nil {
		return nil, Stats{}, err
	}

	for _, c := range candidates {
		if c.Distance > cfg.Threshold {
			stats.AboveThreshold++
		}
	}
	results := Select(candidates, cfg.Threshold, cfg.TopK)

	elapsed := time.Since(start)
	e.observer.QueryCompleted(cfg.ComparatorModel, elapsed, len(results))
	e.logger.Debug("query completed",
		zap.String("model", cfg.ComparatorModel),
		zap.Int("identities", stats.Identities),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", elapsed),
	)
	return results, stats, nil
}

type slot struct {
	candidate *MatchCandidate
	stats     reduceStats
}

// evaluate reduces every gallery entry concurrently. Each worker writes only
// its own slot; the merge below runs after all workers have returned.
func (e *Engine) evaluate(ctx context.Context, query *DecodedImage, gallery *Gallery, model string, stats *Stats) ([]MatchCandidate, error) {
	r := &reducer{comparator: e.comparator, timeout: e.timeout, observer: e.observer, logger: e.logger}
	slots := make([]slot, gallery.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range gallery.Entries {
		i := i
		entry := gallery.Entries[i]
		g.Go(func() error {
			c, rs, err := r.reduce(gctx, query, entry, model)
			if err != nil {
				return err
			}
			slots[i] = slot{candidate: c, stats: rs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := make([]MatchCandidate, 0, len(slots))
	for _, s := range slots {
		stats.Comparisons += s.stats.attempted
		stats.FailedComparisons += s.stats.failed
		if s.candidate == nil {
			stats.DroppedIdentities++
			continue
		}
		candidates = append(candidates, *s.candidate)
	}
	return candidates, nil
}
