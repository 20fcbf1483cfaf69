package matching

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MatchCandidate is the closest reference found for one identity.
type MatchCandidate struct {
	Identity  Identity
	Reference ReferenceImage
	Distance  float64
}

// better reports whether distance d at reference position pos beats the
// current best. Equal distances resolve to the earlier-enrolled reference so
// the outcome does not depend on evaluation order.
func better(d float64, pos int, best *MatchCandidate) bool {
	if best == nil {
		return true
	}
	if d != best.Distance {
		return d < best.Distance
	}
	return pos < best.Reference.Position
}

type reduceStats struct {
	attempted int
	failed    int
}

type reducer struct {
	comparator Comparator
	timeout    time.Duration
	observer   Observer
	logger     *zap.Logger
}

// reduce compares the query against every reference of entry and keeps the
// minimum-distance pairing. A nil candidate with a nil error means no
// comparison succeeded. The only error returned is the cancellation of ctx.
func (r *reducer) reduce(ctx context.Context, query *DecodedImage, entry Entry, model string) (*MatchCandidate, reduceStats, error) {
	var (
		best  *MatchCandidate
		stats reduceStats
	)

	for _, ref := range entry.References {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		stats.attempted++
		d, err := compareWithTimeout(ctx, r.comparator, r.timeout, query, ref.Image, model)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, stats, ctxErr
			}
			stats.failed++
			r.observer.ComparisonFailed(model)
			r.logger.Debug("comparison failed",
				zap.Int64("identity_id", entry.Identity.ID),
				zap.Int("reference_position", ref.Position),
				zap.Error(err),
			)
			continue
		}

		if better(d, ref.Position, best) {
			best = &MatchCandidate{Identity: entry.Identity, Reference: ref, Distance: d}
		}
	}

	return best, stats, nil
}
