package matching

import (
	"math"
	"sort"
)

// MatchResult is an immutable, caller-facing match.
type MatchResult struct {
	IdentityID     int64
	Name           string
	Crime          string
	Description    string
	Similarity     float64
	Distance       float64
	ReferenceID    int64
	ReferenceImage []byte
}

// Similarity converts a distance into a percentage rounded to two decimals.
func Similarity(distance float64) float64 {
	return math.Round((1-distance)*100*100) / 100
}

// Select keeps candidates within threshold (inclusive), scores them, orders
// them and truncates to topK (at least one).
//
// Order is similarity descending, then distance ascending, then identity id
// ascending. Candidates that share a rounded similarity are therefore still
// ordered by their raw distance, which keeps a lower threshold's result a
// prefix-compatible subset of a higher threshold's.
func Select(candidates []MatchCandidate, threshold float64, topK int) []MatchResult {
	results := make([]MatchResult, 0, len(candidates))
	for _, c := range candidates {
		if c.Distance > threshold {
			continue
		}
		results = append(results, MatchResult{
			IdentityID:     c.Identity.ID,
			Name:           c.Identity.Name,
			Crime:          c.Identity.Crime,
			Description:    c.Identity.Description,
			Similarity:     Similarity(c.Distance),
			Distance:       c.Distance,
			ReferenceID:    c.Reference.ReferenceID,
			ReferenceImage: c.Reference.Image.Raw,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		return a.IdentityID < b.IdentityID
	})

	limit := max(1, topK)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
