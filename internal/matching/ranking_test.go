package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func candidate(id int64, d float64) MatchCandidate {
	return MatchCandidate{
		Identity:  identity(id),
		Reference: ReferenceImage{IdentityID: id, Image: &DecodedImage{Raw: []byte{byte(id)}}},
		Distance:  d,
	}
}

func ids(results []MatchResult) []int64 {
	out := make([]int64, 0, len(results))
	for _, r := range results {
		out = append(out, r.IdentityID)
	}
	return out
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		distance float64
		want     float64
	}{
		{0, 100},
		{1, 0},
		{0.2, 80},
		{0.12344, 87.66},
		{0.4, 60},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Similarity(tt.distance), 1e-9, "distance %v", tt.distance)
	}
}

func TestSelectThresholdIsInclusive(t *testing.T) {
	results := Select([]MatchCandidate{candidate(1, 0.40), candidate(2, 0.41)}, 0.40, 3)
	assert.Equal(t, []int64{1}, ids(results))
}

func TestSelectSortsAndTruncates(t *testing.T) {
	in := []MatchCandidate{candidate(1, 0.30), candidate(2, 0.10), candidate(3, 0.20), candidate(4, 0.05)}
	results := Select(in, 0.40, 3)
	assert.Equal(t, []int64{4, 2, 3}, ids(results))
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
}

func TestSelectTopKBelowOneReturnsOne(t *testing.T) {
	in := []MatchCandidate{candidate(1, 0.30), candidate(2, 0.10)}
	assert.Equal(t, []int64{2}, ids(Select(in, 0.40, 0)))
	assert.Equal(t, []int64{2}, ids(Select(in, 0.40, -5)))
}

func TestSelectTieBreak(t *testing.T) {
	// Identical distances fall back to identity id; distinct distances that
	// round to the same similarity keep the smaller distance first.
	in := []MatchCandidate{candidate(9, 0.2), candidate(4, 0.2), candidate(6, 0.200001), candidate(5, 0.2000001)}
	results := Select(in, 0.40, 10)
	assert.Equal(t, []int64{4, 9, 5, 6}, ids(results))
	for _, r := range results {
		assert.Equal(t, 80.0, r.Similarity)
	}
}

func TestSelectEmpty(t *testing.T) {
	results := Select(nil, 0.40, 3)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}
