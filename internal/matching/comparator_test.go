package matching

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constComparator(d float64) ComparatorFunc {
	return func(context.Context, *DecodedImage, *DecodedImage, string) (float64, error) {
		return d, nil
	}
}

func TestRouterCompare(t *testing.T) {
	tests := []struct {
		name      string
		fallback  Comparator
		model     string
		want      float64
		wantErr   error
		supported bool
	}{
		{name: "routed model", fallback: constComparator(0.9), model: "phash", want: 0.1, supported: true},
		{name: "fallback for unrouted model", fallback: constComparator(0.9), model: "Facenet", want: 0.9, supported: true},
		{name: "no route and no fallback", model: "Facenet", wantErr: ErrNoComparator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(tt.fallback).Handle(constComparator(0.1), "phash", "dhash")

			assert.Equal(t, tt.supported, r.Supports(tt.model))
			got, err := r.Compare(context.Background(), &DecodedImage{}, &DecodedImage{}, tt.model)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), tt.model)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchQueryUnroutedModelDropsEveryIdentity(t *testing.T) {
	f := newFixture()
	f.add(t, 1, 10, 0.1)
	f.add(t, 2, 20, 0.2)
	router := NewRouter(nil).Handle(f.cmp, "phash")

	obs := &countingObserver{}
	results, stats, err := NewEngine(router, Options{Observer: obs}).MatchQuery(context.Background(), encodePNG(t, 99), f.records, cfg(1.0, 3))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 2, stats.FailedComparisons)
	assert.Equal(t, 2, stats.DroppedIdentities)
	assert.Equal(t, 2, obs.failed)
	assert.Zero(t, f.cmp.callCount())
}
