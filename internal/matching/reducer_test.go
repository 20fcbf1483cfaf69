package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func entryFor(t *testing.T, id int64, seeds ...uint8) (Entry, [][]byte) {
	t.Helper()
	raws := make([][]byte, 0, len(seeds))
	records := make([]Record, 0, len(seeds))
	for i, s := range seeds {
		raw := encodePNG(t, s)
		raws = append(raws, raw)
		records = append(records, Record{Identity: identity(id), ReferenceID: int64(i + 1), ImageBytes: raw})
	}
	g := BuildGallery(records)
	require.Equal(t, 1, g.Len())
	return g.Entries[0], raws
}

func newTestReducer(c Comparator) *reducer {
	return &reducer{comparator: c, observer: nopObserver{}, logger: zap.NewNop()}
}

func TestReducePicksMinimumDistance(t *testing.T) {
	entry, raws := entryFor(t, 1, 10, 20, 30)
	cmp := newFakeComparator()
	cmp.set(raws[0], 0.5)
	cmp.set(raws[1], 0.2)
	cmp.set(raws[2], 0.35)

	query, err := Validate(encodePNG(t, 99))
	require.NoError(t, err)

	c, stats, err := newTestReducer(cmp).reduce(context.Background(), query, entry, DefaultModel)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 0.2, c.Distance)
	assert.Equal(t, int64(2), c.Reference.ReferenceID)
	assert.Equal(t, 3, stats.attempted)
	assert.Equal(t, 0, stats.failed)
}

func TestReduceTieGoesToEarliestReference(t *testing.T) {
	entry, raws := entryFor(t, 1, 10, 20, 30)
	cmp := newFakeComparator()
	cmp.set(raws[0], 0.4)
	cmp.set(raws[1], 0.1)
	cmp.set(raws[2], 0.1)

	query, err := Validate(encodePNG(t, 99))
	require.NoError(t, err)

	c, _, err := newTestReducer(cmp).reduce(context.Background(), query, entry, DefaultModel)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Reference.Position)
}

func TestBetterIsOrderIndependent(t *testing.T) {
	late := &MatchCandidate{Distance: 0.1, Reference: ReferenceImage{Position: 2}}
	assert.True(t, better(0.1, 0, late), "earlier position must win a tie")
	assert.False(t, better(0.1, 3, late))
	assert.True(t, better(0.05, 5, late))
	assert.False(t, better(0.2, 0, late))
	assert.True(t, better(0.9, 9, nil))
}

func TestReduceSkipsFailedComparisons(t *testing.T) {
	entry, raws := entryFor(t, 1, 10, 20)
	cmp := newFakeComparator()
	cmp.set(raws[0], 0.05)
	cmp.fail(raws[0])
	cmp.set(raws[1], 0.3)

	query, err := Validate(encodePNG(t, 99))
	require.NoError(t, err)

	c, stats, err := newTestReducer(cmp).reduce(context.Background(), query, entry, DefaultModel)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 0.3, c.Distance)
	assert.Equal(t, 1, stats.failed)
}

func TestReduceAllFailedReturnsNoCandidate(t *testing.T) {
	entry, _ := entryFor(t, 1, 10, 20)
	query, err := Validate(encodePNG(t, 99))
	require.NoError(t, err)

	c, stats, err := newTestReducer(newFakeComparator()).reduce(context.Background(), query, entry, DefaultModel)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 2, stats.failed)
}

func TestReduceRejectsOutOfRangeDistance(t *testing.T) {
	entry, raws := entryFor(t, 1, 10)
	cmp := newFakeComparator()
	cmp.set(raws[0], 1.5)
	query, err := Validate(encodePNG(t, 99))
	require.NoError(t, err)

	c, stats, err := newTestReducer(cmp).reduce(context.Background(), query, entry, DefaultModel)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 1, stats.failed)
}

func TestReduceStopsOnCancellation(t *testing.T) {
	entry, raws := entryFor(t, 1, 10)
	cmp := newFakeComparator()
	cmp.set(raws[0], 0.1)
	query, err := Validate(encodePNG(t, 99))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _, err := newTestReducer(cmp).reduce(ctx, query, entry, DefaultModel)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Nil(t, c)
}
