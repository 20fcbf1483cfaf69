package matching

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"
)

// encodePNG returns a small PNG whose pixels depend on seed, so every seed
// yields distinct bytes.
func encodePNG(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: seed, G: uint8(x * 40), B: uint8(y * 40), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

var errFakeCompare = errors.New("fake comparator failure")

// fakeComparator returns a fixed distance per reference image. References
// without a configured distance fail.
type fakeComparator struct {
	mu        sync.Mutex
	distances map[string]float64
	failing   map[string]bool
	delay     time.Duration
	calls     int
}

func newFakeComparator() *fakeComparator {
	return &fakeComparator{distances: map[string]float64{}, failing: map[string]bool{}}
}

func (f *fakeComparator) set(ref []byte, d float64) { f.distances[string(ref)] = d }

func (f *fakeComparator) fail(ref []byte) { f.failing[string(ref)] = true }

func (f *fakeComparator) Compare(ctx context.Context, query, reference *DecodedImage, model string) (float64, error) {
	f.mu.Lock()
	f.calls++
	key := string(reference.Raw)
	d, ok := f.distances[key]
	failing := f.failing[key]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if failing || !ok {
		return 0, errFakeCompare
	}
	return d, nil
}

func (f *fakeComparator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingObserver struct {
	mu       sync.Mutex
	skipped  int
	failed   int
	queries  int
	lastSize int
}

func (o *countingObserver) ImageSkipped(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped += n
}

func (o *countingObserver) ComparisonFailed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *countingObserver) QueryCompleted(_ string, _ time.Duration, results int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queries++
	o.lastSize = results
}

func identity(id int64) Identity {
	return Identity{ID: id, Name: "name", Crime: "crime", Description: "description"}
}
