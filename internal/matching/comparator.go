package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Comparator measures the dissimilarity of two images. Implementations return
// a distance in [0,1], lower meaning more alike.
type Comparator interface {
	Compare(ctx context.Context, query, reference *DecodedImage, model string) (float64, error)
}

// ComparatorFunc adapts a plain function to the Comparator interface.
type ComparatorFunc func(ctx context.Context, query, reference *DecodedImage, model string) (float64, error)

// Compare calls f.
func (f ComparatorFunc) Compare(ctx context.Context, query, reference *DecodedImage, model string) (float64, error) {
	return f(ctx, query, reference, model)
}

// ErrDistanceOutOfRange is returned when a comparator breaks the [0,1] contract.
var ErrDistanceOutOfRange = errors.New("distance out of range")

// ComparisonError reports a failed comparison of one query/reference pair.
type ComparisonError struct {
	Model string
	Err   error
}

func (e *ComparisonError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("compare (model=%s): %v", e.Model, e.Err)
}

func (e *ComparisonError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type compareOutcome struct {
	distance float64
	err      error
}

// compareWithTimeout runs one comparison under its own deadline. The call is
// made on a separate goroutine so that a comparator ignoring its context still
// cannot hold the caller past the deadline.
func compareWithTimeout(ctx context.Context, c Comparator, timeout time.Duration, query, reference *DecodedImage, model string) (float64, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan compareOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- compareOutcome{err: fmt.Errorf("comparator panic: %v", r)}
			}
		}()
		d, err := c.Compare(callCtx, query, reference, model)
		done <- compareOutcome{distance: d, err: err}
	}()

	select {
	case <-callCtx.Done():
		return 0, &ComparisonError{Model: model, Err: callCtx.Err()}
	case out := <-done:
		if out.err != nil {
			return 0, &ComparisonError{Model: model, Err: out.err}
		}
		if math.IsNaN(out.distance) || out.distance < 0 || out.distance > 1 {
			return 0, &ComparisonError{Model: model, Err: fmt.Errorf("%w: %v", ErrDistanceOutOfRange, out.distance)}
		}
		return out.distance, nil
	}
}

// Router dispatches comparisons by model name, falling back to a default
// comparator for models without a dedicated route.
type Router struct {
	routes   map[string]Comparator
	fallback Comparator
}

// ErrNoComparator is returned by a Router with no route for the requested model.
var ErrNoComparator = errors.New("no comparator for model")

// NewRouter builds a Router. fallback may be nil.
func NewRouter(fallback Comparator) *Router {
	return &Router{routes: make(map[string]Comparator), fallback: fallback}
}

// Handle registers c for the given model names.
func (r *Router) Handle(c Comparator, models ...string) *Router {
	for _, m := range models {
		r.routes[m] = c
	}
	return r
}

// Supports reports whether a comparison for model has somewhere to go.
func (r *Router) Supports(model string) bool {
	if _, ok := r.routes[model]; ok {
		return true
	}
	return r.fallback != nil
}

// Compare implements Comparator.
func (r *Router) Compare(ctx context.Context, query, reference *DecodedImage, model string) (float64, error) {
	if c, ok := r.routes[model]; ok {
		return c.Compare(ctx, query, reference, model)
	}
	if r.fallback == nil {
		return 0, fmt.Errorf("%w %q", ErrNoComparator, model)
	}
	return r.fallback.Compare(ctx, query, reference, model)
}
