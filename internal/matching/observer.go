package matching

import "time"

// Observer receives side-channel signals about degraded work. It never
// influences the returned matches.
type Observer interface {
	ImageSkipped(n int)
	ComparisonFailed(model string)
	QueryCompleted(model string, elapsed time.Duration, results int)
}

type nopObserver struct{}

func (nopObserver) ImageSkipped(int)                          {}
func (nopObserver) ComparisonFailed(string)                   {}
func (nopObserver) QueryCompleted(string, time.Duration, int) {}

// Stats summarises one MatchQuery call.
type Stats struct {
	Identities        int `json:"identities"`
	SkippedImages     int `json:"skipped_images"`
	Comparisons       int `json:"comparisons"`
	FailedComparisons int `json:"failed_comparisons"`
	DroppedIdentities int `json:"dropped_identities"`
	AboveThreshold    int `json:"above_threshold"`
}
