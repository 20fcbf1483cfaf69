// Package metrics exposes prometheus counters for the matching engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements matching.Observer.
type Metrics struct {
	ImagesSkipped     prometheus.Counter
	ComparisonsFailed *prometheus.CounterVec
	QueryLatency      *prometheus.HistogramVec
	ResultSize        prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ImagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facematch_reference_images_skipped_total",
			Help: "Reference images dropped because they could not be decoded",
		}),
		ComparisonsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facematch_comparisons_failed_total",
			Help: "Query/reference comparisons that failed or timed out, by model",
		}, []string{"model"}),
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "facematch_query_duration_seconds",
			Help:    "Duration of a full match query, by model",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model"}),
		ResultSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "facematch_query_results",
			Help:    "Number of matches returned per query",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 25, 50},
		}),
	}
	reg.MustRegister(m.ImagesSkipped, m.ComparisonsFailed, m.QueryLatency, m.ResultSize)
	return m
}

// ImageSkipped counts n undecodable reference images.
func (m *Metrics) ImageSkipped(n int) {
	if m != nil {
		m.ImagesSkipped.Add(float64(n))
	}
}

// ComparisonFailed counts one failed comparison.
func (m *Metrics) ComparisonFailed(model string) {
	if m != nil {
		m.ComparisonsFailed.WithLabelValues(model).Inc()
	}
}

// QueryCompleted records latency and result size of one query.
func (m *Metrics) QueryCompleted(model string, elapsed time.Duration, results int) {
	if m != nil {
		m.QueryLatency.WithLabelValues(model).Observe(elapsed.Seconds())
		m.ResultSize.Observe(float64(results))
	}
}
