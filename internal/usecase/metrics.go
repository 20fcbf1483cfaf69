package usecase

import "context"

// MetricsSummary represents aggregated search insights.
type MetricsSummary struct {
	TotalSearches          int64   `json:"total_searches"`
	SearchesWithMatches    int64   `json:"searches_with_matches"`
	HitRate                float64 `json:"hit_rate"`
	AverageMatches         float64 `json:"average_matches"`
	TotalSkippedImages     int64   `json:"total_skipped_images"`
	TotalFailedComparisons int64   `json:"total_failed_comparisons"`
}

// GetMetricsSummary aggregates search metrics from persisted logs.
func (uc *SearchUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateSearchLogs(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalSearches:          aggregation.TotalCount,
		SearchesWithMatches:    aggregation.WithMatchesCount,
		AverageMatches:         aggregation.AverageMatches,
		TotalSkippedImages:     aggregation.TotalSkippedImages,
		TotalFailedComparisons: aggregation.TotalFailedComparisons,
	}

	if aggregation.TotalCount > 0 {
		summary.HitRate = float64(aggregation.WithMatchesCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
