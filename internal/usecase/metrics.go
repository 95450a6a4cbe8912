package usecase

import "context"

// MetricsSummary represents aggregated submission insights.
type MetricsSummary struct {
	TotalSubmissions     int64   `json:"total_submissions"`
	SucceededSubmissions int64   `json:"succeeded_submissions"`
	SuccessRate          float64 `json:"success_rate"`
	AverageConfidence    float64 `json:"average_confidence"`
	AverageAttempts      float64 `json:"average_attempts"`
}

// GetMetricsSummary aggregates submission metrics from persisted logs.
func (m *Manager) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if m.deps.Repo == nil {
		return &MetricsSummary{}, nil
	}
	aggregation, err := m.deps.Repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalSubmissions:     aggregation.TotalCount,
		SucceededSubmissions: aggregation.SucceededCount,
		AverageConfidence:    aggregation.AverageConfidence,
		AverageAttempts:      aggregation.AverageAttempts,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SucceededCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
