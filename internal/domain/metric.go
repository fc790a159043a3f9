package domain

import (
	"fmt"
	"time"
)

// Metric is a time-stamped numeric sample with a type tag.
type Metric struct {
	ID         int64
	MetricType string
	Value      float64
	AgentID    string
	CreatedAt  time.Time
}

// NewMetric creates a metric sample stamped with the given instant.
func NewMetric(metricType string, value float64, now time.Time) (*Metric, error) {
	if metricType == "" {
		return nil, fmt.Errorf("metric_type is required")
	}
	return &Metric{
		MetricType: metricType,
		Value:      value,
		CreatedAt:  now.UTC(),
	}, nil
}

// MetricSummary aggregates samples of one metric type over a window.
type MetricSummary struct {
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Latest float64 `json:"latest"`
}
