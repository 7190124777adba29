package metricsource

import (
	"context"
	"errors"
	"time"
)

// ErrNoSamples reports an empty series where the aggregation needs data.
var ErrNoSamples = errors.New("no samples in window")

// Sample is a single observed metric value. Text carries categorical
// readings such as compliance statuses.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Text      string    `json:"text,omitempty"`
}

// Source serves metric series. FetchSeries returns samples within
// [since, until], newest first.
type Source interface {
	FetchSeries(ctx context.Context, orgID, field string, since, until time.Time) ([]Sample, error)
}

// ReferenceSource serves the comparison values percentage-change
// conditions are measured against.
type ReferenceSource interface {
	Baseline(ctx context.Context, orgID, field string) (float64, error)
	Target(ctx context.Context, orgID, field string) (float64, error)
	IndustryAverage(ctx context.Context, orgID, field string) (float64, error)
}

// SnapshotSource serves point-in-time platform state for dashboards.
type SnapshotSource interface {
	SystemHealth(ctx context.Context, orgID string) (map[string]any, error)
	DataQuality(ctx context.Context, orgID string) (map[string]any, error)
}
