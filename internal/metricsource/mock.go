package metricsource

import (
	"context"
	"sort"
	"time"
)

// MockSource serves canned series and reference values for tests.
type MockSource struct {
	Series     map[string][]Sample
	Baselines  map[string]float64
	Targets    map[string]float64
	Industry   map[string]float64
	Health     map[string]any
	Quality    map[string]any
	Err        error
	RefErr     error
	FetchCalls int
}

func (m *MockSource) FetchSeries(_ context.Context, _, field string, since, until time.Time) ([]Sample, error) {
	m.FetchCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	out := []Sample{}
	for _, s := range m.Series[field] {
		if s.Timestamp.Before(since) || s.Timestamp.After(until) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *MockSource) Baseline(_ context.Context, _, field string) (float64, error) {
	if m.RefErr != nil {
		return 0, m.RefErr
	}
	return m.Baselines[field], nil
}

func (m *MockSource) Target(_ context.Context, _, field string) (float64, error) {
	if m.RefErr != nil {
		return 0, m.RefErr
	}
	return m.Targets[field], nil
}

func (m *MockSource) IndustryAverage(_ context.Context, _, field string) (float64, error) {
	if m.RefErr != nil {
		return 0, m.RefErr
	}
	return m.Industry[field], nil
}

func (m *MockSource) SystemHealth(_ context.Context, _ string) (map[string]any, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Health, nil
}

func (m *MockSource) DataQuality(_ context.Context, _ string) (map[string]any, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Quality, nil
}
