package metricsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPSource reads series and reference values from the platform
// metrics API.
type HTTPSource struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewHTTPSource(baseURL, token string) *HTTPSource {
	return &HTTPSource{BaseURL: baseURL, Token: token, Timeout: 10 * time.Second}
}

type seriesResponse struct {
	OK      bool     `json:"ok"`
	Message string   `json:"message"`
	Samples []Sample `json:"samples"`
}

type valueResponse struct {
	OK      bool     `json:"ok"`
	Message string   `json:"message"`
	Value   *float64 `json:"value"`
}

type snapshotResponse struct {
	OK       bool           `json:"ok"`
	Message  string         `json:"message"`
	Snapshot map[string]any `json:"snapshot"`
}

func (s *HTTPSource) FetchSeries(ctx context.Context, orgID, field string, since, until time.Time) ([]Sample, error) {
	query := url.Values{}
	query.Set("orgId", orgID)
	query.Set("field", field)
	query.Set("since", since.UTC().Format(time.RFC3339))
	query.Set("until", until.UTC().Format(time.RFC3339))
	var resp seriesResponse
	if err := s.doGet(ctx, "/api/v1/metrics/series", query, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("metrics api: %s", resp.Message)
	}
	return resp.Samples, nil
}

func (s *HTTPSource) Baseline(ctx context.Context, orgID, field string) (float64, error) {
	return s.reference(ctx, "baseline", orgID, field)
}

func (s *HTTPSource) Target(ctx context.Context, orgID, field string) (float64, error) {
	return s.reference(ctx, "target", orgID, field)
}

func (s *HTTPSource) IndustryAverage(ctx context.Context, orgID, field string) (float64, error) {
	return s.reference(ctx, "industry-average", orgID, field)
}

func (s *HTTPSource) reference(ctx context.Context, kind, orgID, field string) (float64, error) {
	query := url.Values{}
	query.Set("orgId", orgID)
	query.Set("field", field)
	var resp valueResponse
	if err := s.doGet(ctx, "/api/v1/references/"+kind, query, &resp); err != nil {
		return 0, err
	}
	if !resp.OK {
		return 0, fmt.Errorf("metrics api: %s", resp.Message)
	}
	if resp.Value == nil {
		return 0, fmt.Errorf("no %s configured for %q", kind, field)
	}
	return *resp.Value, nil
}

func (s *HTTPSource) SystemHealth(ctx context.Context, orgID string) (map[string]any, error) {
	return s.snapshot(ctx, "/api/v1/system/health", orgID)
}

func (s *HTTPSource) DataQuality(ctx context.Context, orgID string) (map[string]any, error) {
	return s.snapshot(ctx, "/api/v1/data-quality/summary", orgID)
}

func (s *HTTPSource) snapshot(ctx context.Context, path, orgID string) (map[string]any, error) {
	query := url.Values{}
	query.Set("orgId", orgID)
	var resp snapshotResponse
	if err := s.doGet(ctx, path, query, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("metrics api: %s", resp.Message)
	}
	return resp.Snapshot, nil
}

func (s *HTTPSource) doGet(ctx context.Context, path string, query url.Values, out any) error {
	client := &http.Client{Timeout: s.Timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics api status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
