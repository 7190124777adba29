package metricsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carbonrecycling-backend/internal/warehouse"
)

var ErrNotConfigured = errors.New("no metric source configured")

// FieldMapping binds a metric field to a warehouse table and columns.
type FieldMapping struct {
	Table           string `json:"table"`
	ValueColumn     string `json:"valueColumn"`
	TimestampColumn string `json:"timestampColumn"`
	TextColumn      string `json:"textColumn,omitempty"`
	OrgColumn       string `json:"orgColumn,omitempty"`
}

// SourceSettings is an organization's warehouse connection plus its
// field mappings. Ref changes whenever the stored settings change.
type SourceSettings struct {
	Ref        string
	Connection warehouse.ConnectionConfig
	Mappings   map[string]FieldMapping
}

type SettingsStore interface {
	OrgSourceSettings(ctx context.Context, orgID string) (SourceSettings, bool, error)
}

// Resolver routes series fetches to an organization's own warehouse
// when one is configured and mapped, and to the fallback source
// otherwise. Warehouse readers are cached per organization and
// rebuilt when the stored settings change.
type Resolver struct {
	settings SettingsStore
	fallback Source
	log      zerolog.Logger

	mu      sync.Mutex
	readers map[string]*cachedReader
}

type cachedReader struct {
	ref    string
	reader warehouse.Reader
}

func NewResolver(settings SettingsStore, fallback Source, log zerolog.Logger) *Resolver {
	return &Resolver{
		settings: settings,
		fallback: fallback,
		log:      log,
		readers:  map[string]*cachedReader{},
	}
}

func (r *Resolver) FetchSeries(ctx context.Context, orgID, field string, since, until time.Time) ([]Sample, error) {
	cfg, configured, err := r.settings.OrgSourceSettings(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load source settings: %w", err)
	}
	if !configured {
		return r.fetchFallback(ctx, orgID, field, since, until)
	}
	mapping, mapped := cfg.Mappings[field]
	if !mapped {
		return r.fetchFallback(ctx, orgID, field, since, until)
	}
	reader, err := r.readerFor(orgID, cfg)
	if err != nil {
		return nil, err
	}
	points, err := reader.FetchSeries(ctx, warehouse.SeriesQuery{
		Table:           mapping.Table,
		ValueColumn:     mapping.ValueColumn,
		TimestampColumn: mapping.TimestampColumn,
		TextColumn:      mapping.TextColumn,
		OrgColumn:       mapping.OrgColumn,
		OrgID:           orgID,
		Since:           since,
		Until:           until,
	})
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, len(points))
	for _, p := range points {
		samples = append(samples, Sample{Timestamp: p.TS, Value: p.Value, Text: p.Text})
	}
	return samples, nil
}

func (r *Resolver) fetchFallback(ctx context.Context, orgID, field string, since, until time.Time) ([]Sample, error) {
	if r.fallback == nil {
		return nil, ErrNotConfigured
	}
	return r.fallback.FetchSeries(ctx, orgID, field, since, until)
}

func (r *Resolver) readerFor(orgID string, cfg SourceSettings) (warehouse.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cached, ok := r.readers[orgID]
	if ok && cached.ref == cfg.Ref {
		return cached.reader, nil
	}
	if ok {
		if err := cached.reader.Close(); err != nil {
			r.log.Warn().Str("org_id", orgID).Err(err).Msg("closing stale warehouse reader")
		}
		delete(r.readers, orgID)
	}
	reader, err := warehouse.NewReader(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("open warehouse for org %s: %w", orgID, err)
	}
	r.readers[orgID] = &cachedReader{ref: cfg.Ref, reader: reader}
	return reader, nil
}

// Invalidate drops the cached reader for an organization so the next
// fetch reopens it from stored settings.
func (r *Resolver) Invalidate(orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.readers[orgID]; ok {
		_ = cached.reader.Close()
		delete(r.readers, orgID)
	}
}

func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for orgID, cached := range r.readers {
		if err := cached.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.readers, orgID)
	}
	return firstErr
}
