package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"carbonrecycling-backend/internal/bus"
	"carbonrecycling-backend/internal/metrics"
)

type Store interface {
	InsertInstance(ctx context.Context, inst Instance) error
	GetInstance(ctx context.Context, id string) (Instance, error)
	UpdateStatus(ctx context.Context, id string, from []Status, to Status, at time.Time, actor, note string) (bool, error)
	ListActive(ctx context.Context, orgID string) ([]Instance, error)
	SummaryCounts(ctx context.Context, orgID string) (map[string]int, map[string]int, error)
	ActivityCounts(ctx context.Context, orgID string, since time.Time) (ActivityCounts, error)
}

type Publisher interface {
	Publish(subject string, payload any) error
}

type ActivityCounts struct {
	Triggered    int `json:"triggered"`
	Acknowledged int `json:"acknowledged"`
	Resolved     int `json:"resolved"`
}

type Summary struct {
	OrgID       string         `json:"orgId"`
	TotalActive int            `json:"totalActive"`
	BySeverity  map[string]int `json:"bySeverity"`
	ByCategory  map[string]int `json:"byCategory"`
	Last24h     ActivityCounts `json:"last24h"`
	Recent      []Instance     `json:"recent"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

const recentSummaryLimit = 10

// Manager owns alert lifecycle transitions. Every state change goes
// through the store with the allowed source states attached, so a
// concurrent transition loses cleanly instead of overwriting.
type Manager struct {
	store Store
	bus   Publisher
	log   zerolog.Logger
	now   func() time.Time
}

func NewManager(store Store, pub Publisher, log zerolog.Logger) *Manager {
	return &Manager{store: store, bus: pub, log: log, now: time.Now}
}

func (m *Manager) Create(ctx context.Context, inst Instance) (Instance, error) {
	if err := m.store.InsertInstance(ctx, inst); err != nil {
		return Instance{}, err
	}
	switch inst.Status {
	case StatusActive:
		metrics.AlertsTriggered.WithLabelValues(string(inst.Severity)).Inc()
		m.publish("alert.triggered", inst)
	case StatusSuppressed:
		metrics.AlertsSuppressed.Inc()
	}
	return inst, nil
}

func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (Instance, error) {
	return m.transition(ctx, id, StatusAcknowledged, actor, "", "")
}

func (m *Manager) Resolve(ctx context.Context, id, actor, note string) (Instance, error) {
	return m.transition(ctx, id, StatusResolved, actor, note, "alert.resolved")
}

func (m *Manager) Suppress(ctx context.Context, id, actor string) (Instance, error) {
	return m.transition(ctx, id, StatusSuppressed, actor, "", "")
}

func (m *Manager) Escalate(ctx context.Context, id string) (Instance, error) {
	inst, err := m.transition(ctx, id, StatusEscalated, "system", "", "alert.escalated")
	if err == nil {
		metrics.AlertsEscalated.Inc()
	}
	return inst, err
}

func (m *Manager) transition(ctx context.Context, id string, to Status, actor, note, subject string) (Instance, error) {
	ok, err := m.store.UpdateStatus(ctx, id, AllowedFrom(to), to, m.now(), actor, note)
	if err != nil {
		return Instance{}, err
	}
	if !ok {
		return Instance{}, &StateError{ID: id}
	}
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return Instance{}, err
	}
	if subject != "" {
		m.publish(subject, inst)
	}
	return inst, nil
}

func (m *Manager) Active(ctx context.Context, orgID string) ([]Instance, error) {
	return m.store.ListActive(ctx, orgID)
}

func (m *Manager) BuildSummary(ctx context.Context, orgID string) (Summary, error) {
	now := m.now()
	bySeverity, byCategory, err := m.store.SummaryCounts(ctx, orgID)
	if err != nil {
		return Summary{}, err
	}
	activity, err := m.store.ActivityCounts(ctx, orgID, now.Add(-24*time.Hour))
	if err != nil {
		return Summary{}, err
	}
	recent, err := m.store.ListActive(ctx, orgID)
	if err != nil {
		return Summary{}, err
	}
	if len(recent) > recentSummaryLimit {
		recent = recent[:recentSummaryLimit]
	}
	total := 0
	for _, count := range bySeverity {
		total += count
	}
	return Summary{
		OrgID:       orgID,
		TotalActive: total,
		BySeverity:  bySeverity,
		ByCategory:  byCategory,
		Last24h:     activity,
		Recent:      recent,
		GeneratedAt: now,
	}, nil
}

func (m *Manager) publish(subject string, inst Instance) {
	if m.bus == nil {
		return
	}
	evt := bus.Event{RuleID: inst.RuleID, AlertID: inst.ID, OrgID: inst.OrgID}
	if err := m.bus.Publish(subject, evt); err != nil {
		m.log.Warn().Str("subject", subject).Str("alert_id", inst.ID).Err(err).Msg("event publish failed")
	}
}
