package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/notify"
	"carbonrecycling-backend/internal/rules"
	"carbonrecycling-backend/internal/storage"
)

// Store provides the per-organization aggregation behind the digest.
type Store interface {
	OrgIDs(ctx context.Context) ([]string, error)
	DigestCounts(ctx context.Context, orgID string, since time.Time) (storage.DigestCounts, error)
}

const (
	digestWindow  = 24 * time.Hour
	digestTimeout = time.Minute
)

// Digest mails each organization a daily summary of its alert activity.
// Organizations without any activity in the window are skipped.
type Digest struct {
	store      Store
	dispatch   *notify.Dispatcher
	log        zerolog.Logger
	schedule   string
	recipients []string
	cron       *cron.Cron
	now        func() time.Time
}

func New(store Store, dispatch *notify.Dispatcher, log zerolog.Logger, schedule string, recipients []string) *Digest {
	if schedule == "" {
		schedule = "@daily"
	}
	return &Digest{
		store:      store,
		dispatch:   dispatch,
		log:        log,
		schedule:   schedule,
		recipients: recipients,
		cron:       cron.New(),
		now:        time.Now,
	}
}

func (d *Digest) Start() error {
	_, err := d.cron.AddFunc(d.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), digestTimeout)
		defer cancel()
		if err := d.RunOnce(ctx); err != nil {
			d.log.Error().Err(err).Msg("digest run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("digest schedule %q: %w", d.schedule, err)
	}
	d.cron.Start()
	d.log.Info().Str("schedule", d.schedule).Int("recipients", len(d.recipients)).Msg("digest scheduled")
	return nil
}

func (d *Digest) Stop() {
	d.cron.Stop()
}

// RunOnce builds and sends the digest for every organization. A failing
// organization does not stop the rest.
func (d *Digest) RunOnce(ctx context.Context) error {
	if len(d.recipients) == 0 {
		d.log.Debug().Msg("digest has no recipients, skipping")
		return nil
	}
	orgs, err := d.store.OrgIDs(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	now := d.now()
	since := now.Add(-digestWindow)
	for _, org := range orgs {
		counts, err := d.store.DigestCounts(ctx, org, since)
		if err != nil {
			d.log.Error().Str("org_id", org).Err(err).Msg("digest aggregation failed")
			continue
		}
		if counts.Triggered == 0 && counts.Resolved == 0 && counts.Escalated == 0 && counts.Active == 0 {
			continue
		}
		d.send(ctx, org, counts, now)
	}
	return nil
}

func (d *Digest) send(ctx context.Context, org string, counts storage.DigestCounts, now time.Time) {
	inst := alerts.Instance{
		ID:       uuid.NewString(),
		OrgID:    org,
		Title:    fmt.Sprintf("Daily alert digest for %s", org),
		Severity: rules.SeverityInfo,
		Category: "digest",
		Message: fmt.Sprintf("last 24h: %d triggered, %d resolved, %d escalated; %d open now",
			counts.Triggered, counts.Resolved, counts.Escalated, counts.Active),
		TriggeredAt: now,
		Metadata: alerts.Metadata{
			ActualValues: map[string]any{
				"triggered": counts.Triggered,
				"resolved":  counts.Resolved,
				"escalated": counts.Escalated,
				"active":    counts.Active,
			},
		},
	}
	action := rules.Action{Type: rules.ActionEmail, Recipients: d.recipients, Template: "digest"}
	d.dispatch.Dispatch(ctx, []rules.Action{action}, inst)
	d.log.Info().
		Str("org_id", org).
		Int("triggered", counts.Triggered).
		Int("active", counts.Active).
		Msg("digest sent")
}
