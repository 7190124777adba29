package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/rules"
	"carbonrecycling-backend/internal/secrets"
)

func setupTestRepository(t *testing.T) (*Repository, func()) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set")
	}
	store, err := NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect to db: %v", err)
	}
	cipher, err := secrets.NewAesGcmCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("failed to init cipher: %v", err)
	}
	repo := NewRepository(store, cipher)
	ensureSchema(t, repo)
	cleanup := func() {
		store.Close()
	}
	return repo, cleanup
}

func ensureSchema(t *testing.T, repo *Repository) {
	ctx := context.Background()
	_, err := repo.Store.Pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS alert_rules (
		id uuid PRIMARY KEY,
		org_id text NOT NULL,
		name text NOT NULL,
		description text NOT NULL DEFAULT '',
		type text NOT NULL,
		category text NOT NULL DEFAULT '',
		severity text NOT NULL,
		conditions jsonb NOT NULL DEFAULT '[]'::jsonb,
		actions jsonb NOT NULL DEFAULT '[]'::jsonb,
		settings jsonb NOT NULL DEFAULT '{}'::jsonb,
		active boolean NOT NULL DEFAULT true,
		created_by text NOT NULL DEFAULT '',
		last_triggered timestamptz,
		trigger_count int NOT NULL DEFAULT 0,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`)
	if err != nil {
		t.Fatalf("failed to ensure alert_rules: %v", err)
	}
	_, err = repo.Store.Pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS alert_instances (
		id uuid PRIMARY KEY,
		rule_id uuid NOT NULL,
		org_id text NOT NULL,
		title text NOT NULL,
		message text NOT NULL DEFAULT '',
		severity text NOT NULL,
		category text NOT NULL DEFAULT '',
		status text NOT NULL,
		triggered_at timestamptz NOT NULL,
		acknowledged_at timestamptz,
		acknowledged_by text NOT NULL DEFAULT '',
		resolved_at timestamptz,
		resolved_by text NOT NULL DEFAULT '',
		resolution_note text NOT NULL DEFAULT '',
		metadata jsonb NOT NULL DEFAULT '{}'::jsonb
	)`)
	if err != nil {
		t.Fatalf("failed to ensure alert_instances: %v", err)
	}
	_, err = repo.Store.Pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS metric_sources (
		id uuid PRIMARY KEY,
		org_id text NOT NULL,
		name text NOT NULL,
		driver text NOT NULL,
		host text NOT NULL,
		port int NOT NULL,
		user_name text NOT NULL,
		password_enc text NOT NULL,
		database_name text NOT NULL,
		ssl_mode text NOT NULL DEFAULT '',
		mappings jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`)
	if err != nil {
		t.Fatalf("failed to ensure metric_sources: %v", err)
	}
}

func testRule(org string) rules.Rule {
	return rules.Rule{
		OrgID:    org,
		Name:     "scope one emissions cap",
		Type:     rules.TypeThresholdExceeded,
		Category: "emissions",
		Severity: rules.SeverityHigh,
		Conditions: []rules.Condition{{
			Field:       "emissions.scope1",
			Operator:    rules.OpGreaterThan,
			Value:       500,
			Aggregation: rules.AggSum,
			TimeWindow:  "24h",
		}},
		Actions: []rules.Action{{Type: rules.ActionEmail, Recipients: []string{"ops@example.com"}}},
		Settings: rules.Settings{
			CooldownMinutes:   60,
			MaxTriggersPerDay: 5,
			Suppression:       &rules.SuppressionRule{DuplicateWindowMinutes: 30},
		},
		Active:    true,
		CreatedBy: "user-1",
	}
}

func createTestRule(t *testing.T, repo *Repository, org string) string {
	id, err := repo.CreateRule(context.Background(), testRule(org))
	if err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}
	return id
}

func createTestInstance(t *testing.T, repo *Repository, ruleID, org string, status alerts.Status, triggeredAt time.Time) string {
	inst := alerts.Instance{
		ID:          uuid.NewString(),
		RuleID:      ruleID,
		OrgID:       org,
		Title:       "scope one emissions cap",
		Message:     "emissions.scope1 > 500 (observed 612)",
		Severity:    rules.SeverityHigh,
		Category:    "emissions",
		Status:      status,
		TriggeredAt: triggeredAt,
		Metadata: alerts.Metadata{
			ActualValues: map[string]any{"emissions.scope1": 612.0},
			Thresholds:   map[string]any{"emissions.scope1": "> 500"},
		},
	}
	if err := repo.InsertInstance(context.Background(), inst); err != nil {
		t.Fatalf("failed to insert instance: %v", err)
	}
	return inst.ID
}

func TestRuleRoundTrip(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	org := "org-" + uuid.NewString()

	id := createTestRule(t, repo, org)
	got, err := repo.GetRule(context.Background(), id)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.Name != "scope one emissions cap" || got.Severity != rules.SeverityHigh {
		t.Fatalf("unexpected rule: %+v", got)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Operator != rules.OpGreaterThan {
		t.Fatalf("conditions did not round trip: %+v", got.Conditions)
	}
	if got.Settings.Suppression == nil || got.Settings.Suppression.DuplicateWindowMinutes != 30 {
		t.Fatalf("settings did not round trip: %+v", got.Settings)
	}
	if !got.Active || got.TriggerCount != 0 {
		t.Fatalf("unexpected bookkeeping: %+v", got)
	}

	listed, err := repo.ListRules(context.Background(), org)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != id {
		t.Fatalf("unexpected list: %+v", listed)
	}

	got.Name = "scope one emissions cap v2"
	got.Severity = rules.SeverityCritical
	if err := repo.UpdateRule(context.Background(), got); err != nil {
		t.Fatalf("update rule: %v", err)
	}
	updated, err := repo.GetRule(context.Background(), id)
	if err != nil {
		t.Fatalf("get updated rule: %v", err)
	}
	if updated.Name != "scope one emissions cap v2" || updated.Severity != rules.SeverityCritical {
		t.Fatalf("update not applied: %+v", updated)
	}
	if !updated.UpdatedAt.After(got.CreatedAt) {
		t.Fatal("expected updated_at to change")
	}

	if err := repo.DeleteRule(context.Background(), id); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if _, err := repo.GetRule(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.DeleteRule(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestRuleDeleteKeepsInstanceHistory(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	org := "org-" + uuid.NewString()
	ruleID := createTestRule(t, repo, org)
	instID := createTestInstance(t, repo, ruleID, org, alerts.StatusActive, time.Now().UTC())

	if err := repo.DeleteRule(context.Background(), ruleID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	got, err := repo.GetInstance(context.Background(), instID)
	if err != nil {
		t.Fatalf("instance must survive rule deletion: %v", err)
	}
	if got.RuleID != ruleID {
		t.Fatalf("rule reference = %s, want %s", got.RuleID, ruleID)
	}
}

func TestSetRuleActive(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	org := "org-" + uuid.NewString()
	id := createTestRule(t, repo, org)

	if err := repo.SetRuleActive(context.Background(), id, false); err != nil {
		t.Fatalf("disable rule: %v", err)
	}
	active, err := repo.ListActiveRules(context.Background())
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	for _, rec := range active {
		if rec.ID == id {
			t.Fatal("disabled rule still listed as active")
		}
	}
	if err := repo.SetRuleActive(context.Background(), uuid.NewString(), true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown rule, got %v", err)
	}
}

func TestRecordTrigger(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	org := "org-" + uuid.NewString()
	id := createTestRule(t, repo, org)
	now := time.Now().UTC().Truncate(time.Millisecond)

	ok, err := repo.RecordTrigger(context.Background(), id, now)
	if err != nil {
		t.Fatalf("record trigger: %v", err)
	}
	if !ok {
		t.Fatal("expected trigger to be recorded")
	}
	got, err := repo.GetRule(context.Background(), id)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.TriggerCount != 1 || got.LastTriggered == nil {
		t.Fatalf("bookkeeping not updated: %+v", got)
	}
	if !got.LastTriggered.Equal(now) {
		t.Fatalf("last triggered = %v, want %v", got.LastTriggered, now)
	}

	if err := repo.SetRuleActive(context.Background(), id, false); err != nil {
		t.Fatalf("disable rule: %v", err)
	}
	ok, err = repo.RecordTrigger(context.Background(), id, now)
	if err != nil {
		t.Fatalf("record trigger on disabled rule: %v", err)
	}
	if ok {
		t.Fatal("disabled rule must not record triggers")
	}
}

func TestInstanceLifecycle(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	org := "org-" + uuid.NewString()
	ruleID := createTestRule(t, repo, org)
	now := time.Now().UTC()
	id := createTestInstance(t, repo, ruleID, org, alerts.StatusActive, now)

	got, err := repo.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != alerts.StatusActive || got.Metadata.ActualValues["emissions.scope1"] != 612.0 {
		t.Fatalf("unexpected instance: %+v", got)
	}

	ok, err := repo.UpdateStatus(context.Background(), id, alerts.AllowedFrom(alerts.StatusAcknowledged), alerts.StatusAcknowledged, now, "user-2", "")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if !ok {
		t.Fatal("acknowledge should succeed from ACTIVE")
	}
	ok, err = repo.UpdateStatus(context.Background(), id, alerts.AllowedFrom(alerts.StatusAcknowledged), alerts.StatusAcknowledged, now, "user-3", "")
	if err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if ok {
		t.Fatal("second acknowledge must find no qualifying row")
	}

	ok, err = repo.UpdateStatus(context.Background(), id, alerts.AllowedFrom(alerts.StatusResolved), alerts.StatusResolved, now, "user-2", "fixed upstream feed")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok {
		t.Fatal("resolve should succeed from ACKNOWLEDGED")
	}
	got, err = repo.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("get resolved instance: %v", err)
	}
	if got.Status != alerts.StatusResolved || got.ResolvedBy != "user-2" || got.ResolutionNote != "fixed upstream feed" {
		t.Fatalf("resolution fields not set: %+v", got)
	}
	if got.AcknowledgedBy != "user-2" || got.AcknowledgedAt == nil {
		t.Fatalf("acknowledgement fields lost: %+v", got)
	}

	active, err := repo.ListActive(context.Background(), org)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	for _, inst := range active {
		if inst.ID == id {
			t.Fatal("resolved instance still listed as active")
		}
	}
}

func TestInstanceWindows(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	org := "org-" + uuid.NewString()
	ruleID := createTestRule(t, repo, org)
	now := time.Now().UTC()

	createTestInstance(t, repo, ruleID, org, alerts.StatusActive, now.Add(-10*time.Minute))
	createTestInstance(t, repo, ruleID, org, alerts.StatusSuppressed, now.Add(-5*time.Minute))
	createTestInstance(t, repo, ruleID, org, alerts.StatusActive, now.Add(-2*time.Hour))

	count, err := repo.CountInstancesSince(context.Background(), ruleID, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count since: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	exists, err := repo.RecentInstanceExists(context.Background(), ruleID, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("recent exists: %v", err)
	}
	if !exists {
		t.Fatal("active instance inside the window should count")
	}
	// only the suppressed duplicate sits inside a 7 minute window
	exists, err = repo.RecentInstanceExists(context.Background(), ruleID, now.Add(-7*time.Minute))
	if err != nil {
		t.Fatalf("recent exists: %v", err)
	}
	if exists {
		t.Fatal("suppressed duplicates must not extend the window")
	}
}

func TestEscalationCandidates(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	org := "org-" + uuid.NewString()
	ruleID := createTestRule(t, repo, org)
	now := time.Now().UTC()

	stale := createTestInstance(t, repo, ruleID, org, alerts.StatusActive, now.Add(-45*time.Minute))
	createTestInstance(t, repo, ruleID, org, alerts.StatusActive, now.Add(-5*time.Minute))
	createTestInstance(t, repo, ruleID, org, alerts.StatusAcknowledged, now.Add(-50*time.Minute))

	candidates, err := repo.ListEscalationCandidates(context.Background(), ruleID, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != stale {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
}

func TestSummaryAndDigestCounts(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	org := "org-" + uuid.NewString()
	ruleID := createTestRule(t, repo, org)
	now := time.Now().UTC()

	createTestInstance(t, repo, ruleID, org, alerts.StatusActive, now.Add(-time.Hour))
	createTestInstance(t, repo, ruleID, org, alerts.StatusEscalated, now.Add(-2*time.Hour))
	resolved := createTestInstance(t, repo, ruleID, org, alerts.StatusActive, now.Add(-3*time.Hour))
	ok, err := repo.UpdateStatus(context.Background(), resolved, alerts.AllowedFrom(alerts.StatusResolved), alerts.StatusResolved, now, "user-1", "")
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}

	bySeverity, byCategory, err := repo.SummaryCounts(context.Background(), org)
	if err != nil {
		t.Fatalf("summary counts: %v", err)
	}
	if bySeverity["high"] != 2 {
		t.Fatalf("severity counts = %v", bySeverity)
	}
	if byCategory["emissions"] != 2 {
		t.Fatalf("category counts = %v", byCategory)
	}

	activity, err := repo.ActivityCounts(context.Background(), org, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("activity counts: %v", err)
	}
	if activity.Triggered != 3 || activity.Resolved != 1 {
		t.Fatalf("activity = %+v", activity)
	}

	digest, err := repo.DigestCounts(context.Background(), org, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("digest counts: %v", err)
	}
	if digest.Triggered != 3 || digest.Resolved != 1 || digest.Escalated != 1 || digest.Active != 2 {
		t.Fatalf("digest = %+v", digest)
	}

	orgs, err := repo.OrgIDs(context.Background())
	if err != nil {
		t.Fatalf("org ids: %v", err)
	}
	found := false
	for _, o := range orgs {
		if o == org {
			found = true
		}
	}
	if !found {
		t.Fatalf("org %s missing from %v", org, orgs)
	}
}

func TestMetricSourceRoundTrip(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	org := "org-" + uuid.NewString()

	enc, err := repo.Cipher.Encrypt("warehouse-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	id, err := repo.CreateMetricSource(context.Background(), MetricSource{
		OrgID:    org,
		Name:     "primary warehouse",
		Driver:   "postgres",
		Host:     "warehouse.internal",
		Port:     5432,
		User:     "reader",
		Password: enc,
		Database: "sustainability",
		SSLMode:  "require",
		Mappings: map[string]metricsource.FieldMapping{
			"emissions.scope1": {Table: "emissions", ValueColumn: "scope1_kg", TimestampColumn: "recorded_at", OrgColumn: "org_id"},
		},
	})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}

	settings, configured, err := repo.OrgSourceSettings(context.Background(), org)
	if err != nil {
		t.Fatalf("org settings: %v", err)
	}
	if !configured {
		t.Fatal("expected a configured source")
	}
	if settings.Connection.Password != "warehouse-secret" {
		t.Fatalf("password not decrypted: %q", settings.Connection.Password)
	}
	if settings.Connection.Driver != "postgres" || settings.Connection.Host != "warehouse.internal" {
		t.Fatalf("connection = %+v", settings.Connection)
	}
	mapping, ok := settings.Mappings["emissions.scope1"]
	if !ok || mapping.Table != "emissions" {
		t.Fatalf("mappings = %+v", settings.Mappings)
	}
	firstRef := settings.Ref

	src, err := repo.GetMetricSource(context.Background(), id)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	src.Host = "replica.internal"
	src.Password = ""
	if err := repo.UpdateMetricSource(context.Background(), src); err != nil {
		t.Fatalf("update source: %v", err)
	}

	settings, configured, err = repo.OrgSourceSettings(context.Background(), org)
	if err != nil || !configured {
		t.Fatalf("org settings after update: configured=%v err=%v", configured, err)
	}
	if settings.Connection.Host != "replica.internal" {
		t.Fatalf("host not updated: %+v", settings.Connection)
	}
	if settings.Connection.Password != "warehouse-secret" {
		t.Fatal("empty password on update must keep the stored secret")
	}
	if settings.Ref == firstRef {
		t.Fatal("ref must change when the source changes")
	}

	if err := repo.DeleteMetricSource(context.Background(), id); err != nil {
		t.Fatalf("delete source: %v", err)
	}
	_, configured, err = repo.OrgSourceSettings(context.Background(), org)
	if err != nil {
		t.Fatalf("org settings after delete: %v", err)
	}
	if configured {
		t.Fatal("deleted source still reported as configured")
	}
}
