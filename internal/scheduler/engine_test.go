package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/notify"
	"carbonrecycling-backend/internal/rules"
	"carbonrecycling-backend/internal/storage"
)

type fakeRuleStore struct {
	mu          sync.Mutex
	rules       map[string]rules.Rule
	triggered   map[string]int
	countSince  int
	recent      bool
	candidates  map[string][]alerts.Instance
	activeCount int
}

func newFakeRuleStore(rs ...rules.Rule) *fakeRuleStore {
	s := &fakeRuleStore{
		rules:      map[string]rules.Rule{},
		triggered:  map[string]int{},
		candidates: map[string][]alerts.Instance{},
	}
	for _, r := range rs {
		s.rules[r.ID] = r
	}
	return s
}

func (s *fakeRuleStore) ListActiveRules(context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []rules.Rule{}
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeRuleStore) GetRule(_ context.Context, id string) (rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return rules.Rule{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *fakeRuleStore) RecordTrigger(_ context.Context, id string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || !r.Active {
		return false, nil
	}
	s.triggered[id]++
	return true, nil
}

func (s *fakeRuleStore) CountInstancesSince(context.Context, string, time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countSince, nil
}

func (s *fakeRuleStore) RecentInstanceExists(context.Context, string, time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent, nil
}

func (s *fakeRuleStore) ListEscalationCandidates(_ context.Context, ruleID string, _ time.Time) ([]alerts.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidates[ruleID], nil
}

func (s *fakeRuleStore) CountActive(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount, nil
}

func (s *fakeRuleStore) triggerCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered[id]
}

type fakeAlertStore struct {
	mu        sync.Mutex
	instances map[string]alerts.Instance
}

func newFakeAlertStore(seed ...alerts.Instance) *fakeAlertStore {
	s := &fakeAlertStore{instances: map[string]alerts.Instance{}}
	for _, inst := range seed {
		s.instances[inst.ID] = inst
	}
	return s
}

func (s *fakeAlertStore) InsertInstance(_ context.Context, inst alerts.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return nil
}

func (s *fakeAlertStore) GetInstance(_ context.Context, id string) (alerts.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return alerts.Instance{}, storage.ErrNotFound
	}
	return inst, nil
}

func (s *fakeAlertStore) UpdateStatus(_ context.Context, id string, from []alerts.Status, to alerts.Status, _ time.Time, _, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, f := range from {
		if inst.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	inst.Status = to
	s.instances[id] = inst
	return true, nil
}

func (s *fakeAlertStore) ListActive(context.Context, string) ([]alerts.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []alerts.Instance{}
	for _, inst := range s.instances {
		for _, status := range alerts.ActiveStatuses {
			if inst.Status == status {
				out = append(out, inst)
			}
		}
	}
	return out, nil
}

func (s *fakeAlertStore) SummaryCounts(context.Context, string) (map[string]int, map[string]int, error) {
	return map[string]int{}, map[string]int{}, nil
}

func (s *fakeAlertStore) ActivityCounts(context.Context, string, time.Time) (alerts.ActivityCounts, error) {
	return alerts.ActivityCounts{}, nil
}

func (s *fakeAlertStore) all() []alerts.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []alerts.Instance{}
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

func (s *fakeAlertStore) status(id string) alerts.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[id].Status
}

type fakeBus struct {
	mu       sync.Mutex
	subjects []string
}

func (b *fakeBus) Publish(subject string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	return nil
}

func (b *fakeBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.subjects...)
}

type captureNotifier struct {
	mu      sync.Mutex
	actions []rules.Action
	insts   []alerts.Instance
}

func (n *captureNotifier) Send(_ context.Context, action rules.Action, inst alerts.Instance) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actions = append(n.actions, action)
	n.insts = append(n.insts, inst)
	return nil
}

func (n *captureNotifier) sent() []rules.Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]rules.Action{}, n.actions...)
}

type engineFixture struct {
	engine   *Engine
	store    *fakeRuleStore
	alerts   *fakeAlertStore
	bus      *fakeBus
	notifier *captureNotifier
	src      *metricsource.MockSource
}

func newEngineFixture(t *testing.T, src *metricsource.MockSource, workers int, rs ...rules.Rule) *engineFixture {
	t.Helper()
	store := newFakeRuleStore(rs...)
	alertStore := newFakeAlertStore()
	bus := &fakeBus{}
	notifier := &captureNotifier{}

	mgr := alerts.NewManager(alertStore, bus, zerolog.Nop())
	dispatch := notify.NewDispatcher(zerolog.Nop())
	dispatch.Register(rules.ActionEmail, notifier)
	dispatch.Register(rules.ActionSlack, notifier)
	eval := &Evaluator{Metrics: src, References: src}

	eng := NewEngine(store, mgr, eval, dispatch, zerolog.Nop(), time.Hour, 5*time.Second, workers)
	eng.now = func() time.Time { return evalNow }
	t.Cleanup(eng.Stop)
	for _, r := range rs {
		eng.UpsertRule(r)
	}
	return &engineFixture{engine: eng, store: store, alerts: alertStore, bus: bus, notifier: notifier, src: src}
}

func engineRule(id string) rules.Rule {
	return rules.Rule{
		ID:       id,
		OrgID:    "org-1",
		Name:     "sitewide emissions guard",
		Type:     rules.TypeThresholdExceeded,
		Severity: rules.SeverityHigh,
		Conditions: []rules.Condition{{
			Field:       "emissions.total",
			Operator:    rules.OpGreaterThan,
			Value:       100,
			Aggregation: rules.AggLatest,
		}},
		Actions: []rules.Action{{Type: rules.ActionEmail, Recipients: []string{"ops@example.com"}}},
		Active:  true,
	}
}

func hotSource() *metricsource.MockSource {
	return &metricsource.MockSource{
		Series: map[string][]metricsource.Sample{
			"emissions.total": seriesAt([]time.Duration{time.Hour}, []float64{150}),
		},
	}
}

func TestEngineTickFiresAlert(t *testing.T) {
	fx := newEngineFixture(t, hotSource(), 2, engineRule("r-1"))

	fx.engine.Tick(context.Background())

	all := fx.alerts.all()
	if len(all) != 1 {
		t.Fatalf("instances = %d, want 1", len(all))
	}
	inst := all[0]
	if inst.Status != alerts.StatusActive {
		t.Fatalf("status = %s", inst.Status)
	}
	if inst.RuleID != "r-1" || inst.Severity != rules.SeverityHigh {
		t.Fatalf("instance = %+v", inst)
	}
	if got := fx.bus.published(); len(got) != 1 || got[0] != "alert.triggered" {
		t.Fatalf("published = %v", got)
	}
	sent := fx.notifier.sent()
	if len(sent) != 1 || sent[0].Type != rules.ActionEmail {
		t.Fatalf("notified = %+v", sent)
	}
	if fx.store.triggerCount("r-1") != 1 {
		t.Fatalf("trigger count = %d", fx.store.triggerCount("r-1"))
	}
	infos := fx.engine.ListRules()
	if len(infos) != 1 || infos[0].TriggerCount != 1 || infos[0].LastTriggered == nil {
		t.Fatalf("rule info = %+v", infos)
	}
}

func TestEngineAllConditionsMustHold(t *testing.T) {
	rule := engineRule("r-1")
	rule.Conditions = append(rule.Conditions, rules.Condition{
		Field:       "energy.kwh",
		Operator:    rules.OpGreaterThan,
		Value:       500,
		Aggregation: rules.AggLatest,
	})
	src := hotSource()
	src.Series["energy.kwh"] = seriesAt([]time.Duration{time.Hour}, []float64{10})
	fx := newEngineFixture(t, src, 2, rule)

	fx.engine.Tick(context.Background())

	if got := fx.alerts.all(); len(got) != 0 {
		t.Fatalf("one unmet condition must block the alert, got %+v", got)
	}
	if got := fx.notifier.sent(); len(got) != 0 {
		t.Fatalf("notified = %+v", got)
	}
	// both conditions were still consulted
	if fx.src.FetchCalls != 2 {
		t.Fatalf("fetch calls = %d, want 2", fx.src.FetchCalls)
	}
}

func TestEngineDataErrorSkipsRule(t *testing.T) {
	src := &metricsource.MockSource{Err: context.DeadlineExceeded}
	fx := newEngineFixture(t, src, 2, engineRule("r-1"))

	fx.engine.Tick(context.Background())

	if got := fx.alerts.all(); len(got) != 0 {
		t.Fatalf("instances = %+v", got)
	}
	if fx.store.triggerCount("r-1") != 0 {
		t.Fatal("a skipped rule must not record a trigger")
	}
}

func TestEngineCooldownShortCircuitsEvaluation(t *testing.T) {
	rule := engineRule("r-1")
	last := evalNow.Add(-30 * time.Minute)
	rule.LastTriggered = &last
	rule.Settings.CooldownMinutes = 60
	fx := newEngineFixture(t, hotSource(), 2, rule)

	fx.engine.Tick(context.Background())

	if fx.src.FetchCalls != 0 {
		t.Fatalf("throttled rule fetched data, calls = %d", fx.src.FetchCalls)
	}
	if got := fx.alerts.all(); len(got) != 0 {
		t.Fatalf("instances = %+v", got)
	}
}

func TestEngineDailyCap(t *testing.T) {
	rule := engineRule("r-1")
	rule.Settings.MaxTriggersPerDay = 2
	fx := newEngineFixture(t, hotSource(), 2, rule)
	fx.store.countSince = 2

	fx.engine.Tick(context.Background())
	if got := fx.alerts.all(); len(got) != 0 {
		t.Fatalf("capped rule fired: %+v", got)
	}

	fx.store.countSince = 1
	fx.engine.Tick(context.Background())
	if got := fx.alerts.all(); len(got) != 1 {
		t.Fatalf("under the cap the rule must fire, got %d", len(got))
	}
}

func TestEngineDisabledMidCycleDiscardsResult(t *testing.T) {
	rule := engineRule("r-1")
	fx := newEngineFixture(t, hotSource(), 2, rule)

	// disabled in storage after the cycle snapshot was taken
	rule.Active = false
	fx.store.mu.Lock()
	fx.store.rules["r-1"] = rule
	fx.store.mu.Unlock()

	fx.engine.Tick(context.Background())

	if got := fx.alerts.all(); len(got) != 0 {
		t.Fatalf("disabled rule fired: %+v", got)
	}
	if got := fx.engine.ListRules(); len(got) != 0 {
		t.Fatalf("rule should be dropped from the cycle set, got %+v", got)
	}
}

func TestEngineDeletedMidCycleDiscardsResult(t *testing.T) {
	fx := newEngineFixture(t, hotSource(), 2, engineRule("r-1"))

	fx.store.mu.Lock()
	delete(fx.store.rules, "r-1")
	fx.store.mu.Unlock()

	fx.engine.Tick(context.Background())

	if got := fx.alerts.all(); len(got) != 0 {
		t.Fatalf("deleted rule fired: %+v", got)
	}
	if got := fx.engine.ListRules(); len(got) != 0 {
		t.Fatalf("rule should be dropped, got %+v", got)
	}
}

func TestEngineDuplicateSuppression(t *testing.T) {
	rule := engineRule("r-1")
	rule.Settings.Suppression = &rules.SuppressionRule{DuplicateWindowMinutes: 60}
	fx := newEngineFixture(t, hotSource(), 2, rule)
	fx.store.recent = true

	fx.engine.Tick(context.Background())

	all := fx.alerts.all()
	if len(all) != 1 {
		t.Fatalf("instances = %d, want 1 suppressed record", len(all))
	}
	if all[0].Status != alerts.StatusSuppressed {
		t.Fatalf("status = %s, want %s", all[0].Status, alerts.StatusSuppressed)
	}
	if got := fx.notifier.sent(); len(got) != 0 {
		t.Fatalf("suppressed alert must not notify, got %+v", got)
	}
	if got := fx.bus.published(); len(got) != 0 {
		t.Fatalf("suppressed alert must not publish, got %v", got)
	}
}

func TestEngineTickDroppedWhileRunning(t *testing.T) {
	fx := newEngineFixture(t, hotSource(), 2, engineRule("r-1"))

	fx.engine.running.Store(true)
	fx.engine.Tick(context.Background())
	if fx.src.FetchCalls != 0 {
		t.Fatal("overlapping tick must not evaluate")
	}
	if got := fx.alerts.all(); len(got) != 0 {
		t.Fatalf("instances = %+v", got)
	}

	fx.engine.running.Store(false)
	fx.engine.Tick(context.Background())
	if got := fx.alerts.all(); len(got) != 1 {
		t.Fatalf("next tick should run normally, got %d instances", len(got))
	}
}

func TestEngineEscalationSweep(t *testing.T) {
	rule := engineRule("r-1")
	// keep the condition quiet so only the sweep acts
	rule.Conditions[0].Value = 1000
	rule.Settings.Escalation = &rules.EscalationRule{
		AfterMinutes: 30,
		Recipients:   []string{"oncall@example.com"},
	}
	fx := newEngineFixture(t, hotSource(), 2, rule)

	stale := alerts.Instance{ID: "al-1", RuleID: "r-1", OrgID: "org-1", Status: alerts.StatusActive, Severity: rules.SeverityHigh, TriggeredAt: evalNow.Add(-45 * time.Minute)}
	acked := alerts.Instance{ID: "al-2", RuleID: "r-1", OrgID: "org-1", Status: alerts.StatusAcknowledged, Severity: rules.SeverityHigh, TriggeredAt: evalNow.Add(-50 * time.Minute)}
	fx.alerts.InsertInstance(context.Background(), stale)
	fx.alerts.InsertInstance(context.Background(), acked)
	fx.store.mu.Lock()
	fx.store.candidates["r-1"] = []alerts.Instance{stale, acked}
	fx.store.mu.Unlock()

	fx.engine.Tick(context.Background())

	if got := fx.alerts.status("al-1"); got != alerts.StatusEscalated {
		t.Fatalf("al-1 status = %s, want %s", got, alerts.StatusEscalated)
	}
	if got := fx.alerts.status("al-2"); got != alerts.StatusAcknowledged {
		t.Fatalf("al-2 status = %s, acknowledged alerts must be left alone", got)
	}
	published := fx.bus.published()
	if len(published) != 1 || published[0] != "alert.escalated" {
		t.Fatalf("published = %v", published)
	}
	sent := fx.notifier.sent()
	if len(sent) != 1 {
		t.Fatalf("notified = %+v", sent)
	}
	if sent[0].Type != rules.ActionEmail || sent[0].Template != "escalation" {
		t.Fatalf("escalation action = %+v", sent[0])
	}
	if len(sent[0].Recipients) != 1 || sent[0].Recipients[0] != "oncall@example.com" {
		t.Fatalf("recipients = %v", sent[0].Recipients)
	}
}

func TestEngineProcessRule(t *testing.T) {
	rule := engineRule("r-1")
	fx := newEngineFixture(t, hotSource(), 1)
	fx.store.mu.Lock()
	fx.store.rules["r-1"] = rule
	fx.store.mu.Unlock()

	if err := fx.engine.ProcessRule(context.Background(), "r-1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := fx.engine.ListRules(); len(got) != 1 {
		t.Fatalf("rules = %+v", got)
	}

	rule.Active = false
	fx.store.mu.Lock()
	fx.store.rules["r-1"] = rule
	fx.store.mu.Unlock()
	if err := fx.engine.ProcessRule(context.Background(), "r-1"); err != nil {
		t.Fatalf("process inactive: %v", err)
	}
	if got := fx.engine.ListRules(); len(got) != 0 {
		t.Fatalf("inactive rule kept: %+v", got)
	}

	fx.store.mu.Lock()
	delete(fx.store.rules, "r-1")
	fx.store.mu.Unlock()
	if err := fx.engine.ProcessRule(context.Background(), "r-1"); err != nil {
		t.Fatalf("process missing rule should be quiet: %v", err)
	}
}

func TestEngineReload(t *testing.T) {
	a := engineRule("r-a")
	b := engineRule("r-b")
	inactive := engineRule("r-c")
	inactive.Active = false
	fx := newEngineFixture(t, hotSource(), 1)
	fx.store.mu.Lock()
	fx.store.rules = map[string]rules.Rule{"r-a": a, "r-b": b, "r-c": inactive}
	fx.store.mu.Unlock()

	if err := fx.engine.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	infos := fx.engine.ListRules()
	if len(infos) != 2 {
		t.Fatalf("rules = %+v", infos)
	}
	if infos[0].RuleID != "r-a" || infos[1].RuleID != "r-b" {
		t.Fatalf("rules out of order: %+v", infos)
	}
}
