package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/metrics"
	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/notify"
	"carbonrecycling-backend/internal/rules"
	"carbonrecycling-backend/internal/storage"
	"carbonrecycling-backend/internal/throttle"
)

type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]rules.Rule, error)
	GetRule(ctx context.Context, id string) (rules.Rule, error)
	RecordTrigger(ctx context.Context, id string, at time.Time) (bool, error)
	CountInstancesSince(ctx context.Context, ruleID string, since time.Time) (int, error)
	RecentInstanceExists(ctx context.Context, ruleID string, since time.Time) (bool, error)
	ListEscalationCandidates(ctx context.Context, ruleID string, cutoff time.Time) ([]alerts.Instance, error)
	CountActive(ctx context.Context) (int, error)
}

type RuleInfo struct {
	RuleID        string     `json:"ruleId"`
	OrgID         string     `json:"orgId"`
	Name          string     `json:"name"`
	TriggerCount  int        `json:"triggerCount"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
}

type task struct {
	rule rules.Rule
	wg   *sync.WaitGroup
}

// Engine evaluates every active rule on a fixed interval. A tick
// never overlaps the previous one; rules within a tick run on a
// worker pool and fail independently.
type Engine struct {
	store    RuleStore
	alerts   *alerts.Manager
	eval     *Evaluator
	dispatch *notify.Dispatcher
	log      zerolog.Logger

	interval   time.Duration
	jobTimeout time.Duration
	now        func() time.Time

	mu    sync.Mutex
	rules map[string]rules.Rule

	queue   chan task
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewEngine(store RuleStore, mgr *alerts.Manager, eval *Evaluator, dispatch *notify.Dispatcher, log zerolog.Logger, interval, jobTimeout time.Duration, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      store,
		alerts:     mgr,
		eval:       eval,
		dispatch:   dispatch,
		log:        log,
		interval:   interval,
		jobTimeout: jobTimeout,
		now:        time.Now,
		rules:      map[string]rules.Rule{},
		queue:      make(chan task, 128),
		ctx:        ctx,
		cancel:     cancel,
	}
	if eval.Now == nil {
		eval.Now = func() time.Time { return e.now() }
	}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Engine) Start() {
	go e.loop()
}

func (e *Engine) Stop() {
	e.cancel()
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Tick(e.ctx)
		case <-e.ctx.Done():
			return
		}
	}
}

// Tick runs one evaluation cycle. If the previous cycle is still in
// flight the tick is dropped, not queued.
func (e *Engine) Tick(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		metrics.CyclesSkipped.Inc()
		e.log.Warn().Msg("previous evaluation cycle still running, tick skipped")
		return
	}
	defer e.running.Store(false)

	snapshot := e.snapshotRules()
	var wg sync.WaitGroup
	wg.Add(len(snapshot))
	for _, rule := range snapshot {
		e.queue <- task{rule: rule, wg: &wg}
	}
	wg.Wait()

	e.sweepEscalations(ctx)
	if count, err := e.store.CountActive(ctx); err == nil {
		metrics.ActiveAlerts.Set(float64(count))
	}
	metrics.EvaluationCycles.Inc()
}

func (e *Engine) worker() {
	for {
		select {
		case t := <-e.queue:
			e.evaluateRule(t.rule)
			t.wg.Done()
		case <-e.ctx.Done():
			return
		}
	}
}

// Reload replaces the in-memory rule set from storage.
func (e *Engine) Reload(ctx context.Context) error {
	active, err := e.store.ListActiveRules(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]rules.Rule, len(active))
	for _, rule := range active {
		next[rule.ID] = rule
	}
	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()
	e.log.Info().Int("rules", len(next)).Msg("rule set reloaded")
	return nil
}

// ProcessRule refreshes a single rule after a change event.
func (e *Engine) ProcessRule(ctx context.Context, ruleID string) error {
	rec, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.RemoveRule(ruleID)
			return nil
		}
		return err
	}
	if !rec.Active {
		e.RemoveRule(ruleID)
		return nil
	}
	e.UpsertRule(rec)
	return nil
}

func (e *Engine) UpsertRule(rule rules.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
}

func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, ruleID)
}

func (e *Engine) ListRules() []RuleInfo {
	snapshot := e.snapshotRules()
	infos := make([]RuleInfo, 0, len(snapshot))
	for _, rule := range snapshot {
		infos = append(infos, RuleInfo{
			RuleID:        rule.ID,
			OrgID:         rule.OrgID,
			Name:          rule.Name,
			TriggerCount:  rule.TriggerCount,
			LastTriggered: rule.LastTriggered,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RuleID < infos[j].RuleID })
	return infos
}

func (e *Engine) snapshotRules() []rules.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]rules.Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule)
	}
	return out
}

func (e *Engine) markTriggered(ruleID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rule, ok := e.rules[ruleID]; ok {
		ts := at
		rule.LastTriggered = &ts
		rule.TriggerCount++
		e.rules[ruleID] = rule
	}
}

func (e *Engine) evaluateRule(rule rules.Rule) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("scheduler").Inc()
			e.log.Error().Str("rule_id", rule.ID).Any("panic", r).Msg("rule evaluation panicked")
		}
	}()
	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()
	metrics.RulesEvaluated.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), e.jobTimeout)
	defer cancel()
	now := e.now()

	recent := 0
	if rule.Settings.MaxTriggersPerDay > 0 {
		count, err := e.store.CountInstancesSince(ctx, rule.ID, now.Add(-24*time.Hour))
		if err != nil {
			e.log.Error().Str("rule_id", rule.ID).Err(err).Msg("trigger count lookup failed")
			return
		}
		recent = count
	}
	decision := throttle.Evaluate(rule, recent, now)
	if !decision.Eligible {
		metrics.ThrottledRules.WithLabelValues(decision.Reason).Inc()
		e.log.Debug().Str("rule_id", rule.ID).Str("reason", decision.Reason).Msg("rule throttled")
		return
	}

	// every condition is evaluated so the alert metadata carries all
	// actual values, then the results are ANDed
	outcomes := make([]alerts.ConditionOutcome, 0, len(rule.Conditions))
	allMet := len(rule.Conditions) > 0
	var trendSeries []metricsource.Sample
	for _, cond := range rule.Conditions {
		eval, err := e.eval.EvaluateCondition(ctx, rule.OrgID, cond)
		if err != nil {
			e.reportConditionError(rule, cond, err)
			return
		}
		outcomes = append(outcomes, alerts.ConditionOutcome{
			Condition: cond,
			Actual:    eval.Actual,
			Limit:     eval.Limit,
			Samples:   eval.Series,
		})
		if !eval.Met {
			allMet = false
		}
		if trendSeries == nil && len(eval.Series) >= trendMinSamples {
			trendSeries = eval.Series
		}
	}
	if !allMet {
		return
	}

	// a rule disabled while this cycle ran must not fire
	current, err := e.store.GetRule(ctx, rule.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.RemoveRule(rule.ID)
			return
		}
		e.log.Error().Str("rule_id", rule.ID).Err(err).Msg("rule re-read failed")
		return
	}
	if !current.Active {
		e.RemoveRule(rule.ID)
		e.log.Info().Str("rule_id", rule.ID).Msg("rule deactivated mid-cycle, result discarded")
		return
	}

	suppressed := false
	if s := current.Settings.Suppression; s != nil && s.DuplicateWindowMinutes > 0 {
		window := time.Duration(s.DuplicateWindowMinutes) * time.Minute
		exists, err := e.store.RecentInstanceExists(ctx, rule.ID, now.Add(-window))
		if err != nil {
			e.log.Error().Str("rule_id", rule.ID).Err(err).Msg("duplicate check failed")
			return
		}
		suppressed = exists
	}

	inst := alerts.BuildInstance(current, outcomes, AnalyzeTrend(trendSeries), now)
	if suppressed {
		inst.Status = alerts.StatusSuppressed
	}
	created, err := e.alerts.Create(ctx, inst)
	if err != nil {
		e.log.Error().Str("rule_id", rule.ID).Err(err).Msg("alert creation failed")
		return
	}

	ok, err := e.store.RecordTrigger(ctx, rule.ID, now)
	if err != nil {
		e.log.Error().Str("rule_id", rule.ID).Err(err).Msg("trigger bookkeeping failed")
	} else if ok {
		e.markTriggered(rule.ID, now)
	}

	if suppressed {
		e.log.Info().Str("rule_id", rule.ID).Str("alert_id", created.ID).Msg("duplicate alert suppressed")
		return
	}
	e.log.Info().
		Str("rule_id", rule.ID).
		Str("alert_id", created.ID).
		Str("severity", string(created.Severity)).
		Msg("alert triggered")
	e.dispatch.Dispatch(ctx, current.Actions, created)
}

func (e *Engine) reportConditionError(rule rules.Rule, cond rules.Condition, err error) {
	if errors.Is(err, ErrZeroReference) {
		e.log.Warn().Str("rule_id", rule.ID).Str("field", cond.Field).Msg("percentage change reference is zero, rule skipped")
		return
	}
	var unavailable *rules.DataUnavailableError
	if errors.As(err, &unavailable) {
		metrics.DataUnavailable.WithLabelValues(cond.Field).Inc()
	}
	e.log.Warn().Str("rule_id", rule.ID).Str("field", cond.Field).Err(err).Msg("condition evaluation failed")
}

// sweepEscalations promotes active alerts whose acknowledgement
// deadline has passed and notifies the escalation recipients.
func (e *Engine) sweepEscalations(ctx context.Context) {
	now := e.now()
	for _, rule := range e.snapshotRules() {
		esc := rule.Settings.Escalation
		if esc == nil || esc.AfterMinutes <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(esc.AfterMinutes) * time.Minute)
		candidates, err := e.store.ListEscalationCandidates(ctx, rule.ID, cutoff)
		if err != nil {
			e.log.Error().Str("rule_id", rule.ID).Err(err).Msg("escalation sweep query failed")
			continue
		}
		for _, inst := range candidates {
			escalated, err := e.alerts.Escalate(ctx, inst.ID)
			if err != nil {
				var stateErr *alerts.StateError
				if !errors.As(err, &stateErr) {
					e.log.Error().Str("alert_id", inst.ID).Err(err).Msg("escalation failed")
				}
				continue
			}
			e.log.Info().Str("alert_id", inst.ID).Str("rule_id", rule.ID).Msg("alert escalated")
			if len(esc.Recipients) > 0 {
				action := rules.Action{Type: rules.ActionEmail, Recipients: esc.Recipients, Template: "escalation"}
				e.dispatch.Dispatch(ctx, []rules.Action{action}, escalated)
			}
		}
	}
}
