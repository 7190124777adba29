package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation cycle metrics
	EvaluationCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carbonrec_evaluation_cycles_total",
			Help: "Total number of completed evaluation cycles",
		},
	)

	CyclesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carbonrec_evaluation_cycles_skipped_total",
			Help: "Cycles skipped because the previous one was still running",
		},
	)

	RulesEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carbonrec_rules_evaluated_total",
			Help: "Total number of rule evaluations",
		},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carbonrec_rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate a single rule",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Alert metrics
	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonrec_alerts_triggered_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carbonrec_alerts_suppressed_total",
			Help: "Alerts stored as suppressed duplicates",
		},
	)

	AlertsEscalated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carbonrec_alerts_escalated_total",
			Help: "Alerts escalated after the acknowledgement deadline",
		},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carbonrec_active_alerts",
			Help: "Alerts currently in the active set",
		},
	)

	// Throttling metrics
	ThrottledRules = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonrec_throttled_rules_total",
			Help: "Rule evaluations skipped by throttling",
		},
		[]string{"reason"}, // reason: cooldown, business_hours, daily_cap
	)

	// Data source metrics
	DataUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonrec_data_unavailable_total",
			Help: "Evaluations skipped because metric data could not be fetched",
		},
		[]string{"field"},
	)

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonrec_notifications_sent_total",
			Help: "Notifications dispatched per channel",
		},
		[]string{"channel"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonrec_notifications_failed_total",
			Help: "Notification dispatch failures per channel",
		},
		[]string{"channel"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonrec_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
