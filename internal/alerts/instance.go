package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"carbonrecycling-backend/internal/metricsource"
	"carbonrecycling-backend/internal/rules"
)

type Instance struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"ruleId"`
	OrgID          string         `json:"orgId"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Severity       rules.Severity `json:"severity"`
	Category       string         `json:"category"`
	Status         Status         `json:"status"`
	TriggeredAt    time.Time      `json:"triggeredAt"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string         `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy     string         `json:"resolvedBy,omitempty"`
	ResolutionNote string         `json:"resolutionNote,omitempty"`
	Metadata       Metadata       `json:"metadata"`
}

// Metadata is the snapshot taken when the alert fires. It stays valid
// after the rule is edited or deleted.
type Metadata struct {
	Conditions   []rules.Condition                `json:"conditions,omitempty"`
	Samples      map[string][]metricsource.Sample `json:"samples,omitempty"`
	ActualValues map[string]any                   `json:"actualValues"`
	Thresholds   map[string]any                   `json:"thresholds"`
	Trend        *TrendAnalysis                   `json:"trend,omitempty"`
	Context      ContextualInfo                   `json:"context"`
}

type TrendAnalysis struct {
	Direction  string  `json:"direction"` // rising | falling | stable
	Rate       float64 `json:"rate"`
	Confidence float64 `json:"confidence"`
}

type ContextualInfo struct {
	RelatedEvents      []string `json:"relatedEvents"`
	CandidateCauses    []string `json:"candidateCauses"`
	RecommendedActions []string `json:"recommendedActions"`
}

// ConditionOutcome captures one evaluated condition for alert metadata.
type ConditionOutcome struct {
	Condition rules.Condition
	Actual    any
	Limit     string
	Samples   []metricsource.Sample
}

// metadataSampleCap bounds the per-field sample excerpt stored with an
// alert.
const metadataSampleCap = 24

func sampleExcerpt(samples []metricsource.Sample) []metricsource.Sample {
	if len(samples) > metadataSampleCap {
		samples = samples[:metadataSampleCap]
	}
	return append([]metricsource.Sample{}, samples...)
}

var candidateCauses = map[rules.RuleType][]string{
	rules.TypeThresholdExceeded:   {"production volume increase", "equipment efficiency degradation", "seasonal demand shift"},
	rules.TypeTrendAnomaly:        {"process change in reporting period", "sensor drift", "one-off operational event"},
	rules.TypeDataQuality:         {"integration outage upstream", "manual entry backlog", "unit mismatch in submitted data"},
	rules.TypeComplianceIssue:     {"missed reporting deadline", "certificate expiry", "regulation change"},
	rules.TypeTargetDeviation:     {"reduction initiative behind schedule", "target set before scope change", "acquisition added emissions"},
	rules.TypeSupplierPerformance: {"supplier missed submission window", "supplier score recalculated", "contract scope changed"},
	rules.TypeSystemHealth:        {"connector failure", "API quota exhausted", "warehouse unreachable"},
	rules.TypeDeadlineApproaching: {"submission workflow not started", "approver unavailable"},
}

var recommendedActions = map[rules.RuleType][]string{
	rules.TypeThresholdExceeded:   {"review recent emission entries", "compare against the same period last year", "check equipment maintenance logs"},
	rules.TypeTrendAnomaly:        {"verify source data for the trend window", "confirm whether a process change explains the shift"},
	rules.TypeDataQuality:         {"re-run the failed import", "contact the data owner", "review validation errors"},
	rules.TypeComplianceIssue:     {"escalate to the compliance owner", "prepare corrective action documentation"},
	rules.TypeTargetDeviation:     {"review reduction roadmap milestones", "update the forecast"},
	rules.TypeSupplierPerformance: {"contact the supplier", "review supplier scorecard"},
	rules.TypeSystemHealth:        {"check connector status", "review integration error logs"},
	rules.TypeDeadlineApproaching: {"notify the task owner", "reprioritize the submission"},
}

// BuildInstance creates a new active alert from a fired rule.
func BuildInstance(rule rules.Rule, outcomes []ConditionOutcome, trend *TrendAnalysis, now time.Time) Instance {
	conditions := make([]rules.Condition, 0, len(outcomes))
	samples := map[string][]metricsource.Sample{}
	actuals := map[string]any{}
	thresholds := map[string]any{}
	lines := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		conditions = append(conditions, o.Condition)
		if len(o.Samples) > 0 {
			samples[o.Condition.Field] = sampleExcerpt(o.Samples)
		}
		actuals[o.Condition.Field] = o.Actual
		thresholds[o.Condition.Field] = o.Limit
		lines = append(lines, fmt.Sprintf("%s %s (observed %v)", o.Condition.Field, o.Limit, o.Actual))
	}
	return Instance{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		OrgID:       rule.OrgID,
		Title:       rule.Name,
		Message:     strings.Join(lines, "; "),
		Severity:    rule.Severity,
		Category:    rule.Category,
		Status:      StatusActive,
		TriggeredAt: now,
		Metadata: Metadata{
			Conditions:   conditions,
			Samples:      samples,
			ActualValues: actuals,
			Thresholds:   thresholds,
			Trend:        trend,
			Context: ContextualInfo{
				RelatedEvents:      []string{},
				CandidateCauses:    append([]string{}, candidateCauses[rule.Type]...),
				RecommendedActions: append([]string{}, recommendedActions[rule.Type]...),
			},
		},
	}
}
