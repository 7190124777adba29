package rules

import "time"

type RuleType string

const (
	TypeThresholdExceeded   RuleType = "threshold-exceeded"
	TypeTrendAnomaly        RuleType = "trend-anomaly"
	TypeDataQuality         RuleType = "data-quality"
	TypeComplianceIssue     RuleType = "compliance-issue"
	TypeTargetDeviation     RuleType = "target-deviation"
	TypeSupplierPerformance RuleType = "supplier-performance"
	TypeSystemHealth        RuleType = "system-health"
	TypeDeadlineApproaching RuleType = "deadline-approaching"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

type Operator string

const (
	OpGreaterThan        Operator = "GREATER_THAN"
	OpLessThan           Operator = "LESS_THAN"
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpInRange            Operator = "IN_RANGE"
	OpOutOfRange         Operator = "OUT_OF_RANGE"
	OpMissingData        Operator = "MISSING_DATA"
	OpPercentageChange   Operator = "PERCENTAGE_CHANGE"
	OpContains           Operator = "CONTAINS"
	OpNotContains        Operator = "NOT_CONTAINS"
)

type Aggregation string

const (
	AggSum     Aggregation = "SUM"
	AggAverage Aggregation = "AVERAGE"
	AggMin     Aggregation = "MIN"
	AggMax     Aggregation = "MAX"
	AggCount   Aggregation = "COUNT"
	AggLatest  Aggregation = "LATEST"
)

type CompareBasis string

const (
	ComparePreviousPeriod  CompareBasis = "PREVIOUS_PERIOD"
	CompareBaseline        CompareBasis = "BASELINE"
	CompareTarget          CompareBasis = "TARGET"
	CompareIndustryAverage CompareBasis = "INDUSTRY_AVERAGE"
	CompareFixedValue      CompareBasis = "FIXED_VALUE"
)

type ActionType string

const (
	ActionEmail         ActionType = "email"
	ActionSMS           ActionType = "sms"
	ActionSlack         ActionType = "slack"
	ActionWebhook       ActionType = "webhook"
	ActionCreateTask    ActionType = "create-task"
	ActionEscalate      ActionType = "escalate"
	ActionAutoRemediate ActionType = "auto-remediate"
)

// SystemInternal reports whether the action type is handled inside the
// engine and therefore needs no recipient list.
func (t ActionType) SystemInternal() bool {
	return t == ActionEscalate || t == ActionAutoRemediate
}

type Rule struct {
	ID            string      `json:"id"`
	OrgID         string      `json:"orgId"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	Type          RuleType    `json:"type"`
	Category      string      `json:"category,omitempty"`
	Severity      Severity    `json:"severity"`
	Conditions    []Condition `json:"conditions"`
	Actions       []Action    `json:"actions,omitempty"`
	Settings      Settings    `json:"settings"`
	Active        bool        `json:"active"`
	CreatedBy     string      `json:"createdBy,omitempty"`
	LastTriggered *time.Time  `json:"lastTriggered,omitempty"`
	TriggerCount  int         `json:"triggerCount"`
	CreatedAt     time.Time   `json:"createdAt,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt,omitempty"`
}

type Condition struct {
	Field       string       `json:"field"`
	Operator    Operator     `json:"operator"`
	Value       float64      `json:"value,omitempty"`
	Range       []float64    `json:"range,omitempty"`
	Match       string       `json:"match,omitempty"`
	Aggregation Aggregation  `json:"aggregation,omitempty"`
	TimeWindow  string       `json:"timeWindow,omitempty"`
	CompareWith CompareBasis `json:"compareWith,omitempty"`
}

type Action struct {
	Type       ActionType     `json:"type"`
	Recipients []string       `json:"recipients,omitempty"`
	Template   string         `json:"template,omitempty"`
	Settings   map[string]any `json:"settings,omitempty"`
}

type Settings struct {
	CooldownMinutes   int              `json:"cooldownMinutes"`
	MaxTriggersPerDay int              `json:"maxTriggersPerDay"`
	BusinessHoursOnly bool             `json:"businessHoursOnly"`
	BusinessHours     *BusinessHours   `json:"businessHours,omitempty"`
	Suppression       *SuppressionRule `json:"suppression,omitempty"`
	Escalation        *EscalationRule  `json:"escalation,omitempty"`
}

type BusinessHours struct {
	Start    string         `json:"start"`
	End      string         `json:"end"`
	Weekdays []time.Weekday `json:"weekdays"`
	Timezone string         `json:"timezone"`
}

type SuppressionRule struct {
	DuplicateWindowMinutes int `json:"duplicateWindowMinutes"`
}

type EscalationRule struct {
	AfterMinutes int      `json:"afterMinutes"`
	Recipients   []string `json:"recipients,omitempty"`
}
