package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var fieldSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

var validTypes = map[RuleType]bool{
	TypeThresholdExceeded:   true,
	TypeTrendAnomaly:        true,
	TypeDataQuality:         true,
	TypeComplianceIssue:     true,
	TypeTargetDeviation:     true,
	TypeSupplierPerformance: true,
	TypeSystemHealth:        true,
	TypeDeadlineApproaching: true,
}

var validSeverities = map[Severity]bool{
	SeverityCritical: true,
	SeverityHigh:     true,
	SeverityMedium:   true,
	SeverityLow:      true,
	SeverityInfo:     true,
}

var validOperators = map[Operator]bool{
	OpGreaterThan:        true,
	OpLessThan:           true,
	OpEquals:             true,
	OpNotEquals:          true,
	OpGreaterThanOrEqual: true,
	OpLessThanOrEqual:    true,
	OpInRange:            true,
	OpOutOfRange:         true,
	OpMissingData:        true,
	OpPercentageChange:   true,
	OpContains:           true,
	OpNotContains:        true,
}

var validAggregations = map[Aggregation]bool{
	AggSum:     true,
	AggAverage: true,
	AggMin:     true,
	AggMax:     true,
	AggCount:   true,
	AggLatest:  true,
}

var validBases = map[CompareBasis]bool{
	ComparePreviousPeriod:  true,
	CompareBaseline:        true,
	CompareTarget:          true,
	CompareIndustryAverage: true,
	CompareFixedValue:      true,
}

var validActionTypes = map[ActionType]bool{
	ActionEmail:         true,
	ActionSMS:           true,
	ActionSlack:         true,
	ActionWebhook:       true,
	ActionCreateTask:    true,
	ActionEscalate:      true,
	ActionAutoRemediate: true,
}

// Validate checks a rule before it is persisted or activated. A nil result
// means the rule is safe to evaluate.
func Validate(r Rule) *ValidationError {
	details := []FieldError{}

	if strings.TrimSpace(r.OrgID) == "" {
		details = append(details, FieldError{Field: "orgId", Problem: "required"})
	}
	if strings.TrimSpace(r.Name) == "" {
		details = append(details, FieldError{Field: "name", Problem: "required"})
	}
	if !validTypes[r.Type] {
		details = append(details, FieldError{Field: "type", Problem: "unknown", Hint: "one of threshold-exceeded, trend-anomaly, data-quality, compliance-issue, target-deviation, supplier-performance, system-health, deadline-approaching"})
	}
	if !validSeverities[r.Severity] {
		details = append(details, FieldError{Field: "severity", Problem: "unknown", Hint: "one of critical, high, medium, low, info"})
	}
	if len(r.Conditions) == 0 {
		details = append(details, FieldError{Field: "conditions", Problem: "required", Hint: "a rule needs at least one condition"})
	}
	for i, cond := range r.Conditions {
		details = append(details, validateCondition(cond, fmt.Sprintf("conditions[%d]", i))...)
	}
	for i, action := range r.Actions {
		details = append(details, validateAction(action, fmt.Sprintf("actions[%d]", i))...)
	}
	details = append(details, validateSettings(r.Settings)...)

	if len(details) == 0 {
		return nil
	}
	return &ValidationError{Code: "INVALID_RULE", Message: "rule validation failed", Details: details}
}

func validateCondition(cond Condition, prefix string) []FieldError {
	details := []FieldError{}
	if strings.TrimSpace(cond.Field) == "" {
		details = append(details, FieldError{Field: prefix + ".field", Problem: "required"})
	} else if !validFieldPath(cond.Field) {
		details = append(details, FieldError{Field: prefix + ".field", Problem: "invalid", Hint: "dot-separated identifiers"})
	}
	if !validOperators[cond.Operator] {
		details = append(details, FieldError{Field: prefix + ".operator", Problem: "unknown"})
		return details
	}
	switch cond.Operator {
	case OpInRange, OpOutOfRange:
		if len(cond.Range) != 2 {
			details = append(details, FieldError{Field: prefix + ".range", Problem: "invalid", Hint: "range operators need [min, max]"})
		} else if cond.Range[0] > cond.Range[1] {
			details = append(details, FieldError{Field: prefix + ".range", Problem: "invalid", Hint: "min must not exceed max"})
		}
	case OpContains, OpNotContains:
		if cond.Match == "" {
			details = append(details, FieldError{Field: prefix + ".match", Problem: "required", Hint: "substring operators need a match value"})
		}
	case OpPercentageChange:
		if cond.CompareWith == "" {
			details = append(details, FieldError{Field: prefix + ".compareWith", Problem: "required", Hint: "PERCENTAGE_CHANGE needs a comparison base"})
		}
		if cond.Value < 0 {
			details = append(details, FieldError{Field: prefix + ".value", Problem: "invalid", Hint: "threshold percentage must not be negative"})
		}
	}
	if cond.Aggregation != "" && !validAggregations[cond.Aggregation] {
		details = append(details, FieldError{Field: prefix + ".aggregation", Problem: "unknown"})
	}
	if cond.CompareWith != "" && !validBases[cond.CompareWith] {
		details = append(details, FieldError{Field: prefix + ".compareWith", Problem: "unknown"})
	}
	if cond.TimeWindow != "" {
		if _, err := ParseWindow(cond.TimeWindow); err != nil {
			details = append(details, FieldError{Field: prefix + ".timeWindow", Problem: "invalid", Hint: `use a duration such as "24h" or "30d"`})
		}
	}
	return details
}

func validateAction(action Action, prefix string) []FieldError {
	details := []FieldError{}
	if !validActionTypes[action.Type] {
		details = append(details, FieldError{Field: prefix + ".type", Problem: "unknown"})
		return details
	}
	if len(action.Recipients) == 0 && !action.Type.SystemInternal() {
		details = append(details, FieldError{Field: prefix + ".recipients", Problem: "required"})
	}
	if action.Type == ActionWebhook {
		url, _ := action.Settings["url"].(string)
		if strings.TrimSpace(url) == "" {
			details = append(details, FieldError{Field: prefix + ".settings.url", Problem: "required", Hint: "webhook actions need a target url"})
		}
	}
	return details
}

func validateSettings(s Settings) []FieldError {
	details := []FieldError{}
	if s.CooldownMinutes < 0 {
		details = append(details, FieldError{Field: "settings.cooldownMinutes", Problem: "invalid", Hint: "must be >= 0"})
	}
	if s.MaxTriggersPerDay < 0 {
		details = append(details, FieldError{Field: "settings.maxTriggersPerDay", Problem: "invalid", Hint: "0 means unlimited"})
	}
	if s.BusinessHoursOnly {
		if s.BusinessHours == nil {
			details = append(details, FieldError{Field: "settings.businessHours", Problem: "required", Hint: "businessHoursOnly needs a schedule"})
		} else {
			details = append(details, validateBusinessHours(*s.BusinessHours)...)
		}
	}
	if s.Suppression != nil && s.Suppression.DuplicateWindowMinutes <= 0 {
		details = append(details, FieldError{Field: "settings.suppression.duplicateWindowMinutes", Problem: "invalid", Hint: "must be > 0"})
	}
	if s.Escalation != nil && s.Escalation.AfterMinutes <= 0 {
		details = append(details, FieldError{Field: "settings.escalation.afterMinutes", Problem: "invalid", Hint: "must be > 0"})
	}
	return details
}

func validateBusinessHours(bh BusinessHours) []FieldError {
	details := []FieldError{}
	if _, err := ParseClock(bh.Start); err != nil {
		details = append(details, FieldError{Field: "settings.businessHours.start", Problem: "invalid", Hint: `use "HH:MM"`})
	}
	if _, err := ParseClock(bh.End); err != nil {
		details = append(details, FieldError{Field: "settings.businessHours.end", Problem: "invalid", Hint: `use "HH:MM"`})
	}
	if len(bh.Weekdays) == 0 {
		details = append(details, FieldError{Field: "settings.businessHours.weekdays", Problem: "required"})
	}
	for _, day := range bh.Weekdays {
		if day < time.Sunday || day > time.Saturday {
			details = append(details, FieldError{Field: "settings.businessHours.weekdays", Problem: "invalid", Hint: "0 (Sunday) through 6 (Saturday)"})
			break
		}
	}
	if bh.Timezone != "" {
		if _, err := time.LoadLocation(bh.Timezone); err != nil {
			details = append(details, FieldError{Field: "settings.businessHours.timezone", Problem: "unknown"})
		}
	}
	return details
}

// ParseClock converts "HH:MM" to minutes since midnight.
func ParseClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

func validFieldPath(path string) bool {
	for _, segment := range strings.Split(path, ".") {
		if !fieldSegment.MatchString(segment) {
			return false
		}
	}
	return true
}
