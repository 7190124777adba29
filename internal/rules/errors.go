package rules

import "fmt"

type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint,omitempty"`
}

// ValidationError rejects a malformed rule synchronously; a rule that fails
// validation never reaches the active set.
type ValidationError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%d field errors)", e.Code, e.Message, len(e.Details))
}

// DataUnavailableError marks a metric fetch failure during a cycle. The rule
// is skipped for that tick only; trigger bookkeeping stays untouched.
type DataUnavailableError struct {
	Field string
	Cause error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("metric data unavailable for %q: %v", e.Field, e.Cause)
}

func (e *DataUnavailableError) Unwrap() error {
	return e.Cause
}

// DispatchError marks a single notification channel failing to send; other
// actions of the same alert still run.
type DispatchError struct {
	Channel string
	Cause   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch via %s failed: %v", e.Channel, e.Cause)
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}
