package alerts

import "fmt"

type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
	StatusSuppressed   Status = "SUPPRESSED"
	StatusEscalated    Status = "ESCALATED"
)

// ActiveStatuses are the states that keep an alert in the active set.
var ActiveStatuses = []Status{StatusActive, StatusAcknowledged, StatusEscalated}

// AllowedFrom returns the states an alert may be in for a transition
// into to. Anything else is rejected.
func AllowedFrom(to Status) []Status {
	switch to {
	case StatusAcknowledged:
		return []Status{StatusActive}
	case StatusResolved:
		return []Status{StatusActive, StatusAcknowledged, StatusEscalated}
	case StatusSuppressed:
		return []Status{StatusActive}
	case StatusEscalated:
		return []Status{StatusActive}
	default:
		return nil
	}
}

func CanTransition(from, to Status) bool {
	for _, allowed := range AllowedFrom(to) {
		if from == allowed {
			return true
		}
	}
	return false
}

// StateError reports a transition on an alert that is missing or not
// in a state the transition accepts.
type StateError struct {
	ID string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("alert %s not found in active set", e.ID)
}
