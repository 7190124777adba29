package throttle

import (
	"time"

	"carbonrecycling-backend/internal/rules"
)

const (
	ReasonCooldown      = "cooldown"
	ReasonBusinessHours = "business_hours"
	ReasonDailyCap      = "daily_cap"
)

// Decision says whether a rule may fire right now, and if not, why.
type Decision struct {
	Eligible bool
	Reason   string
}

// Evaluate applies cooldown, business hours and the daily cap in that
// order. recentCount is how many times the rule fired in the last 24
// hours. The result depends only on the arguments.
func Evaluate(rule rules.Rule, recentCount int, now time.Time) Decision {
	s := rule.Settings
	if !CooldownElapsed(rule.LastTriggered, s.CooldownMinutes, now) {
		return Decision{Reason: ReasonCooldown}
	}
	if s.BusinessHoursOnly {
		within, err := WithinBusinessHours(s.BusinessHours, now)
		if err != nil || !within {
			return Decision{Reason: ReasonBusinessHours}
		}
	}
	if !UnderDailyCap(recentCount, s.MaxTriggersPerDay) {
		return Decision{Reason: ReasonDailyCap}
	}
	return Decision{Eligible: true}
}

// CooldownElapsed reports whether enough time has passed since the
// last trigger. A rule that never fired, or has no cooldown, is
// always eligible.
func CooldownElapsed(last *time.Time, minutes int, now time.Time) bool {
	if last == nil || minutes <= 0 {
		return true
	}
	return now.Sub(*last) >= time.Duration(minutes)*time.Minute
}

// WithinBusinessHours reports whether now falls inside the configured
// schedule. The window is inclusive on both ends.
func WithinBusinessHours(bh *rules.BusinessHours, now time.Time) (bool, error) {
	if bh == nil {
		return false, nil
	}
	loc := time.UTC
	if bh.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(bh.Timezone)
		if err != nil {
			return false, err
		}
	}
	local := now.In(loc)
	weekdayOK := false
	for _, day := range bh.Weekdays {
		if local.Weekday() == day {
			weekdayOK = true
			break
		}
	}
	if !weekdayOK {
		return false, nil
	}
	start, err := rules.ParseClock(bh.Start)
	if err != nil {
		return false, err
	}
	end, err := rules.ParseClock(bh.End)
	if err != nil {
		return false, err
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute <= end, nil
}

// UnderDailyCap reports whether another trigger is allowed today.
// A cap of zero means unlimited.
func UnderDailyCap(recent, max int) bool {
	if max <= 0 {
		return true
	}
	return recent < max
}
