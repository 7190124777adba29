package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DefaultWindow = 24 * time.Hour

// ParseWindow parses a condition time window such as "30m", "24h" or "30d".
// The "d" suffix is not understood by time.ParseDuration and is expanded to
// whole days here.
func ParseWindow(window string) (time.Duration, error) {
	trimmed := strings.TrimSpace(window)
	if trimmed == "" {
		return 0, fmt.Errorf("window is empty")
	}
	if strings.HasSuffix(trimmed, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(trimmed, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", window)
		}
		if days <= 0 {
			return 0, fmt.Errorf("window %q must be positive", window)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q", window)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("window %q must be positive", window)
	}
	return dur, nil
}

func WindowOrDefault(window string) time.Duration {
	if strings.TrimSpace(window) == "" {
		return DefaultWindow
	}
	dur, err := ParseWindow(window)
	if err != nil {
		return DefaultWindow
	}
	return dur
}
