package rules

import (
	"testing"
	"time"
)

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"24h", 24 * time.Hour},
		{"90m", 90 * time.Minute},
		{"7d", 7 * 24 * time.Hour},
		{"1d", 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseWindow(tt.in)
		if err != nil {
			t.Errorf("ParseWindow(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseWindow(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseWindowRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "tomorrow", "-24h", "0h", "0d", "-2d", "xd"} {
		if _, err := ParseWindow(in); err == nil {
			t.Errorf("ParseWindow(%q): expected error", in)
		}
	}
}

func TestWindowOrDefault(t *testing.T) {
	if got := WindowOrDefault(""); got != DefaultWindow {
		t.Fatalf("empty window = %v, want %v", got, DefaultWindow)
	}
	if got := WindowOrDefault("junk"); got != DefaultWindow {
		t.Fatalf("bad window = %v, want %v", got, DefaultWindow)
	}
	if got := WindowOrDefault("48h"); got != 48*time.Hour {
		t.Fatalf("48h window = %v", got)
	}
}
