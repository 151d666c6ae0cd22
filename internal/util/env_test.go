package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("COACHPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("COACHPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"30m", 30 * time.Minute},
		{"90", 90 * time.Second},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("COACHPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("COACHPIPE_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseIntAndFloatEnv(t *testing.T) {
	t.Setenv("COACHPIPE_TEST_INT", "7")
	if got := ParseIntEnv("COACHPIPE_TEST_INT", 2); got != 7 {
		t.Errorf("ParseIntEnv = %d, want 7", got)
	}
	t.Setenv("COACHPIPE_TEST_INT", "seven")
	if got := ParseIntEnv("COACHPIPE_TEST_INT", 2); got != 2 {
		t.Errorf("ParseIntEnv invalid = %d, want default 2", got)
	}
	t.Setenv("COACHPIPE_TEST_FLOAT", "0.5")
	if got := ParseFloatEnv("COACHPIPE_TEST_FLOAT", 1); got != 0.5 {
		t.Errorf("ParseFloatEnv = %v, want 0.5", got)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("COACHPIPE_TEST_STR", "  ")
	if got := GetEnv("COACHPIPE_TEST_STR", "def"); got != "def" {
		t.Errorf("GetEnv blank = %q, want def", got)
	}
	t.Setenv("COACHPIPE_TEST_STR", "value")
	if got := GetEnv("COACHPIPE_TEST_STR", "def"); got != "value" {
		t.Errorf("GetEnv = %q, want value", got)
	}
}
