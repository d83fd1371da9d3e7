package util

import (
	"context"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("LEADPIPE_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("LEADPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 25 * time.Second
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", def},
		{"10s", 10 * time.Second},
		{"2m", 2 * time.Minute},
		{"15", 15 * time.Second},
		{"0", def},
		{"-3s", def},
		{"soon", def},
	}
	for _, tt := range tests {
		t.Setenv("LEADPIPE_TEST_DURATION", tt.val)
		if got := ParseDurationEnv("LEADPIPE_TEST_DURATION", def); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_INT", "42")
	if got := ParseIntEnv("LEADPIPE_TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}
	t.Setenv("LEADPIPE_TEST_INT", "forty")
	if got := ParseIntEnv("LEADPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv invalid = %d, want 7", got)
	}
}

func TestParseListEnv(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_LIST", " openai, ,claude ,")
	got := ParseListEnv("LEADPIPE_TEST_LIST")
	if len(got) != 2 || got[0] != "openai" || got[1] != "claude" {
		t.Errorf("ParseListEnv = %v", got)
	}
	t.Setenv("LEADPIPE_TEST_LIST", "")
	if got := ParseListEnv("LEADPIPE_TEST_LIST"); len(got) != 0 {
		t.Errorf("ParseListEnv empty = %v", got)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("expected req-1, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
}
