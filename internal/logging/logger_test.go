package logging

import (
	"context"
	"testing"
)

func TestNewFallsBackOnInvalidLevelAndFormat(t *testing.T) {
	logger := New("not-a-level", "not-a-format")
	if logger == nil {
		t.Fatal("New() returned nil")
	}
}

func TestWithModuleNodeConnectionTagFields(t *testing.T) {
	logger := New("debug", "text")

	entry := logger.WithModule("sensor")
	if entry.Data["module"] != "sensor" {
		t.Errorf("module field = %v, want sensor", entry.Data["module"])
	}

	entry = logger.WithConnection(3, "conn1")
	if entry.Data["connection_id"] != uint16(3) || entry.Data["connection_name"] != "conn1" {
		t.Errorf("unexpected connection fields: %v", entry.Data)
	}
}

func TestTraceIDRoundTripsThroughContext(t *testing.T) {
	id := NewTraceID()
	if id == "" {
		t.Fatal("expected a non-empty trace id")
	}

	ctx := WithTraceID(context.Background(), id)
	if got := GetTraceID(ctx); got != id {
		t.Fatalf("expected GetTraceID to return %q, got %q", id, got)
	}

	if got := GetTraceID(context.Background()); got != "" {
		t.Fatalf("expected empty trace id on a bare context, got %q", got)
	}
}

func TestLoggerWithContextTagsTraceID(t *testing.T) {
	logger := New("info", "text")
	ctx := WithTraceID(context.Background(), "trace-abc")

	entry := logger.WithContext(ctx)
	if entry.Data["trace_id"] != "trace-abc" {
		t.Errorf("trace_id field = %v, want trace-abc", entry.Data["trace_id"])
	}
}

func TestDefaultLazilyConstructsAtInfoText(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected Default() to construct a logger")
	}
}

func TestLevelForVerbosity(t *testing.T) {
	cases := []struct {
		verbose, debug bool
		want           string
	}{
		{false, false, "warning"},
		{true, false, "info"},
		{false, true, "debug"},
		{true, true, "debug"},
	}
	for _, c := range cases {
		if got := LevelForVerbosity(c.verbose, c.debug); got != c.want {
			t.Errorf("LevelForVerbosity(%v, %v) = %q, want %q", c.verbose, c.debug, got, c.want)
		}
	}
}
