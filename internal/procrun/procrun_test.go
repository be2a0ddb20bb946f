package procrun

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunSuccess(t *testing.T) {
	ctx := context.Background()
	if err := Run(ctx, "true"); err != nil {
		t.Fatalf("Run(true): %v", err)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	ctx := context.Background()
	err := Run(ctx, "false")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	pre, ok := err.(*ProcessRunError)
	if !ok {
		t.Fatalf("expected *ProcessRunError, got %T", err)
	}
	if pre.Code != 1 {
		t.Errorf("Code = %d, want 1", pre.Code)
	}
}

func TestCaptureStdout(t *testing.T) {
	ctx := context.Background()
	out, err := CaptureStdout(ctx, "echo", "-n", "hello")
	if err != nil {
		t.Fatalf("CaptureStdout: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("stdout = %q, want %q", out, "hello")
	}
}

func TestBackgroundKill(t *testing.T) {
	ctx := context.Background()
	h, err := Background(ctx, nil, "sleep", "30")
	if err != nil {
		t.Fatalf("Background: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	// Killing twice must be a no-op, not an error.
	if err := h.Kill(); err != nil {
		t.Fatalf("second Kill: %v", err)
	}
}
