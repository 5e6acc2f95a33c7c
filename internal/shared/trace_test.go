package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Absent means the placeholder, never empty.
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}

	ctx = WithTraceID(ctx, "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Fatalf("expected trace-123, got %q", got)
	}

	// Overwrite.
	ctx = WithTraceID(ctx, "trace-456")
	if got := TraceID(ctx); got != "trace-456" {
		t.Fatalf("expected trace-456, got %q", got)
	}

	// Empty value falls back to the placeholder.
	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("expected '-' for empty trace id, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty trace ids")
	}
	if a == b {
		t.Fatalf("expected unique trace ids, got %q twice", a)
	}
}

func TestAgentAndTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := AgentID(ctx); got != "" {
		t.Fatalf("expected empty agent id, got %q", got)
	}
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty task id, got %q", got)
	}

	ctx = WithTaskID(WithAgentID(ctx, "agent-1"), "task-1")
	if got := AgentID(ctx); got != "agent-1" {
		t.Fatalf("agent id = %q", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("task id = %q", got)
	}
}
