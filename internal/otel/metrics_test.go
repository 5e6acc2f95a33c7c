package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.TasksAccepted == nil {
		t.Error("TasksAccepted is nil")
	}
	if m.TasksRejected == nil {
		t.Error("TasksRejected is nil")
	}
	if m.TaskFailures == nil {
		t.Error("TaskFailures is nil")
	}
	if m.ActiveAgents == nil {
		t.Error("ActiveAgents is nil")
	}
	if m.AgentForceStops == nil {
		t.Error("AgentForceStops is nil")
	}
	if m.BreakerTrips == nil {
		t.Error("BreakerTrips is nil")
	}
	if m.BreakerRejects == nil {
		t.Error("BreakerRejects is nil")
	}
	if m.CleanupJobs == nil {
		t.Error("CleanupJobs is nil")
	}
	if m.CleanupRetries == nil {
		t.Error("CleanupRetries is nil")
	}
	if m.CleanupFailures == nil {
		t.Error("CleanupFailures is nil")
	}
}

func TestMetrics_RecordWithNoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}

	ctx := context.Background()
	m.TasksAccepted.Add(ctx, 1)
	m.TasksRejected.Add(ctx, 1, WithReason("already_processing"))
	m.TaskDuration.Record(ctx, 1.5)
	m.ActiveAgents.Add(ctx, 1)
	m.ActiveAgents.Add(ctx, -1)
}
