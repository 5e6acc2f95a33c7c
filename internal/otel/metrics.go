package otel

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all Warden metrics instruments.
type Metrics struct {
	TaskDuration    metric.Float64Histogram
	TasksAccepted   metric.Int64Counter
	TasksRejected   metric.Int64Counter
	TaskFailures    metric.Int64Counter
	ActiveAgents    metric.Int64UpDownCounter
	AgentForceStops metric.Int64Counter
	BreakerTrips    metric.Int64Counter
	BreakerRejects  metric.Int64Counter
	CleanupJobs     metric.Int64Counter
	CleanupRetries  metric.Int64Counter
	CleanupFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("warden.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAccepted, err = meter.Int64Counter("warden.task.accepted",
		metric.WithDescription("Tasks accepted for dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRejected, err = meter.Int64Counter("warden.task.rejected",
		metric.WithDescription("Tasks rejected as duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("warden.task.failures",
		metric.WithDescription("Terminal task failures"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("warden.agent.active",
		metric.WithDescription("Number of currently running agents"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentForceStops, err = meter.Int64Counter("warden.agent.force_stops",
		metric.WithDescription("Agents force-stopped by sweep or timer"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("warden.breaker.trips",
		metric.WithDescription("Circuit breaker open transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerRejects, err = meter.Int64Counter("warden.breaker.rejects",
		metric.WithDescription("Calls rejected while a breaker was open"),
	)
	if err != nil {
		return nil, err
	}

	m.CleanupJobs, err = meter.Int64Counter("warden.cleanup.jobs",
		metric.WithDescription("Cleanup jobs executed"),
	)
	if err != nil {
		return nil, err
	}

	m.CleanupRetries, err = meter.Int64Counter("warden.cleanup.retries",
		metric.WithDescription("Cleanup job retries scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.CleanupFailures, err = meter.Int64Counter("warden.cleanup.failures",
		metric.WithDescription("Cleanup jobs dropped after retry exhaustion"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// WithReason tags a counter increment with a rejection or eviction reason.
func WithReason(reason string) metric.AddOption {
	return metric.WithAttributes(attribute.String("reason", reason))
}
