package bus

import "time"

// Agent lifecycle event topics.
const (
	TopicAgentStarted  = "agent.started"
	TopicAgentStopping = "agent.stopping"
	TopicAgentStopped  = "agent.stopped"
)

// Task processing event topics.
const (
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
)

// Cleanup event topics.
const (
	TopicCleanupScheduled     = "cleanup.scheduled"
	TopicCleanupCompleted     = "cleanup.completed"
	TopicCleanupFailed        = "cleanup.failed"
	TopicCleanupHighErrorRate = "cleanup.high_error_rate"
)

// AgentStartedEvent is published when a lifecycle record is created.
type AgentStartedEvent struct {
	AgentID   string
	Kind      string
	StartedAt time.Time
}

// AgentStoppingEvent is published when a cooperative stop begins.
type AgentStoppingEvent struct {
	AgentID string
	Reason  string
}

// AgentStoppedEvent carries the final record snapshot when an agent is removed.
type AgentStoppedEvent struct {
	AgentID    string
	Kind       string
	Reason     string
	StartedAt  time.Time
	StoppedAt  time.Time
	TaskCount  int
	Runtime    time.Duration
	ForcedStop bool
}

// TaskCompletedEvent is published on terminal task success.
type TaskCompletedEvent struct {
	TaskID   string
	AgentID  string
	Duration time.Duration
	Result   string
}

// TaskFailedEvent is published on terminal task failure.
type TaskFailedEvent struct {
	TaskID   string
	AgentID  string
	Duration time.Duration
	Error    string
}

// CleanupScheduledEvent is published when reclamation waves are enqueued for a task.
type CleanupScheduledEvent struct {
	TaskID string
	Waves  int
}

// CleanupCompletedEvent is published when a cleanup job finishes successfully.
type CleanupCompletedEvent struct {
	TaskID string
	Wave   string
}

// CleanupFailedEvent is published when a cleanup job exhausts its retries.
type CleanupFailedEvent struct {
	TaskID  string
	Wave    string
	Retries int
	Error   string
}

// HighErrorRateEvent is published once the cleanup error count crosses its threshold.
type HighErrorRateEvent struct {
	ErrorCount int
}
