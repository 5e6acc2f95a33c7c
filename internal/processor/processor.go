// Package processor accepts tasks, acknowledges them immediately, and runs
// them in the background under lifecycle and circuit breaker protection.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/breaker"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/lifecycle"
	"github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/shared"
)

// Task is one unit of work bound to an agent.
type Task struct {
	ID      string
	AgentID string
	Payload string
}

// TaskFunc performs the actual work. The processor owns everything around it:
// acceptance, heartbeats, timeouts, failure isolation, and persistence.
type TaskFunc func(ctx context.Context, task Task) (result string, err error)

// AcceptResult is the immediate acknowledgement for a submitted task.
type AcceptResult struct {
	Accepted bool   `json:"accepted"`
	TaskID   string `json:"task_id"`
	Reason   string `json:"reason,omitempty"`
}

// Rejection reasons surfaced in AcceptResult.
const (
	ReasonAlreadyProcessing = "already_processing"
	ReasonShuttingDown      = "shutting_down"
	ReasonInvalidPayload    = "invalid_payload"
)

// TaskState is the observable phase of a task.
type TaskState string

const (
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Status is what Status() reports for a known task.
type Status struct {
	TaskID      string        `json:"task_id"`
	AgentID     string        `json:"agent_id"`
	State       TaskState     `json:"state"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Stats aggregates processed-task counters. AvgDuration follows the exact
// recurrence avg' = (avg*(n-1) + d) / n over completed tasks only; failures
// count toward Processed and Failed but leave the average untouched.
type Stats struct {
	Processed   int64         `json:"processed"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	InFlight    int           `json:"in_flight"`
	AvgDuration time.Duration `json:"avg_duration"`
}

type dedupKey struct {
	taskID  string
	agentID string
}

type inflightTask struct {
	task      Task
	startedAt time.Time
	cancel    context.CancelFunc
}

// Processor coordinates acceptance, background execution, and status lookup.
type Processor struct {
	cfg       config.ProcessorConfig
	lifecycle *lifecycle.Manager
	breakers  *breaker.Manager
	store     *persistence.Store
	bus       *bus.Bus
	metrics   *otel.Metrics
	run       TaskFunc
	schema    *jsonschema.Schema

	mu           sync.Mutex
	inflight     map[dedupKey]*inflightTask
	byTask       map[string]*inflightTask
	completed    *lru.Cache[string, Status]
	shuttingDown bool

	processed int64
	succeeded int64
	failed    int64
	avg       time.Duration

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a Processor. The metrics argument may be nil.
func New(
	cfg config.ProcessorConfig,
	lm *lifecycle.Manager,
	bm *breaker.Manager,
	store *persistence.Store,
	eventBus *bus.Bus,
	metrics *otel.Metrics,
	run TaskFunc,
) (*Processor, error) {
	if run == nil {
		return nil, errors.New("task function must be non-nil")
	}

	completed, err := lru.New[string, Status](cfg.CompletedIndexSize)
	if err != nil {
		return nil, fmt.Errorf("create completed index: %w", err)
	}

	var schema *jsonschema.Schema
	if cfg.PayloadSchemaFile != "" {
		schema, err = loadSchema(cfg.PayloadSchemaFile)
		if err != nil {
			return nil, fmt.Errorf("load payload schema: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:        cfg,
		lifecycle:  lm,
		breakers:   bm,
		store:      store,
		bus:        eventBus,
		metrics:    metrics,
		run:        run,
		schema:     schema,
		inflight:   make(map[dedupKey]*inflightTask),
		byTask:     make(map[string]*inflightTask),
		completed:  completed,
		rootCtx:    ctx,
		rootCancel: cancel,
	}, nil
}

func loadSchema(path string) (*jsonschema.Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := jsonschema.UnmarshalJSON(f)
	if err != nil {
		return nil, fmt.Errorf("parse schema document: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(path, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(path)
}

// Accept validates and acknowledges a task, then starts background execution.
// The call returns without waiting for the work. A task already in flight for
// the same (task, agent) pair is rejected rather than run twice.
func (p *Processor) Accept(ctx context.Context, task Task) AcceptResult {
	if task.ID == "" || task.AgentID == "" {
		return AcceptResult{Accepted: false, TaskID: task.ID, Reason: ReasonInvalidPayload}
	}
	if p.schema != nil {
		if err := p.validatePayload(task.Payload); err != nil {
			slog.Warn("task payload rejected", "task_id", task.ID, "error", err)
			p.countRejected(ctx, ReasonInvalidPayload)
			return AcceptResult{Accepted: false, TaskID: task.ID, Reason: ReasonInvalidPayload}
		}
	}

	key := dedupKey{taskID: task.ID, agentID: task.AgentID}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		p.countRejected(ctx, ReasonShuttingDown)
		return AcceptResult{Accepted: false, TaskID: task.ID, Reason: ReasonShuttingDown}
	}
	if _, dup := p.inflight[key]; dup {
		p.mu.Unlock()
		p.countRejected(ctx, ReasonAlreadyProcessing)
		return AcceptResult{Accepted: false, TaskID: task.ID, Reason: ReasonAlreadyProcessing}
	}

	taskCtx, cancel := context.WithCancel(p.rootCtx)
	entry := &inflightTask{task: task, startedAt: time.Now(), cancel: cancel}
	p.inflight[key] = entry
	if _, taken := p.byTask[task.ID]; !taken {
		p.byTask[task.ID] = entry
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.TasksAccepted.Add(ctx, 1)
	}
	go p.execute(taskCtx, key, entry)

	return AcceptResult{Accepted: true, TaskID: task.ID}
}

func (p *Processor) validatePayload(payload string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return fmt.Errorf("payload failed schema validation: %w", err)
	}
	return nil
}

func (p *Processor) countRejected(ctx context.Context, reason string) {
	if p.metrics != nil {
		p.metrics.TasksRejected.Add(ctx, 1, otel.WithReason(reason))
	}
}

// execute runs one task to a terminal state. It registers the owning agent,
// keeps a heartbeat ticking while the work runs, and routes the work through
// the agent's circuit breaker.
func (p *Processor) execute(ctx context.Context, key dedupKey, entry *inflightTask) {
	defer p.wg.Done()
	defer p.finishInflight(key, entry)

	task := entry.task
	ctx = shared.WithTaskID(shared.WithAgentID(ctx, task.AgentID), task.ID)
	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "task.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrAgentID.String(task.AgentID),
	)
	defer span.End()

	if err := p.registerAgent(task.AgentID); err != nil {
		p.settle(ctx, entry, "", fmt.Errorf("register agent: %w", err))
		return
	}
	_ = p.lifecycle.RecordTask(task.AgentID)

	if err := p.store.UpsertProcessing(ctx, task.ID, task.AgentID, task.Payload); err != nil {
		slog.Error("persist in-flight task failed", "task_id", task.ID, "error", err)
	}

	stopHeartbeat := p.startHeartbeat(ctx, task.AgentID)
	// A timed-out operation is abandoned, not awaited, so the result is
	// guarded: the abandoned goroutine may still be writing it.
	var resultMu sync.Mutex
	var result string
	err := p.breakers.Execute(ctx, task.AgentID, func(opCtx context.Context) (opErr error) {
		defer func() {
			if r := recover(); r != nil {
				opErr = fmt.Errorf("task panicked: %v", r)
			}
		}()
		out, runErr := p.run(opCtx, task)
		if runErr == nil {
			resultMu.Lock()
			result = out
			resultMu.Unlock()
		}
		return runErr
	})
	stopHeartbeat()

	resultMu.Lock()
	out := result
	resultMu.Unlock()

	if err != nil {
		span.RecordError(err)
		var open *breaker.CircuitOpenError
		if errors.As(err, &open) && p.metrics != nil {
			p.metrics.BreakerRejects.Add(ctx, 1)
		}
	}
	p.settle(ctx, entry, out, err)
	p.finishInflight(key, entry)
	p.releaseAgent(ctx, task.AgentID)
}

// releaseAgent stops the agent once its last in-flight task has settled.
// Another task still running under the same agent keeps the record alive.
func (p *Processor) releaseAgent(ctx context.Context, agentID string) {
	p.mu.Lock()
	for key := range p.inflight {
		if key.agentID == agentID {
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	if err := p.lifecycle.Stop(ctx, agentID, "TaskCompleted"); err != nil && !errors.Is(err, lifecycle.ErrUnknownAgent) {
		slog.Warn("agent stop after task failed", "agent_id", agentID, "error", err)
	}
}

// registerAgent adds the agent to the lifecycle registry. An agent that is
// already registered keeps processing under its existing record.
func (p *Processor) registerAgent(agentID string) error {
	err := p.lifecycle.Register(agentID, "worker", func(context.Context) error {
		p.cancelAgentTasks(agentID)
		return nil
	})
	if errors.Is(err, lifecycle.ErrAlreadyRunning) {
		return nil
	}
	return err
}

func (p *Processor) cancelAgentTasks(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.inflight {
		if key.agentID == agentID {
			entry.cancel()
		}
	}
}

// startHeartbeat keeps the agent's lifecycle record fresh while work runs.
// The returned stop function is safe to call exactly once; the ticker stops
// even when the task function panics because execute defers through it.
func (p *Processor) startHeartbeat(ctx context.Context, agentID string) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		interval := time.Duration(p.cfg.HeartbeatIntervalSeconds) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.lifecycle.Heartbeat(agentID); err != nil {
					slog.Debug("heartbeat dropped", "agent_id", agentID, "error", err)
					return
				}
			}
		}
	}()
	return stop
}

// settle records the terminal state: persistence, stats, completed index,
// bus event, and metrics.
func (p *Processor) settle(ctx context.Context, entry *inflightTask, result string, err error) {
	task := entry.task
	duration := time.Since(entry.startedAt)
	now := time.Now().UTC()

	status := Status{
		TaskID:      task.ID,
		AgentID:     task.AgentID,
		Duration:    duration,
		CompletedAt: &now,
	}

	if err != nil {
		status.State = TaskFailed
		status.Error = err.Error()
		if perr := p.store.MarkFailed(ctx, task.ID, err.Error(), duration); perr != nil {
			slog.Error("persist task failure failed", "task_id", task.ID, "error", perr)
		}
		slog.Warn("task failed",
			"task_id", task.ID, "agent_id", task.AgentID,
			"duration", duration.Round(time.Millisecond), "error", err)
		p.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{
			TaskID: task.ID, AgentID: task.AgentID, Duration: duration, Error: err.Error(),
		})
		if p.metrics != nil {
			p.metrics.TaskFailures.Add(ctx, 1)
		}
	} else {
		status.State = TaskCompleted
		status.Result = result
		if perr := p.store.MarkCompleted(ctx, task.ID, result, duration); perr != nil {
			slog.Error("persist task completion failed", "task_id", task.ID, "error", perr)
		}
		slog.Info("task completed",
			"task_id", task.ID, "agent_id", task.AgentID,
			"duration", duration.Round(time.Millisecond))
		p.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
			TaskID: task.ID, AgentID: task.AgentID, Duration: duration, Result: result,
		})
	}

	p.updateStats(duration, err != nil)
	p.completed.Add(task.ID, status)

	if p.metrics != nil {
		p.metrics.TaskDuration.Record(ctx, duration.Seconds())
	}
}

// updateStats applies one terminal outcome to the counters. The rolling
// average advances only on success, with n equal to the new completed count.
func (p *Processor) updateStats(duration time.Duration, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed++
	if failed {
		p.failed++
		return
	}
	p.succeeded++
	n := p.succeeded
	p.avg = (p.avg*time.Duration(n-1) + duration) / time.Duration(n)
}

// finishInflight is idempotent: the deletes are guarded by entry identity so
// a second call, or a racing re-accept of the same key, is harmless.
func (p *Processor) finishInflight(key dedupKey, entry *inflightTask) {
	entry.cancel()
	p.mu.Lock()
	if p.inflight[key] == entry {
		delete(p.inflight, key)
	}
	if p.byTask[key.taskID] == entry {
		delete(p.byTask, key.taskID)
	}
	p.mu.Unlock()
}

// Status reports the task's current phase: in-flight first, then the
// completed index, then durable storage. Returns nil for unknown tasks.
func (p *Processor) Status(ctx context.Context, taskID string) (*Status, error) {
	p.mu.Lock()
	if entry, ok := p.byTask[taskID]; ok {
		st := Status{
			TaskID:   taskID,
			AgentID:  entry.task.AgentID,
			State:    TaskProcessing,
			Duration: time.Since(entry.startedAt),
		}
		p.mu.Unlock()
		return &st, nil
	}
	if st, ok := p.completed.Get(taskID); ok {
		p.mu.Unlock()
		return &st, nil
	}
	p.mu.Unlock()

	rec, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("status lookup: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	st := Status{
		TaskID:      rec.ID,
		AgentID:     rec.AgentID,
		State:       TaskState(rec.Status),
		Result:      rec.Result,
		Error:       rec.Error,
		Duration:    rec.Duration,
		CompletedAt: rec.CompletedAt,
	}
	return &st, nil
}

// EvictCompleted drops a task from the in-memory completed index. Status
// lookups for it fall through to durable storage afterwards.
func (p *Processor) EvictCompleted(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed.Remove(taskID)
}

// Stats returns the aggregate processing counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Processed:   p.processed,
		Completed:   p.succeeded,
		Failed:      p.failed,
		InFlight:    len(p.inflight),
		AvgDuration: p.avg,
	}
}

// EmergencyStop cancels all in-flight work, clears the in-flight table, and
// refuses further tasks. It is the big red button: invocations are audited
// with the operator's reason.
func (p *Processor) EmergencyStop(reason string) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	count := len(p.inflight)
	for _, entry := range p.inflight {
		entry.cancel()
	}
	p.inflight = make(map[dedupKey]*inflightTask)
	p.byTask = make(map[string]*inflightTask)
	p.mu.Unlock()

	slog.Warn("emergency stop", "reason", reason, "in_flight", count)
	audit.Record("ok", "processor.emergency_stop", reason, "")
	p.rootCancel()

	for _, snap := range p.lifecycle.Health().Agents {
		if err := p.lifecycle.ForceStop(snap.AgentID, "emergency_stop"); err != nil && !errors.Is(err, lifecycle.ErrUnknownAgent) {
			slog.Error("emergency stop of agent failed", "agent_id", snap.AgentID, "error", err)
		}
	}
	p.breakers.ResetAll()
}

// Drain stops accepting tasks and waits for in-flight work, bounded by ctx.
func (p *Processor) Drain(ctx context.Context) {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("drain timed out, canceling in-flight tasks")
		p.rootCancel()
		p.wg.Wait()
	}
}

