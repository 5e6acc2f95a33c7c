// Package lifecycle tracks running agents and enforces their runtime bounds.
// Every agent registers on start, heartbeats while working, and is forcibly
// removed when it exceeds its maximum runtime or goes silent.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
)

var (
	// ErrAlreadyRunning is returned when an agent ID is already registered.
	ErrAlreadyRunning = errors.New("agent already running")
	// ErrShuttingDown is returned when registration is refused during drain.
	ErrShuttingDown = errors.New("manager is shutting down")
	// ErrUnknownAgent is returned for operations on an unregistered agent.
	ErrUnknownAgent = errors.New("unknown agent")
)

// StopFunc asks an agent to stop cooperatively. It should return once the
// agent has wound down, or when ctx expires.
type StopFunc func(ctx context.Context) error

// Snapshot is a read-only view of one tracked agent.
type Snapshot struct {
	AgentID       string    `json:"agent_id"`
	Kind          string    `json:"kind"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	TaskCount     int       `json:"task_count"`
	MaxTasks      int       `json:"max_tasks,omitempty"`
	Stopping      bool      `json:"stopping"`
	StopReason    string    `json:"stop_reason,omitempty"`
}

type record struct {
	agentID       string
	kind          string
	startedAt     time.Time
	lastHeartbeat time.Time
	taskCount     int
	maxTasks      int
	stopping      bool
	stopReason    string
	stopFn        StopFunc
}

// Manager is the agent lifecycle registry.
type Manager struct {
	cfg config.LifecycleConfig
	bus *bus.Bus

	mu           sync.RWMutex
	agents       map[string]*record
	shuttingDown bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewManager(cfg config.LifecycleConfig, eventBus *bus.Bus) *Manager {
	return &Manager{
		cfg:    cfg,
		bus:    eventBus,
		agents: make(map[string]*record),
		now:    time.Now,
	}
}

// Run starts the periodic sweep that evicts overrunning and stale agents.
// It returns immediately; the sweep stops when Shutdown is called or ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Register adds an agent to the registry. The stop function is invoked when
// the agent must wind down; a nil stopFn means the agent has no cooperative
// stop path and is always force-stopped.
func (m *Manager) Register(agentID, kind string, stopFn StopFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return fmt.Errorf("register agent %q: %w", agentID, ErrShuttingDown)
	}
	if _, exists := m.agents[agentID]; exists {
		return fmt.Errorf("register agent %q: %w", agentID, ErrAlreadyRunning)
	}

	now := m.now()
	m.agents[agentID] = &record{
		agentID:       agentID,
		kind:          kind,
		startedAt:     now,
		lastHeartbeat: now,
		maxTasks:      m.cfg.MaxTasks,
		stopFn:        stopFn,
	}
	slog.Info("agent registered", "agent_id", agentID, "kind", kind)
	m.bus.Publish(bus.TopicAgentStarted, bus.AgentStartedEvent{
		AgentID:   agentID,
		Kind:      kind,
		StartedAt: now,
	})
	return nil
}

// Heartbeat refreshes an agent's liveness timestamp.
func (m *Manager) Heartbeat(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("heartbeat for agent %q: %w", agentID, ErrUnknownAgent)
	}
	rec.lastHeartbeat = m.now()
	return nil
}

// RecordTask bumps the agent's processed-task counter.
func (m *Manager) RecordTask(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("record task for agent %q: %w", agentID, ErrUnknownAgent)
	}
	rec.taskCount++
	return nil
}

// Snapshot returns the agent's current record, or ErrUnknownAgent.
func (m *Manager) Snapshot(agentID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return Snapshot{}, fmt.Errorf("snapshot for agent %q: %w", agentID, ErrUnknownAgent)
	}
	return snapshotOf(rec), nil
}

func snapshotOf(rec *record) Snapshot {
	return Snapshot{
		AgentID:       rec.agentID,
		Kind:          rec.kind,
		StartedAt:     rec.startedAt,
		LastHeartbeat: rec.lastHeartbeat,
		TaskCount:     rec.taskCount,
		MaxTasks:      rec.maxTasks,
		Stopping:      rec.stopping,
		StopReason:    rec.stopReason,
	}
}

// Stop asks the agent to stop cooperatively, waiting up to the configured
// grace period before forcing removal. Stopping an unknown agent is an error.
func (m *Manager) Stop(ctx context.Context, agentID, reason string) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("stop agent %q: %w", agentID, ErrUnknownAgent)
	}
	if rec.stopping {
		m.mu.Unlock()
		return nil
	}
	rec.stopping = true
	rec.stopReason = reason
	stopFn := rec.stopFn
	m.mu.Unlock()

	m.bus.Publish(bus.TopicAgentStopping, bus.AgentStoppingEvent{AgentID: agentID, Reason: reason})

	forced := false
	if stopFn != nil {
		graceCtx, cancel := context.WithTimeout(ctx, m.cfg.StopGrace())
		defer cancel()
		if err := stopFn(graceCtx); err != nil {
			slog.Warn("cooperative stop failed, forcing", "agent_id", agentID, "error", err)
			forced = true
		}
	} else {
		forced = true
	}

	m.remove(agentID, reason, forced)
	return nil
}

// ForceStop removes the agent immediately, skipping the cooperative path.
// Force-stops are audited so operators can reconstruct evictions.
func (m *Manager) ForceStop(agentID, reason string) error {
	m.mu.RLock()
	_, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("force stop agent %q: %w", agentID, ErrUnknownAgent)
	}
	m.bus.Publish(bus.TopicAgentStopping, bus.AgentStoppingEvent{AgentID: agentID, Reason: reason})
	audit.Record("ok", "agent.force_stop", reason, agentID)
	m.remove(agentID, reason, true)
	return nil
}

func (m *Manager) remove(agentID, reason string, forced bool) {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.agents, agentID)
	m.mu.Unlock()

	now := m.now()
	slog.Info("agent stopped",
		"agent_id", agentID,
		"reason", reason,
		"forced", forced,
		"runtime", now.Sub(rec.startedAt).Round(time.Millisecond),
		"task_count", rec.taskCount,
	)
	m.bus.Publish(bus.TopicAgentStopped, bus.AgentStoppedEvent{
		AgentID:    agentID,
		Kind:       rec.kind,
		Reason:     reason,
		StartedAt:  rec.startedAt,
		StoppedAt:  now,
		TaskCount:  rec.taskCount,
		Runtime:    now.Sub(rec.startedAt),
		ForcedStop: forced,
	})
}

// sweep force-stops agents that exceeded their maximum runtime or whose
// heartbeat went stale.
func (m *Manager) sweep(ctx context.Context) {
	now := m.now()
	maxRuntime := m.cfg.MaxRuntime()
	staleAfter := m.cfg.HeartbeatTimeout()

	type eviction struct {
		agentID string
		reason  string
	}
	var evictions []eviction

	m.mu.RLock()
	for id, rec := range m.agents {
		if rec.stopping {
			continue
		}
		switch {
		case now.Sub(rec.startedAt) > maxRuntime:
			evictions = append(evictions, eviction{id, "max_runtime_exceeded"})
		case now.Sub(rec.lastHeartbeat) > staleAfter:
			evictions = append(evictions, eviction{id, "heartbeat_stale"})
		case rec.maxTasks > 0 && rec.taskCount >= rec.maxTasks:
			evictions = append(evictions, eviction{id, "max_tasks_reached"})
		}
	}
	m.mu.RUnlock()

	for _, ev := range evictions {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("sweep evicting agent", "agent_id", ev.agentID, "reason", ev.reason)
		if err := m.ForceStop(ev.agentID, ev.reason); err != nil && !errors.Is(err, ErrUnknownAgent) {
			slog.Error("sweep eviction failed", "agent_id", ev.agentID, "error", err)
		}
	}
}

// Health reports the registry's current population. Running counts agents not
// yet asked to stop; Stopping counts those winding down; AvgRuntime is the
// mean age of all tracked agents.
type Health struct {
	Running      int           `json:"running"`
	Stopping     int           `json:"stopping"`
	Total        int           `json:"total"`
	AvgRuntime   time.Duration `json:"avg_runtime"`
	ShuttingDown bool          `json:"shutting_down"`
	Agents       []Snapshot    `json:"agents"`
}

func (m *Manager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := Health{Total: len(m.agents), ShuttingDown: m.shuttingDown}
	now := m.now()
	var runtime time.Duration
	for _, rec := range m.agents {
		if rec.stopping {
			h.Stopping++
		} else {
			h.Running++
		}
		runtime += now.Sub(rec.startedAt)
		h.Agents = append(h.Agents, snapshotOf(rec))
	}
	if h.Total > 0 {
		h.AvgRuntime = runtime / time.Duration(h.Total)
	}
	return h
}

// Shutdown refuses new registrations, stops every agent, and waits for the
// sweep goroutine. The wait for cooperative stops is bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	cancel := m.cancel
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	slog.Info("lifecycle draining", "agents", len(ids))
	var drain sync.WaitGroup
	for _, id := range ids {
		drain.Add(1)
		go func(agentID string) {
			defer drain.Done()
			if err := m.Stop(ctx, agentID, "shutdown"); err != nil && !errors.Is(err, ErrUnknownAgent) {
				slog.Error("drain stop failed", "agent_id", agentID, "error", err)
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		drain.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("drain timed out, forcing remaining agents")
		m.mu.RLock()
		remaining := make([]string, 0, len(m.agents))
		for id := range m.agents {
			remaining = append(remaining, id)
		}
		m.mu.RUnlock()
		for _, id := range remaining {
			_ = m.ForceStop(id, "drain_timeout")
		}
	}

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
