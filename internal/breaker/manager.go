package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const kvPrefix = "breaker:"

// KVStore persists breaker snapshots across restarts.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// Manager owns one breaker per agent, created lazily on first use.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  Config
	overrides map[string]Config

	kv            KVStore
	onStateChange func(agentID string, from, to State)
}

// NewManager creates a Manager with the given default breaker config.
func NewManager(defaults Config) *Manager {
	return &Manager{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]Config),
	}
}

// SetKVStore enables state persistence. Breakers already created keep their
// in-memory state; new ones are hydrated from the store on first use.
func (m *Manager) SetKVStore(kv KVStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv = kv
}

// OnStateChange registers a hook invoked on every breaker transition.
func (m *Manager) OnStateChange(fn func(agentID string, from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// Configure sets a per-agent config override. It applies to the agent's next
// breaker creation; an existing breaker is replaced so the override takes
// effect immediately, dropping accumulated counters.
func (m *Manager) Configure(agentID string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[agentID] = cfg.withDefaults()
	delete(m.breakers, agentID)
}

// Get returns the breaker for agentID, creating it on first use.
func (m *Manager) Get(agentID string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[agentID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[agentID]; ok {
		return b
	}

	cfg := m.defaults
	if override, ok := m.overrides[agentID]; ok {
		cfg = override
	}
	b = New(agentID, cfg)
	b.onStateChange = m.stateChanged
	if m.kv != nil {
		m.hydrate(b)
	}
	m.breakers[agentID] = b
	return b
}

// Execute runs op through the agent's breaker.
func (m *Manager) Execute(ctx context.Context, agentID string, op Operation) error {
	return m.Get(agentID).Execute(ctx, op)
}

func (m *Manager) stateChanged(agentID string, from, to State) {
	m.mu.RLock()
	kv := m.kv
	hook := m.onStateChange
	m.mu.RUnlock()

	if kv != nil {
		m.persist(agentID)
	}
	if hook != nil {
		hook(agentID, from, to)
	}
}

// persist writes the breaker's snapshot to the KV store. Best effort: a
// persistence failure never blocks the breaker itself.
func (m *Manager) persist(agentID string) {
	m.mu.RLock()
	b, ok := m.breakers[agentID]
	kv := m.kv
	m.mu.RUnlock()
	if !ok || kv == nil {
		return
	}
	data, err := json.Marshal(b.Snapshot())
	if err != nil {
		return
	}
	if err := kv.KVSet(context.Background(), kvPrefix+agentID, string(data)); err != nil {
		slog.Warn("persist breaker state failed", "agent_id", agentID, "error", err)
	}
}

// hydrate restores a breaker from its persisted snapshot. Must be called with
// m.mu held, before the breaker is visible to other goroutines.
func (m *Manager) hydrate(b *Breaker) {
	raw, err := m.kv.KVGet(context.Background(), kvPrefix+b.agentID)
	if err != nil || raw == "" {
		return
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		slog.Warn("decode persisted breaker state failed", "agent_id", b.agentID, "error", err)
		return
	}
	b.restore(snap)
}

// Health reports aggregate breaker health plus per-agent snapshots.
type Health struct {
	Total     int                 `json:"total"`
	Open      int                 `json:"open"`
	HalfOpen  int                 `json:"half_open"`
	Closed    int                 `json:"closed"`
	Snapshots map[string]Snapshot `json:"snapshots"`
}

func (m *Manager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := Health{Snapshots: make(map[string]Snapshot, len(m.breakers))}
	for id, b := range m.breakers {
		snap := b.Snapshot()
		h.Snapshots[id] = snap
		h.Total++
		switch snap.State {
		case StateOpen:
			h.Open++
		case StateHalfOpen:
			h.HalfOpen++
		default:
			h.Closed++
		}
	}
	return h
}

// Reset closes the breaker for one agent, clearing its failure count.
func (m *Manager) Reset(agentID string) error {
	m.mu.RLock()
	b, ok := m.breakers[agentID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no breaker for agent %q", agentID)
	}
	b.Reset()
	return nil
}

// ResetAll closes every breaker. An operator escape hatch after a systemic
// fault has been resolved.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()
	for _, b := range breakers {
		b.Reset()
	}
}
