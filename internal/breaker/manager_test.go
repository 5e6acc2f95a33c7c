package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memKV is an in-memory stand-in for the persistence layer's KV table.
type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) KVSet(_ context.Context, key, val string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = val
	return nil
}

func (m *memKV) KVGet(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func TestManager_LazyCreationPerAgent(t *testing.T) {
	m := NewManager(testConfig())

	a := m.Get("agent-a")
	b := m.Get("agent-b")
	if a == b {
		t.Fatal("expected distinct breakers per agent")
	}
	if m.Get("agent-a") != a {
		t.Fatal("expected same breaker on repeat lookup")
	}
}

func TestManager_FailureIsolation(t *testing.T) {
	m := NewManager(testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = m.Execute(ctx, "flaky", failingOp)
	}

	// flaky's breaker is open, healthy's is untouched.
	var openErr *CircuitOpenError
	if err := m.Execute(ctx, "flaky", succeedingOp); !errors.As(err, &openErr) {
		t.Fatalf("flaky err = %v, want CircuitOpenError", err)
	}
	if err := m.Execute(ctx, "healthy", succeedingOp); err != nil {
		t.Fatalf("healthy err = %v", err)
	}
}

func TestManager_PerAgentOverride(t *testing.T) {
	m := NewManager(testConfig())
	m.Configure("fragile", Config{MaxFailures: 1, ResetTimeout: time.Minute, OperationTimeout: time.Second})
	ctx := context.Background()

	_ = m.Execute(ctx, "fragile", failingOp)
	if snap := m.Get("fragile").Snapshot(); snap.State != StateOpen {
		t.Fatalf("fragile state = %v, want open after 1 failure", snap.State)
	}

	// Default agents still need three.
	_ = m.Execute(ctx, "normal", failingOp)
	if snap := m.Get("normal").Snapshot(); snap.State != StateClosed {
		t.Fatalf("normal state = %v, want closed", snap.State)
	}
}

func TestManager_Health(t *testing.T) {
	m := NewManager(testConfig())
	ctx := context.Background()

	_ = m.Execute(ctx, "good", succeedingOp)
	for i := 0; i < 3; i++ {
		_ = m.Execute(ctx, "bad", failingOp)
	}

	h := m.Health()
	if h.Total != 2 {
		t.Fatalf("total = %d, want 2", h.Total)
	}
	if h.Open != 1 || h.Closed != 1 {
		t.Fatalf("open = %d closed = %d, want 1/1", h.Open, h.Closed)
	}
	if h.Snapshots["bad"].FailureCount != 3 {
		t.Fatalf("bad failure count = %d", h.Snapshots["bad"].FailureCount)
	}
}

func TestManager_ResetAndResetAll(t *testing.T) {
	m := NewManager(testConfig())
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		for i := 0; i < 3; i++ {
			_ = m.Execute(ctx, id, failingOp)
		}
	}

	if err := m.Reset("a"); err != nil {
		t.Fatalf("reset a: %v", err)
	}
	if snap := m.Get("a").Snapshot(); snap.State != StateClosed {
		t.Fatalf("a state = %v, want closed", snap.State)
	}
	if err := m.Reset("missing"); err == nil {
		t.Fatal("expected error resetting unknown agent")
	}

	m.ResetAll()
	if h := m.Health(); h.Open != 0 {
		t.Fatalf("open breakers after ResetAll = %d", h.Open)
	}
}

func TestManager_PersistsAndHydratesState(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()

	m1 := NewManager(testConfig())
	m1.SetKVStore(kv)
	for i := 0; i < 3; i++ {
		_ = m1.Execute(ctx, "agent-1", failingOp)
	}
	if kv.data[kvPrefix+"agent-1"] == "" {
		t.Fatal("expected persisted breaker state after trip")
	}

	// A fresh manager sees the open breaker immediately.
	m2 := NewManager(testConfig())
	m2.SetKVStore(kv)
	var openErr *CircuitOpenError
	if err := m2.Execute(ctx, "agent-1", succeedingOp); !errors.As(err, &openErr) {
		t.Fatalf("hydrated breaker err = %v, want CircuitOpenError", err)
	}
}

func TestManager_StateChangeHookFires(t *testing.T) {
	m := NewManager(testConfig())
	var mu sync.Mutex
	var opened []string
	m.OnStateChange(func(agentID string, _, to State) {
		mu.Lock()
		defer mu.Unlock()
		if to == StateOpen {
			opened = append(opened, agentID)
		}
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = m.Execute(ctx, "agent-1", failingOp)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(opened) != 1 || opened[0] != "agent-1" {
		t.Fatalf("opened = %v", opened)
	}
}
