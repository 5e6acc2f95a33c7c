// Package breaker implements a per-agent circuit breaker. After a run of
// consecutive failures the breaker opens and refuses calls for a cooldown
// period; the first call after the cooldown runs as a half-open trial.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker.
type Config struct {
	MaxFailures      int           // consecutive failures before opening (default 3)
	ResetTimeout     time.Duration // open cooldown before a half-open trial (default 30s)
	OperationTimeout time.Duration // per-operation budget (default 8s)
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 8 * time.Second
	}
	return c
}

// ErrOperationTimeout reports that the protected operation exceeded its budget.
var ErrOperationTimeout = errors.New("operation timed out")

// CircuitOpenError is returned when the breaker refuses to invoke the
// operation. RetryAfter is the remaining cooldown.
type CircuitOpenError struct {
	AgentID    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for agent %q, retry after %s", e.AgentID, e.RetryAfter.Round(time.Millisecond))
}

// Snapshot is a point-in-time view of a breaker for health reporting.
type Snapshot struct {
	AgentID       string    `json:"agent_id"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	TotalRequests int       `json:"total_requests"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
}

// Breaker is the fault-isolation state machine for a single agent.
type Breaker struct {
	agentID string
	cfg     Config

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	totalRequests int
	lastFailureAt time.Time
	nextAttemptAt time.Time

	now           func() time.Time
	onStateChange func(agentID string, from, to State)
}

// New creates a Breaker for the given agent.
func New(agentID string, cfg Config) *Breaker {
	return &Breaker{
		agentID: agentID,
		cfg:     cfg.withDefaults(),
		state:   StateClosed,
		now:     time.Now,
	}
}

// Operation is the unit of work a breaker protects.
type Operation func(ctx context.Context) error

// Execute runs op under the breaker's protection.
//
// An open breaker rejects the call with CircuitOpenError without invoking op.
// Once the cooldown has elapsed the breaker moves to half-open and lets one
// trial through. The operation races its timeout: when the timeout wins, the
// operation's context is canceled and the attempt counts as a failure, but
// the operation itself is not awaited further — work that ignores its context
// runs to completion unobserved.
func (b *Breaker) Execute(ctx context.Context, op Operation) error {
	b.mu.Lock()
	b.totalRequests++
	var notify func()
	if b.state == StateOpen {
		now := b.now()
		if now.Before(b.nextAttemptAt) {
			retryAfter := b.nextAttemptAt.Sub(now)
			b.mu.Unlock()
			return &CircuitOpenError{AgentID: b.agentID, RetryAfter: retryAfter}
		}
		notify = b.transition(StateHalfOpen)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}

	opCtx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-opCtx.Done():
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			err = ErrOperationTimeout
		} else {
			err = opCtx.Err()
		}
	}

	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	b.successCount++
	b.failureCount = 0
	var notify func()
	if b.state == StateHalfOpen {
		notify = b.transition(StateClosed)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailureAt = b.now()
	var notify func()
	switch {
	case b.state == StateHalfOpen:
		// A failed trial reopens immediately.
		b.nextAttemptAt = b.lastFailureAt.Add(b.cfg.ResetTimeout)
		notify = b.transition(StateOpen)
	case b.failureCount >= b.cfg.MaxFailures:
		b.nextAttemptAt = b.lastFailureAt.Add(b.cfg.ResetTimeout)
		notify = b.transition(StateOpen)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transition flips the state and returns the hook invocation for the caller
// to run once b.mu is released; hooks take their own locks. Must be called
// with b.mu held.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	if to == StateOpen {
		slog.Warn("circuit breaker opened", "agent_id", b.agentID, "failures", b.failureCount)
	} else {
		slog.Info("circuit breaker state change", "agent_id", b.agentID, "from", string(from), "to", string(to))
	}
	if b.onStateChange == nil {
		return nil
	}
	hook := b.onStateChange
	agentID := b.agentID
	return func() { hook(agentID, from, to) }
}

// Reset returns the breaker to closed with zeroed failure counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failureCount = 0
	b.nextAttemptAt = time.Time{}
	notify := b.transition(StateClosed)
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		AgentID:       b.agentID,
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		TotalRequests: b.totalRequests,
		LastFailureAt: b.lastFailureAt,
		NextAttemptAt: b.nextAttemptAt,
	}
}

// restore overwrites the breaker's counters from a persisted snapshot.
func (b *Breaker) restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if snap.State != "" {
		b.state = snap.State
	}
	b.failureCount = snap.FailureCount
	b.successCount = snap.SuccessCount
	b.totalRequests = snap.TotalRequests
	b.lastFailureAt = snap.LastFailureAt
	b.nextAttemptAt = snap.NextAttemptAt
}
