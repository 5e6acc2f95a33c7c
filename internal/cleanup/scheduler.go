// Package cleanup reclaims the leftovers of finished tasks in three staged
// waves: an immediate settle shortly after completion, a delayed compaction a
// day later, and archival to cold storage after a week.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/notify"
	"github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
)

// Wave identifies one reclamation stage.
type Wave string

const (
	WaveImmediate Wave = "immediate"
	WaveDelayed   Wave = "delayed"
	WaveArchival  Wave = "archival"
	// WaveAll selects every wave in a ForceCleanup call.
	WaveAll Wave = "all"
)

type jobKey struct {
	taskID string
	wave   Wave
}

type job struct {
	taskID      string
	agentID     string
	finalState  string
	summary     string
	wave        Wave
	runAt       time.Time
	retries     int
	completedAt time.Time
	seq         uint64
}

// Scheduler enqueues cleanup waves when tasks finish and runs due jobs from a
// periodic sweep. Failed jobs retry on a fixed delay until their budget is
// spent, then are dropped with a failure event.
type Scheduler struct {
	cfg      config.CleanupConfig
	store    *persistence.Store
	bus      *bus.Bus
	notifier *notify.Notifier
	metrics  *otel.Metrics
	homeDir  string

	// evictIndex removes a task from the in-memory completed index during the
	// delayed wave. Optional.
	evictIndex func(taskID string)

	mu         sync.Mutex
	jobs       map[jobKey]*job
	seq        uint64
	errorCount int
	alerted    bool

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewScheduler(
	cfg config.CleanupConfig,
	store *persistence.Store,
	eventBus *bus.Bus,
	notifier *notify.Notifier,
	metrics *otel.Metrics,
	homeDir string,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		bus:      eventBus,
		notifier: notifier,
		metrics:  metrics,
		homeDir:  homeDir,
		jobs:     make(map[jobKey]*job),
		now:      time.Now,
	}
}

// SetIndexEvictor wires the delayed wave to the processor's completed index.
func (s *Scheduler) SetIndexEvictor(fn func(taskID string)) {
	s.evictIndex = fn
}

// Run starts the sweep loop, the task-event subscription, and the nightly
// archive retention prune. It returns immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	sub := s.bus.Subscribe("task.")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.Ch():
				s.onTaskEvent(ev)
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.RetentionCron, func() {
		cutoff := s.now().Add(-s.cfg.Retention())
		pruned, err := s.store.PruneArchive(context.Background(), cutoff)
		if err != nil {
			slog.Error("archive retention prune failed", "error", err)
			return
		}
		if pruned > 0 {
			slog.Info("archive retention pruned", "tasks", pruned, "cutoff", cutoff.Format(time.RFC3339))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule retention prune %q: %w", s.cfg.RetentionCron, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the sweep and the retention schedule. In-flight jobs finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}

func (s *Scheduler) onTaskEvent(ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.TaskCompletedEvent:
		s.Schedule(payload.TaskID, payload.AgentID, "completed", payload.Result)
	case bus.TaskFailedEvent:
		s.Schedule(payload.TaskID, payload.AgentID, "failed", payload.Error)
	}
}

// Schedule enqueues all three waves for a finished task, offset from now.
// Re-scheduling an already-queued task resets its pending waves.
func (s *Scheduler) Schedule(taskID, agentID, finalState, summary string) {
	now := s.now()
	waves := []struct {
		wave  Wave
		delay time.Duration
	}{
		{WaveImmediate, s.cfg.ImmediateDelay()},
		{WaveDelayed, s.cfg.DelayedDelay()},
		{WaveArchival, s.cfg.ArchivalDelay()},
	}

	s.mu.Lock()
	for _, w := range waves {
		s.seq++
		s.jobs[jobKey{taskID, w.wave}] = &job{
			taskID:      taskID,
			agentID:     agentID,
			finalState:  finalState,
			summary:     summary,
			wave:        w.wave,
			runAt:       now.Add(w.delay),
			completedAt: now,
			seq:         s.seq,
		}
	}
	s.mu.Unlock()

	slog.Debug("cleanup waves scheduled", "task_id", taskID, "waves", len(waves))
	s.bus.Publish(bus.TopicCleanupScheduled, bus.CleanupScheduledEvent{TaskID: taskID, Waves: len(waves)})
}

// sweep runs every job whose time has come, in enqueue order within the tick.
func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.runAt.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, k int) bool { return due[i].seq < due[k].seq })

	for _, j := range due {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, j)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	err := s.runWave(ctx, j)
	if err == nil {
		s.mu.Lock()
		delete(s.jobs, jobKey{j.taskID, j.wave})
		s.mu.Unlock()

		slog.Debug("cleanup wave done", "task_id", j.taskID, "wave", string(j.wave))
		s.bus.Publish(bus.TopicCleanupCompleted, bus.CleanupCompletedEvent{TaskID: j.taskID, Wave: string(j.wave)})
		if s.metrics != nil {
			s.metrics.CleanupJobs.Add(ctx, 1)
		}
		return
	}

	s.recordError()
	if j.retries < s.cfg.MaxRetries {
		s.mu.Lock()
		j.retries++
		j.runAt = s.now().Add(s.cfg.RetryDelay())
		s.mu.Unlock()

		slog.Warn("cleanup wave failed, retry scheduled",
			"task_id", j.taskID, "wave", string(j.wave), "attempt", j.retries, "error", err)
		if s.metrics != nil {
			s.metrics.CleanupRetries.Add(ctx, 1)
		}
		return
	}

	s.mu.Lock()
	delete(s.jobs, jobKey{j.taskID, j.wave})
	s.mu.Unlock()

	slog.Error("cleanup wave abandoned after retries",
		"task_id", j.taskID, "wave", string(j.wave), "retries", j.retries, "error", err)
	audit.Record("fail", "cleanup."+string(j.wave), err.Error(), j.taskID)
	s.bus.Publish(bus.TopicCleanupFailed, bus.CleanupFailedEvent{
		TaskID:  j.taskID,
		Wave:    string(j.wave),
		Retries: j.retries,
		Error:   err.Error(),
	})
	if s.metrics != nil {
		s.metrics.CleanupFailures.Add(ctx, 1)
	}
}

// recordError bumps the running error count and raises the high-error-rate
// alert once the threshold is crossed.
func (s *Scheduler) recordError() {
	s.mu.Lock()
	s.errorCount++
	count := s.errorCount
	crossed := count > s.cfg.HighErrorThreshold && !s.alerted
	if crossed {
		s.alerted = true
	}
	s.mu.Unlock()

	if crossed {
		slog.Error("cleanup error rate exceeded threshold", "error_count", count, "threshold", s.cfg.HighErrorThreshold)
		s.bus.Publish(bus.TopicCleanupHighErrorRate, bus.HighErrorRateEvent{ErrorCount: count})
	}
}

// ErrorCount returns the accumulated cleanup error count.
func (s *Scheduler) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

// PendingJobs returns how many waves are queued.
func (s *Scheduler) PendingJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// ForceCleanup runs the requested wave for the task right now, skipping the
// delays; WaveAll runs all three in order. Scheduled jobs stay queued: the
// steps are idempotent, so the timed run firing later is harmless. Used by
// operators to reclaim a task's footprint ahead of schedule.
func (s *Scheduler) ForceCleanup(ctx context.Context, taskID string, wave Wave) error {
	if wave == "" {
		wave = WaveAll
	}
	var waves []Wave
	switch wave {
	case WaveImmediate, WaveDelayed, WaveArchival:
		waves = []Wave{wave}
	case WaveAll:
		waves = []Wave{WaveImmediate, WaveDelayed, WaveArchival}
	default:
		return fmt.Errorf("unknown cleanup wave %q", wave)
	}

	base := job{taskID: taskID, finalState: "completed", completedAt: s.now()}
	s.mu.Lock()
	for _, w := range []Wave{WaveImmediate, WaveDelayed, WaveArchival} {
		if j, ok := s.jobs[jobKey{taskID, w}]; ok {
			base = *j
			break
		}
	}
	s.mu.Unlock()

	audit.Record("ok", "cleanup.force", string(wave), taskID)
	for _, w := range waves {
		j := base
		j.wave = w
		if err := s.runWave(ctx, &j); err != nil {
			return fmt.Errorf("force cleanup wave %s: %w", w, err)
		}
	}
	return nil
}
