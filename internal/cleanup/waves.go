package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/go-warden/internal/notify"
	"github.com/basket/go-warden/internal/persistence"
)

// runWave executes every step of one wave. Steps are independently caught so
// a failing step never blocks the others; the wave as a whole fails (and
// retries) when any step failed. All steps are idempotent, so a retried wave
// re-running its already-successful steps is harmless.
func (s *Scheduler) runWave(ctx context.Context, j *job) error {
	switch j.wave {
	case WaveImmediate:
		return s.runImmediate(ctx, j)
	case WaveDelayed:
		return s.runDelayed(ctx, j)
	case WaveArchival:
		return s.runArchival(ctx, j)
	default:
		return fmt.Errorf("unknown cleanup wave %q", j.wave)
	}
}

// runImmediate settles the task record, removes its temp artifacts, and sends
// the completion notification.
func (s *Scheduler) runImmediate(ctx context.Context, j *job) error {
	var errs []error

	if err := os.RemoveAll(s.tempDir(j.taskID)); err != nil {
		errs = append(errs, fmt.Errorf("remove temp artifacts: %w", err))
	}

	status := persistence.TaskStatusCompleted
	if j.finalState == "failed" {
		status = persistence.TaskStatusFailed
	}
	if err := s.store.MarkStatus(ctx, j.taskID, status); err != nil {
		errs = append(errs, fmt.Errorf("settle task record: %w", err))
	}

	if s.notifier != nil {
		s.notifier.Send(ctx, notify.Message{
			TaskID:  j.taskID,
			AgentID: j.agentID,
			Status:  j.finalState,
			Summary: j.summary,
		})
	}

	return errors.Join(errs...)
}

// runDelayed reclaims the task's working-memory footprint: per-task log file,
// the in-memory completed index entry, and the stored result is compacted.
func (s *Scheduler) runDelayed(ctx context.Context, j *job) error {
	var errs []error

	if err := os.Remove(s.taskLogPath(j.taskID)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("purge task log: %w", err))
	}

	if s.evictIndex != nil {
		s.evictIndex(j.taskID)
	}

	if err := s.store.CompactTask(ctx, j.taskID); err != nil {
		errs = append(errs, fmt.Errorf("compact result: %w", err))
	}

	if _, err := s.store.IncrementCounter(ctx, "tasks_cleaned"); err != nil {
		errs = append(errs, fmt.Errorf("bump cleaned counter: %w", err))
	}

	return errors.Join(errs...)
}

// runArchival moves the task row into the year/month cold store. A task that
// was already archived (or deleted) is a no-op.
func (s *Scheduler) runArchival(ctx context.Context, j *job) error {
	partition := persistence.PartitionFor(j.completedAt)
	if err := s.store.ArchiveTask(ctx, j.taskID, partition); err != nil {
		return err
	}
	slog.Debug("task archived", "task_id", j.taskID, "partition", partition)
	return nil
}

// tempDir is where a task's scratch artifacts live while it runs.
func (s *Scheduler) tempDir(taskID string) string {
	return filepath.Join(s.homeDir, "tmp", taskID)
}

// taskLogPath is the per-task log file the delayed wave purges.
func (s *Scheduler) taskLogPath(taskID string) string {
	return filepath.Join(s.homeDir, "logs", "tasks", taskID+".log")
}
