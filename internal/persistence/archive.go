package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ArchiveEntry is a row in the archive index for one year/month partition.
type ArchiveEntry struct {
	Partition  string    `json:"partition"`
	TaskID     string    `json:"task_id"`
	ArchivedAt time.Time `json:"archived_at"`
}

// PartitionFor returns the year/month partition key for a timestamp.
func PartitionFor(t time.Time) string {
	return t.UTC().Format("2006/01")
}

// ArchiveTask moves a task row into the cold store under the given partition
// and appends an index entry. A task that is absent from the active store
// (already archived, or never recorded) is a no-op so repeated archival
// cleanup stays idempotent.
func (s *Store) ArchiveTask(ctx context.Context, taskID, partition string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin archive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_archive (id, agent_id, partition, payload, result, completed_at, archived_at)
			SELECT id, agent_id, ?, payload, result, completed_at, CURRENT_TIMESTAMP
			FROM tasks WHERE id = ?;
		`, partition, taskID)
		if err != nil {
			return fmt.Errorf("copy task to archive: %w", err)
		}
		moved, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("archive rows affected: %w", err)
		}
		if moved == 0 {
			// Nothing in the active store; leave the archive untouched.
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID); err != nil {
			return fmt.Errorf("remove task from active store: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO archive_index (partition, task_id, archived_at)
			VALUES (?, ?, CURRENT_TIMESTAMP);
		`, partition, taskID); err != nil {
			return fmt.Errorf("append archive index: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("archive task %s: %w", taskID, err)
	}
	return nil
}

// GetArchivedTask returns an archived task record, or nil if absent.
func (s *Store) GetArchivedTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var rec TaskRecord
	var partition string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, partition, payload, result, archived_at
		FROM task_archive WHERE id = ?;
	`, taskID).Scan(&rec.ID, &rec.AgentID, &partition, &rec.Payload, &rec.Result, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archived task: %w", err)
	}
	rec.Status = TaskStatusCompleted
	return &rec, nil
}

// ListArchiveIndex returns index entries for one partition in archival order.
func (s *Store) ListArchiveIndex(ctx context.Context, partition string) ([]ArchiveEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition, task_id, archived_at
		FROM archive_index
		WHERE partition = ?
		ORDER BY archived_at ASC;
	`, partition)
	if err != nil {
		return nil, fmt.Errorf("list archive index: %w", err)
	}
	defer rows.Close()

	var out []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		if err := rows.Scan(&e.Partition, &e.TaskID, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan archive entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive index rows: %w", err)
	}
	return out, nil
}

// PruneArchive drops archive rows and index entries older than the cutoff.
// Returns the number of archived tasks removed.
func (s *Store) PruneArchive(ctx context.Context, olderThan time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin prune tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM task_archive WHERE archived_at < ?;`, olderThan.UTC())
		if err != nil {
			return fmt.Errorf("prune task_archive: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM archive_index WHERE archived_at < ?;`, olderThan.UTC()); err != nil {
			return fmt.Errorf("prune archive_index: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}
