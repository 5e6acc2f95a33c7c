package persistence

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// TaskRecord is the durable row behind an in-flight or finished task.
type TaskRecord struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Status      TaskStatus `json:"status"`
	Payload     string     `json:"payload"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Duration    time.Duration
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// compressedPrefix marks a result column holding gzip+base64 data.
const compressedPrefix = "gzip:"

// UpsertProcessing records that a task has entered background execution.
func (s *Store) UpsertProcessing(ctx context.Context, taskID, agentID, payload string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, agent_id, status, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				agent_id = excluded.agent_id,
				status = excluded.status,
				payload = excluded.payload,
				updated_at = CURRENT_TIMESTAMP;
		`, taskID, agentID, TaskStatusProcessing, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert processing task: %w", err)
	}
	return nil
}

// MarkCompleted records a terminal success.
func (s *Store) MarkCompleted(ctx context.Context, taskID, result string, duration time.Duration) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, result = ?, duration_ms = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, TaskStatusCompleted, result, duration.Milliseconds(), taskID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure.
func (s *Store) MarkFailed(ctx context.Context, taskID, errMsg string, duration time.Duration) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error = ?, duration_ms = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, TaskStatusFailed, errMsg, duration.Milliseconds(), taskID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	return nil
}

// MarkStatus sets the task status without touching result or error. The
// immediate cleanup wave uses it to settle a task record as "completed";
// a missing row is not an error so repeated cleanup stays idempotent.
func (s *Store) MarkStatus(ctx context.Context, taskID string, status TaskStatus) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, taskID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark task status: %w", err)
	}
	return nil
}

// GetTask returns the task record, or nil if unknown.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var rec TaskRecord
	var completedAt sql.NullTime
	var durationMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, status, payload, result, error, duration_ms, completed_at, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, taskID).Scan(
		&rec.ID, &rec.AgentID, &rec.Status, &rec.Payload, &rec.Result, &rec.Error,
		&durationMS, &completedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if strings.HasPrefix(rec.Result, compressedPrefix) {
		if plain, err := decompressResult(rec.Result); err == nil {
			rec.Result = plain
		}
	}
	return &rec, nil
}

// DeleteTask removes a task row. Missing rows are a no-op.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// CompactTask compresses the stored result for a finished task. Small or
// already-compressed results are left alone; missing rows are a no-op.
func (s *Store) CompactTask(ctx context.Context, taskID string) error {
	rec, err := s.rawResult(ctx, taskID)
	if err != nil {
		return err
	}
	if rec == "" || strings.HasPrefix(rec, compressedPrefix) || len(rec) < 256 {
		return nil
	}
	compressed, err := compressResult(rec)
	if err != nil {
		return fmt.Errorf("compress result: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET result = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, compressed, taskID)
		return err
	})
	if err != nil {
		return fmt.Errorf("store compacted result: %w", err)
	}
	return nil
}

// rawResult reads the result column without transparent decompression.
func (s *Store) rawResult(ctx context.Context, taskID string) (string, error) {
	var result string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM tasks WHERE id = ?;`, taskID).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read task result: %w", err)
	}
	return result, nil
}

// IncrementCounter bumps a named stat counter in the KV table and returns the
// new value. The delayed cleanup wave uses it for completion metrics.
func (s *Store) IncrementCounter(ctx context.Context, name string) (int64, error) {
	var val int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin counter tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, "counter:"+name).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read counter: %w", err)
		}
		val = 0
		if current.Valid {
			fmt.Sscanf(current.String, "%d", &val)
		}
		val++
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, "counter:"+name, fmt.Sprintf("%d", val)); err != nil {
			return fmt.Errorf("write counter: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return val, nil
}

func compressResult(plain string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(plain)); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return compressedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decompressResult(stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, compressedPrefix))
	if err != nil {
		return "", err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
