package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	TaskStatusPending = "PENDING"
	TaskStatusDone    = "DONE"
	TaskStatusFailed  = "FAILED"
)

// ErrTaskNotFound indicates the scheduled task does not exist.
var ErrTaskNotFound = errors.New("scheduled task not found")

// ScheduledTask is a unit of delayed work. DueAt is unix milliseconds.
type ScheduledTask struct {
	ID        int64          `db:"id"`
	Kind      string         `db:"kind"`
	RefID     int64          `db:"ref_id"`
	DueAt     int64          `db:"due_at"`
	Attempts  int            `db:"attempts"`
	Status    string         `db:"status"`
	LastError sql.NullString `db:"last_error"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (t ScheduledTask) Due() time.Time {
	return time.UnixMilli(t.DueAt)
}

const taskColumns = `id, kind, ref_id, due_at, attempts, status, last_error, created_at, updated_at`

// ScheduleTask persists a task that becomes due at dueAt.
func (q *Queries) ScheduleTask(ctx context.Context, kind string, refID int64, dueAt time.Time) (int64, error) {
	result, err := q.q.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (kind, ref_id, due_at, status) VALUES (?, ?, ?, 'PENDING')
	`, kind, refID, dueAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("scheduling task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting task id: %w", err)
	}
	return id, nil
}

// DueTasks returns pending tasks due at or before now, earliest first.
func (q *Queries) DueTasks(ctx context.Context, now time.Time, limit int) ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	err := q.q.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = 'PENDING' AND due_at <= ?
		ORDER BY due_at ASC, id ASC LIMIT ?
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	return tasks, nil
}

// ClaimTask counts an attempt and pushes due_at to leaseUntil, so a sweeper
// that dies mid-task leaves it due again later. The compare on due_at makes
// the claim exclusive between sweepers.
func (q *Queries) ClaimTask(ctx context.Context, t ScheduledTask, leaseUntil time.Time) (bool, error) {
	result, err := q.q.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET attempts = attempts + 1, due_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING' AND due_at = ?
	`, leaseUntil.UnixMilli(), t.ID, t.DueAt)
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// CompleteTask marks a task done.
func (q *Queries) CompleteTask(ctx context.Context, id int64) error {
	return q.finishTask(ctx, id, TaskStatusDone, "")
}

// FailTask marks a task permanently failed.
func (q *Queries) FailTask(ctx context.Context, id int64, reason string) error {
	return q.finishTask(ctx, id, TaskStatusFailed, reason)
}

func (q *Queries) finishTask(ctx context.Context, id int64, status, reason string) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, last_error = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, reason, id)
	if err != nil {
		return fmt.Errorf("finishing task: %w", err)
	}
	return nil
}

// RescheduleTask makes a task due again at dueAt after a failed attempt.
func (q *Queries) RescheduleTask(ctx context.Context, id int64, dueAt time.Time, reason string) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET due_at = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'
	`, dueAt.UnixMilli(), reason, id)
	if err != nil {
		return fmt.Errorf("rescheduling task: %w", err)
	}
	return nil
}

// GetTask returns a task by ID.
func (q *Queries) GetTask(ctx context.Context, id int64) (*ScheduledTask, error) {
	var t ScheduledTask
	err := q.q.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return &t, nil
}

// TasksFor returns every task of a kind referencing refID.
func (q *Queries) TasksFor(ctx context.Context, kind string, refID int64) ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	err := q.q.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+` FROM scheduled_tasks WHERE kind = ? AND ref_id = ? ORDER BY id
	`, kind, refID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	return tasks, nil
}
