package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

const taskColumns = `task_id, user_id, workflow_id, description, status, assigned_to,
	created_at, start_time, end_time, output, error_message, retry_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var createdAt string
	var assignedTo, startTime, endTime, output, errMsg sql.NullString
	if err := s.Scan(&t.ID, &t.UserID, &t.RunID, &t.Description, &t.Status, &assignedTo,
		&createdAt, &startTime, &endTime, &output, &errMsg, &t.RetryCount); err != nil {
		return nil, err
	}
	t.AssignedTo = assignedTo.String
	t.Output = output.String
	t.Error = errMsg.String
	t.CreatedAt, _ = parseTime(createdAt)
	t.StartTime = parseNullableTime(startTime)
	t.EndTime = parseNullableTime(endTime)
	return &t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*models.Task, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE task_id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return t, err
}

// CreateTask inserts a new task. Status defaults to generated, the run to
// models.UnassignedRunID and CreatedAt to now.
func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		return fmt.Errorf("create task: empty id")
	}
	if t.Status == "" {
		t.Status = models.TaskStatusGenerated
	}
	if !t.Status.Valid() {
		return fmt.Errorf("create task: unknown status %q", t.Status)
	}
	if t.RunID == "" {
		t.RunID = models.UnassignedRunID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = db.now()
	}

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE task_id = ?", t.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("task %s: %w", t.ID, models.ErrDuplicateID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.UserID, t.RunID, t.Description, string(t.Status), nullableString(t.AssignedTo),
			formatTime(t.CreatedAt), nullableTime(t.StartTime), nullableTime(t.EndTime),
			nullableString(t.Output), nullableString(t.Error), t.RetryCount)
		return err
	})
	return wrapErr("create task", err)
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE task_id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get task", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (db *DB) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	var where []string
	var args []any
	if filter.RunID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, task_id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapErr("scan task", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list tasks", err)
	}
	return tasks, nil
}

// UpdateTaskStatus moves a task to status and applies the non-empty fields
// of upd. Entering in_progress stamps StartTime; entering completed or
// failed stamps EndTime. Re-applying a terminal status is a no-op.
// Backward moves, and terminal moves that skip in_progress, fail with
// models.ErrInvalidTransition.
func (db *DB) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, upd models.TaskUpdate) (*models.Task, error) {
	var updated *models.Task
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		cur, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.Status.CanTransition(status) {
			return fmt.Errorf("task %s %s -> %s: %w", id, cur.Status, status, models.ErrInvalidTransition)
		}
		if cur.Status == status && status.IsTerminal() {
			updated = cur
			return nil
		}

		now := db.now()
		next := *cur
		next.Status = status
		if upd.Assignee != "" {
			next.AssignedTo = upd.Assignee
		}
		if upd.Output != "" {
			next.Output = upd.Output
		}
		if upd.Error != "" {
			next.Error = upd.Error
		}
		if cur.Status != status {
			if status == models.TaskStatusInProgress {
				next.StartTime = &now
			}
			if status.IsTerminal() {
				next.EndTime = &now
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assigned_to = ?, start_time = ?, end_time = ?,
				output = ?, error_message = ?
			WHERE task_id = ?
		`, string(next.Status), nullableString(next.AssignedTo), nullableTime(next.StartTime),
			nullableTime(next.EndTime), nullableString(next.Output), nullableString(next.Error), id)
		if err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, wrapErr("update task status", err)
	}
	return updated, nil
}

// ReassignTaskRun claims an unassigned task for runID. Claiming a task the
// run already owns is a no-op; claiming one owned by another run fails.
func (db *DB) ReassignTaskRun(ctx context.Context, id, runID string) error {
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		cur, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.RunID == runID {
			return nil
		}
		if cur.RunID != models.UnassignedRunID {
			return fmt.Errorf("task %s belongs to run %s: %w", id, cur.RunID, models.ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, "UPDATE tasks SET workflow_id = ? WHERE task_id = ?", runID, id)
		return err
	})
	return wrapErr("reassign task", err)
}

// DeleteTask removes a task that is still pending.
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		cur, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != models.TaskStatusPending {
			return fmt.Errorf("task %s is %s: %w", id, cur.Status, models.ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM tasks WHERE task_id = ?", id)
		return err
	})
	return wrapErr("delete task", err)
}
