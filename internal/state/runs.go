package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

const runColumns = `workflow_id, user_id, start_time, duration_minutes, deadline, status,
	phase, main_agent_id, end_time`

func scanRun(s scanner) (*models.WorkflowRun, error) {
	var r models.WorkflowRun
	var startTime, deadline string
	var endTime sql.NullString
	if err := s.Scan(&r.ID, &r.UserID, &startTime, &r.DurationMinutes, &deadline, &r.Status,
		&r.Phase, &r.MainAgentID, &endTime); err != nil {
		return nil, err
	}
	r.StartTime, _ = parseTime(startTime)
	r.Deadline, _ = parseTime(deadline)
	r.EndTime = parseNullableTime(endTime)
	return &r, nil
}

// CreateRun inserts a new run. The deadline is stored as given and never
// recomputed.
func (db *DB) CreateRun(ctx context.Context, r *models.WorkflowRun) error {
	if r.ID == "" {
		return fmt.Errorf("create run: empty id")
	}
	if r.Status == "" {
		r.Status = models.RunStatusRunning
	}
	if r.Phase == "" {
		r.Phase = models.PhaseInit
	}

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_runs WHERE workflow_id = ?", r.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("run %s: %w", r.ID, models.ErrDuplicateID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.UserID, formatTime(r.StartTime), r.DurationMinutes, formatTime(r.Deadline),
			string(r.Status), string(r.Phase), r.MainAgentID, nullableTime(r.EndTime))
		return err
	})
	return wrapErr("create run", err)
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	row := db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM workflow_runs WHERE workflow_id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get run", err)
	}
	return r, nil
}

// ListRuns lists runs newest first, optionally filtered by status.
func (db *DB) ListRuns(ctx context.Context, status models.RunStatus) ([]models.WorkflowRun, error) {
	var rows *sql.Rows
	var err error

	if status != "" {
		rows, err = db.QueryContext(ctx, "SELECT "+runColumns+" FROM workflow_runs WHERE status = ? ORDER BY start_time DESC", string(status))
	} else {
		rows, err = db.QueryContext(ctx, "SELECT "+runColumns+" FROM workflow_runs ORDER BY start_time DESC")
	}
	if err != nil {
		return nil, wrapErr("list runs", err)
	}
	defer rows.Close()

	var runs []models.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, wrapErr("scan run", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list runs", err)
	}
	return runs, nil
}

// UpdateRunStatus sets the run status and, when non-nil, its end time.
func (db *DB) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, endTime *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("update run status: unknown status %q", status)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, end_time = COALESCE(?, end_time) WHERE workflow_id = ?
	`, string(status), nullableTime(endTime), id)
	if err != nil {
		return wrapErr("update run status", err)
	}
	return requireRow(res, "update run status", id)
}

// UpdateRunPhase records the last committed phase. Phases only move
// forward; an older phase is ignored.
func (db *DB) UpdateRunPhase(ctx context.Context, id string, phase models.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("update run phase: unknown phase %q", phase)
	}
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, "SELECT phase FROM workflow_runs WHERE workflow_id = ?", id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !models.Phase(cur).Before(phase) {
			return nil
		}
		_, err = tx.ExecContext(ctx, "UPDATE workflow_runs SET phase = ? WHERE workflow_id = ?", string(phase), id)
		return err
	})
	return wrapErr("update run phase", err)
}

func requireRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, models.ErrNotFound)
	}
	return nil
}
