package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

// ArchiveRun moves every task of the run into task_history and marks the
// run completed. A second call archives nothing and returns 0.
func (db *DB) ArchiveRun(ctx context.Context, runID string) (int, error) {
	var archived int
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_runs WHERE workflow_id = ?", runID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
		}

		now := formatTime(db.now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (`+taskColumns+`, archived_at)
			SELECT `+taskColumns+`, ? FROM tasks WHERE workflow_id = ?
		`, now, runID)
		if err != nil {
			return fmt.Errorf("copy to history: %w", err)
		}
		copied, err := res.RowsAffected()
		if err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, "DELETE FROM tasks WHERE workflow_id = ?", runID)
		if err != nil {
			return fmt.Errorf("delete archived tasks: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if deleted != copied {
			return fmt.Errorf("archived %d tasks but deleted %d", copied, deleted)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE workflow_runs SET status = ?, end_time = COALESCE(end_time, ?)
			WHERE workflow_id = ?
		`, string(models.RunStatusCompleted), now, runID)
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}

		archived = int(copied)
		return nil
	})
	if err != nil {
		return 0, wrapErr("archive run", err)
	}
	return archived, nil
}

// GetHistory returns tasks archived for userID within the last sinceDays
// days, newest archival first. An empty userID matches every user.
func (db *DB) GetHistory(ctx context.Context, userID string, sinceDays int) ([]models.TaskHistory, error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	cutoff := formatTime(db.now().Add(-time.Duration(sinceDays) * 24 * time.Hour))

	query := "SELECT " + taskColumns + ", archived_at FROM task_history WHERE archived_at >= ?"
	args := []any{cutoff}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY archived_at DESC, task_id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("get history", err)
	}
	defer rows.Close()

	var history []models.TaskHistory
	for rows.Next() {
		var h models.TaskHistory
		var createdAt, archivedAt string
		var assignedTo, startTime, endTime, output, errMsg sql.NullString
		if err := rows.Scan(&h.ID, &h.UserID, &h.RunID, &h.Description, &h.Status, &assignedTo,
			&createdAt, &startTime, &endTime, &output, &errMsg, &h.RetryCount, &archivedAt); err != nil {
			return nil, wrapErr("scan history", err)
		}
		h.AssignedTo = assignedTo.String
		h.Output = output.String
		h.Error = errMsg.String
		h.CreatedAt, _ = parseTime(createdAt)
		h.StartTime = parseNullableTime(startTime)
		h.EndTime = parseNullableTime(endTime)
		h.ArchivedAt, _ = parseTime(archivedAt)
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("get history", err)
	}
	return history, nil
}

// SetAgentState upserts a note. The latest write wins.
func (db *DB) SetAgentState(ctx context.Context, st models.AgentState) error {
	if st.RunID == "" || st.AgentID == "" || st.Key == "" {
		return fmt.Errorf("set agent state: run, agent and key are required")
	}
	value := string(st.Value)
	if value == "" {
		value = "null"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO agent_state (workflow_id, agent_id, state_key, state_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, agent_id, state_key)
		DO UPDATE SET state_value = excluded.state_value, updated_at = excluded.updated_at
	`, st.RunID, st.AgentID, st.Key, value, formatTime(db.now()))
	return wrapErr("set agent state", err)
}

// GetAgentState returns a single note.
func (db *DB) GetAgentState(ctx context.Context, runID, agentID, key string) (*models.AgentState, error) {
	row := db.QueryRowContext(ctx, `
		SELECT workflow_id, agent_id, state_key, state_value, updated_at
		FROM agent_state WHERE workflow_id = ? AND agent_id = ? AND state_key = ?
	`, runID, agentID, key)
	st, err := scanAgentState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent state %s/%s/%s: %w", runID, agentID, key, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get agent state", err)
	}
	return st, nil
}

// ListAgentState returns every note recorded for a run.
func (db *DB) ListAgentState(ctx context.Context, runID string) ([]models.AgentState, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT workflow_id, agent_id, state_key, state_value, updated_at
		FROM agent_state WHERE workflow_id = ? ORDER BY agent_id, state_key
	`, runID)
	if err != nil {
		return nil, wrapErr("list agent state", err)
	}
	defer rows.Close()

	var out []models.AgentState
	for rows.Next() {
		st, err := scanAgentState(rows)
		if err != nil {
			return nil, wrapErr("scan agent state", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanAgentState(s scanner) (*models.AgentState, error) {
	var st models.AgentState
	var value, updatedAt string
	if err := s.Scan(&st.RunID, &st.AgentID, &st.Key, &value, &updatedAt); err != nil {
		return nil, err
	}
	st.Value = []byte(value)
	st.UpdatedAt, _ = parseTime(updatedAt)
	return &st, nil
}
