// Package gormstore implements state.Store on MySQL through gorm, for
// deployments where several hosts share one task database.
package gormstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

type taskRow struct {
	TaskID       string     `gorm:"column:task_id;type:varchar(64);primaryKey"`
	UserID       string     `gorm:"column:user_id;type:varchar(128);not null;index"`
	WorkflowID   string     `gorm:"column:workflow_id;type:varchar(128);not null;index"`
	Description  string     `gorm:"column:description;type:text;not null"`
	Status       string     `gorm:"column:status;type:varchar(20);not null;index"`
	AssignedTo   string     `gorm:"column:assigned_to;type:varchar(128)"`
	CreatedAt    time.Time  `gorm:"column:created_at;type:datetime(6);not null"`
	StartTime    *time.Time `gorm:"column:start_time;type:datetime(6)"`
	EndTime      *time.Time `gorm:"column:end_time;type:datetime(6)"`
	Output       string     `gorm:"column:output;type:longtext"`
	ErrorMessage string     `gorm:"column:error_message;type:text"`
	RetryCount   int        `gorm:"column:retry_count;not null;default:0"`
}

func (taskRow) TableName() string { return "tasks" }

type historyRow struct {
	TaskID       string     `gorm:"column:task_id;type:varchar(64);primaryKey"`
	ArchivedAt   time.Time  `gorm:"column:archived_at;type:datetime(6);primaryKey;index"`
	UserID       string     `gorm:"column:user_id;type:varchar(128);not null;index"`
	WorkflowID   string     `gorm:"column:workflow_id;type:varchar(128);not null"`
	Description  string     `gorm:"column:description;type:text;not null"`
	Status       string     `gorm:"column:status;type:varchar(20);not null"`
	AssignedTo   string     `gorm:"column:assigned_to;type:varchar(128)"`
	CreatedAt    time.Time  `gorm:"column:created_at;type:datetime(6);not null"`
	StartTime    *time.Time `gorm:"column:start_time;type:datetime(6)"`
	EndTime      *time.Time `gorm:"column:end_time;type:datetime(6)"`
	Output       string     `gorm:"column:output;type:longtext"`
	ErrorMessage string     `gorm:"column:error_message;type:text"`
	RetryCount   int        `gorm:"column:retry_count;not null;default:0"`
}

func (historyRow) TableName() string { return "task_history" }

type runRow struct {
	WorkflowID      string     `gorm:"column:workflow_id;type:varchar(128);primaryKey"`
	UserID          string     `gorm:"column:user_id;type:varchar(128);not null"`
	StartTime       time.Time  `gorm:"column:start_time;type:datetime(6);not null"`
	DurationMinutes int        `gorm:"column:duration_minutes;not null"`
	Deadline        time.Time  `gorm:"column:deadline;type:datetime(6);not null"`
	Status          string     `gorm:"column:status;type:varchar(20);not null;index"`
	Phase           string     `gorm:"column:phase;type:varchar(20);not null"`
	MainAgentID     string     `gorm:"column:main_agent_id;type:varchar(160)"`
	EndTime         *time.Time `gorm:"column:end_time;type:datetime(6)"`
}

func (runRow) TableName() string { return "workflow_runs" }

type agentStateRow struct {
	WorkflowID string    `gorm:"column:workflow_id;type:varchar(128);primaryKey"`
	AgentID    string    `gorm:"column:agent_id;type:varchar(160);primaryKey"`
	StateKey   string    `gorm:"column:state_key;type:varchar(128);primaryKey"`
	StateValue string    `gorm:"column:state_value;type:json;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;type:datetime(6);not null"`
}

func (agentStateRow) TableName() string { return "agent_state" }

// Store is a state.Store backed by MySQL.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ state.Store = (*Store)(nil)

// Open connects to MySQL. The DSN must enable parseTime.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&taskRow{}, &runRow{}, &agentStateRow{}, &historyRow{}); err != nil {
		return fmt.Errorf("migrate mysql schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toTask(r taskRow) models.Task {
	return models.Task{
		ID:          r.TaskID,
		UserID:      r.UserID,
		RunID:       r.WorkflowID,
		Description: r.Description,
		Status:      models.TaskStatus(r.Status),
		AssignedTo:  r.AssignedTo,
		CreatedAt:   r.CreatedAt,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Output:      r.Output,
		Error:       r.ErrorMessage,
		RetryCount:  r.RetryCount,
	}
}

func fromTask(t *models.Task) taskRow {
	return taskRow{
		TaskID:       t.ID,
		UserID:       t.UserID,
		WorkflowID:   t.RunID,
		Description:  t.Description,
		Status:       string(t.Status),
		AssignedTo:   t.AssignedTo,
		CreatedAt:    t.CreatedAt,
		StartTime:    t.StartTime,
		EndTime:      t.EndTime,
		Output:       t.Output,
		ErrorMessage: t.Error,
		RetryCount:   t.RetryCount,
	}
}

func toRun(r runRow) models.WorkflowRun {
	return models.WorkflowRun{
		ID:              r.WorkflowID,
		UserID:          r.UserID,
		StartTime:       r.StartTime,
		DurationMinutes: r.DurationMinutes,
		Deadline:        r.Deadline,
		Status:          models.RunStatus(r.Status),
		Phase:           models.Phase(r.Phase),
		MainAgentID:     r.MainAgentID,
		EndTime:         r.EndTime,
	}
}

// lockTask loads a task row FOR UPDATE inside tx.
func lockTask(tx *gorm.DB, id string) (*taskRow, error) {
	var row taskRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("task_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CreateTask inserts a new task with the same defaults as the SQLite store.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
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
		t.CreatedAt = s.now().UTC()
	}
	row := fromTask(t)
	err := s.db.WithContext(ctx).Create(&row).Error
	if isDuplicate(err) {
		return fmt.Errorf("create task %s: %w", t.ID, models.ErrDuplicateID)
	}
	return wrapErr("create task", err)
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("task_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get task", err)
	}
	t := toTask(row)
	return &t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	q := s.db.WithContext(ctx).Model(&taskRow{})
	if filter.RunID != "" {
		q = q.Where("workflow_id = ?", filter.RunID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	var rows []taskRow
	if err := q.Order("created_at DESC").Order("task_id").Find(&rows).Error; err != nil {
		return nil, wrapErr("list tasks", err)
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, toTask(r))
	}
	return tasks, nil
}

// UpdateTaskStatus applies the same transition rules as state.DB.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, upd models.TaskUpdate) (*models.Task, error) {
	var updated models.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockTask(tx, id)
		if err != nil {
			return err
		}
		cur := models.TaskStatus(row.Status)
		if !cur.CanTransition(status) {
			return fmt.Errorf("task %s %s -> %s: %w", id, cur, status, models.ErrInvalidTransition)
		}
		if cur == status && status.IsTerminal() {
			updated = toTask(*row)
			return nil
		}

		now := s.now().UTC()
		changes := map[string]any{"status": string(status)}
		if upd.Assignee != "" {
			changes["assigned_to"] = upd.Assignee
		}
		if upd.Output != "" {
			changes["output"] = upd.Output
		}
		if upd.Error != "" {
			changes["error_message"] = upd.Error
		}
		if cur != status {
			if status == models.TaskStatusInProgress {
				changes["start_time"] = now
			}
			if status.IsTerminal() {
				changes["end_time"] = now
			}
		}
		if err := tx.Model(&taskRow{}).Where("task_id = ?", id).Updates(changes).Error; err != nil {
			return err
		}
		row, err = lockTask(tx, id)
		if err != nil {
			return err
		}
		updated = toTask(*row)
		return nil
	})
	if err != nil {
		return nil, wrapErr("update task status", err)
	}
	return &updated, nil
}

// ReassignTaskRun claims an unassigned task for runID.
func (s *Store) ReassignTaskRun(ctx context.Context, id, runID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockTask(tx, id)
		if err != nil {
			return err
		}
		if row.WorkflowID == runID {
			return nil
		}
		if row.WorkflowID != models.UnassignedRunID {
			return fmt.Errorf("task %s belongs to run %s: %w", id, row.WorkflowID, models.ErrInvalidTransition)
		}
		return tx.Model(&taskRow{}).Where("task_id = ?", id).Update("workflow_id", runID).Error
	})
	return wrapErr("reassign task", err)
}

// DeleteTask removes a task that is still pending.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockTask(tx, id)
		if err != nil {
			return err
		}
		if models.TaskStatus(row.Status) != models.TaskStatusPending {
			return fmt.Errorf("task %s is %s: %w", id, row.Status, models.ErrInvalidTransition)
		}
		return tx.Where("task_id = ?", id).Delete(&taskRow{}).Error
	})
	return wrapErr("delete task", err)
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, r *models.WorkflowRun) error {
	if r.ID == "" {
		return fmt.Errorf("create run: empty id")
	}
	if r.Status == "" {
		r.Status = models.RunStatusRunning
	}
	if r.Phase == "" {
		r.Phase = models.PhaseInit
	}
	row := runRow{
		WorkflowID:      r.ID,
		UserID:          r.UserID,
		StartTime:       r.StartTime.UTC(),
		DurationMinutes: r.DurationMinutes,
		Deadline:        r.Deadline.UTC(),
		Status:          string(r.Status),
		Phase:           string(r.Phase),
		MainAgentID:     r.MainAgentID,
		EndTime:         r.EndTime,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if isDuplicate(err) {
		return fmt.Errorf("create run %s: %w", r.ID, models.ErrDuplicateID)
	}
	return wrapErr("create run", err)
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	var row runRow
	err := s.db.WithContext(ctx).Where("workflow_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get run %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get run", err)
	}
	r := toRun(row)
	return &r, nil
}

// ListRuns lists runs newest first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status models.RunStatus) ([]models.WorkflowRun, error) {
	q := s.db.WithContext(ctx).Model(&runRow{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []runRow
	if err := q.Order("start_time DESC").Find(&rows).Error; err != nil {
		return nil, wrapErr("list runs", err)
	}
	runs := make([]models.WorkflowRun, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, toRun(r))
	}
	return runs, nil
}

// UpdateRunStatus sets the run status and, when non-nil, its end time.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, endTime *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("update run status: unknown status %q", status)
	}
	changes := map[string]any{"status": string(status)}
	if endTime != nil {
		changes["end_time"] = endTime.UTC()
	}
	res := s.db.WithContext(ctx).Model(&runRow{}).Where("workflow_id = ?", id).Updates(changes)
	if res.Error != nil {
		return wrapErr("update run status", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRunPhase records the last committed phase, forward only.
func (s *Store) UpdateRunPhase(ctx context.Context, id string, phase models.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("update run phase: unknown phase %q", phase)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row runRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("workflow_id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("run %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !models.Phase(row.Phase).Before(phase) {
			return nil
		}
		return tx.Model(&runRow{}).Where("workflow_id = ?", id).Update("phase", string(phase)).Error
	})
	return wrapErr("update run phase", err)
}

// ArchiveRun moves the run's tasks into history and completes the run.
func (s *Store) ArchiveRun(ctx context.Context, runID string) (int, error) {
	var archived int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run runRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("workflow_id = ?", runID).Take(&run).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var rows []taskRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("workflow_id = ?", runID).Find(&rows).Error; err != nil {
			return err
		}

		now := s.now().UTC()
		if len(rows) > 0 {
			history := make([]historyRow, 0, len(rows))
			for _, r := range rows {
				history = append(history, historyRow{
					TaskID:       r.TaskID,
					ArchivedAt:   now,
					UserID:       r.UserID,
					WorkflowID:   r.WorkflowID,
					Description:  r.Description,
					Status:       r.Status,
					AssignedTo:   r.AssignedTo,
					CreatedAt:    r.CreatedAt,
					StartTime:    r.StartTime,
					EndTime:      r.EndTime,
					Output:       r.Output,
					ErrorMessage: r.ErrorMessage,
					RetryCount:   r.RetryCount,
				})
			}
			if err := tx.Create(&history).Error; err != nil {
				return fmt.Errorf("copy to history: %w", err)
			}
			if err := tx.Where("workflow_id = ?", runID).Delete(&taskRow{}).Error; err != nil {
				return fmt.Errorf("delete archived tasks: %w", err)
			}
		}

		changes := map[string]any{"status": string(models.RunStatusCompleted)}
		if run.EndTime == nil {
			changes["end_time"] = now
		}
		if err := tx.Model(&runRow{}).Where("workflow_id = ?", runID).Updates(changes).Error; err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		archived = len(rows)
		return nil
	})
	if err != nil {
		return 0, wrapErr("archive run", err)
	}
	return archived, nil
}

// GetHistory returns tasks archived within the last sinceDays days.
func (s *Store) GetHistory(ctx context.Context, userID string, sinceDays int) ([]models.TaskHistory, error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	cutoff := s.now().UTC().Add(-time.Duration(sinceDays) * 24 * time.Hour)
	q := s.db.WithContext(ctx).Model(&historyRow{}).Where("archived_at >= ?", cutoff)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var rows []historyRow
	if err := q.Order("archived_at DESC").Order("task_id").Find(&rows).Error; err != nil {
		return nil, wrapErr("get history", err)
	}
	out := make([]models.TaskHistory, 0, len(rows))
	for _, r := range rows {
		tr := taskRow{
			TaskID:       r.TaskID,
			UserID:       r.UserID,
			WorkflowID:   r.WorkflowID,
			Description:  r.Description,
			Status:       r.Status,
			AssignedTo:   r.AssignedTo,
			CreatedAt:    r.CreatedAt,
			StartTime:    r.StartTime,
			EndTime:      r.EndTime,
			Output:       r.Output,
			ErrorMessage: r.ErrorMessage,
			RetryCount:   r.RetryCount,
		}
		out = append(out, models.TaskHistory{Task: toTask(tr), ArchivedAt: r.ArchivedAt})
	}
	return out, nil
}

// SetAgentState upserts a note.
func (s *Store) SetAgentState(ctx context.Context, st models.AgentState) error {
	if st.RunID == "" || st.AgentID == "" || st.Key == "" {
		return fmt.Errorf("set agent state: run, agent and key are required")
	}
	value := string(st.Value)
	if value == "" {
		value = "null"
	}
	row := agentStateRow{
		WorkflowID: st.RunID,
		AgentID:    st.AgentID,
		StateKey:   st.Key,
		StateValue: value,
		UpdatedAt:  s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoUpdates: clause.AssignmentColumns([]string{"state_value", "updated_at"}),
	}).Create(&row).Error
	return wrapErr("set agent state", err)
}

// GetAgentState returns a single note.
func (s *Store) GetAgentState(ctx context.Context, runID, agentID, key string) (*models.AgentState, error) {
	var row agentStateRow
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND agent_id = ? AND state_key = ?", runID, agentID, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent state %s/%s/%s: %w", runID, agentID, key, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get agent state", err)
	}
	st := toAgentState(row)
	return &st, nil
}

// ListAgentState returns every note recorded for a run.
func (s *Store) ListAgentState(ctx context.Context, runID string) ([]models.AgentState, error) {
	var rows []agentStateRow
	err := s.db.WithContext(ctx).Where("workflow_id = ?", runID).
		Order("agent_id").Order("state_key").Find(&rows).Error
	if err != nil {
		return nil, wrapErr("list agent state", err)
	}
	out := make([]models.AgentState, 0, len(rows))
	for _, r := range rows {
		out = append(out, toAgentState(r))
	}
	return out, nil
}

func toAgentState(r agentStateRow) models.AgentState {
	return models.AgentState{
		RunID:     r.WorkflowID,
		AgentID:   r.AgentID,
		Key:       r.StateKey,
		Value:     []byte(r.StateValue),
		UpdatedAt: r.UpdatedAt,
	}
}

// MySQL error numbers treated specially.
const (
	erDupEntry        = 1062
	erLockWaitTimeout = 1205
	erLockDeadlock    = 1213
)

func isDuplicate(err error) bool {
	var me *gomysql.MySQLError
	return errors.As(err, &me) && me.Number == erDupEntry
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrDuplicateID) ||
		errors.Is(err, models.ErrInvalidTransition) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &state.StoreError{Op: op, Err: err, Retryable: isTransient(err)}
}

func isTransient(err error) bool {
	var me *gomysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == erLockDeadlock || me.Number == erLockWaitTimeout
	}
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, gomysql.ErrInvalidConn)
}
