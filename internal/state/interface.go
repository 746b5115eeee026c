package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

// TaskStore handles task persistence and owns the task status machine.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, upd models.TaskUpdate) (*models.Task, error)
	ReassignTaskRun(ctx context.Context, id, runID string) error
	DeleteTask(ctx context.Context, id string) error
}

// RunStore handles workflow run persistence.
type RunStore interface {
	CreateRun(ctx context.Context, r *models.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	ListRuns(ctx context.Context, status models.RunStatus) ([]models.WorkflowRun, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, endTime *time.Time) error
	UpdateRunPhase(ctx context.Context, id string, phase models.Phase) error
}

// HistoryStore handles archival of finished runs.
type HistoryStore interface {
	// ArchiveRun copies every task of the run into history, removes them
	// from the live table and marks the run completed, all in one
	// transaction. It returns the number of tasks archived.
	ArchiveRun(ctx context.Context, runID string) (int, error)
	GetHistory(ctx context.Context, userID string, sinceDays int) ([]models.TaskHistory, error)
}

// AgentStateStore handles per-agent key/value notes.
type AgentStateStore interface {
	SetAgentState(ctx context.Context, st models.AgentState) error
	GetAgentState(ctx context.Context, runID, agentID, key string) (*models.AgentState, error)
	ListAgentState(ctx context.Context, runID string) ([]models.AgentState, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store is the full persistence contract used by the orchestrator,
// the capability registry and the HTTP surface.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	RunStore
	HistoryStore
	AgentStateStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store           = (*DB)(nil)
	_ TaskStore       = (*DB)(nil)
	_ RunStore        = (*DB)(nil)
	_ HistoryStore    = (*DB)(nil)
	_ AgentStateStore = (*DB)(nil)
)
