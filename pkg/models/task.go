package models

import "time"

// UnassignedRunID is the run id carried by manually submitted tasks that
// no run has claimed yet.
const UnassignedRunID = "unassigned"

// DefaultUserID is used when a run or task names no user.
const DefaultUserID = "default_user"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusGenerated indicates the task was created but not yet queued.
	TaskStatusGenerated TaskStatus = "generated"
	// TaskStatusPending indicates the task is queued for execution.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates an executor has claimed the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task finished unsuccessfully.
	TaskStatusFailed TaskStatus = "failed"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusGenerated,
	TaskStatusPending,
	TaskStatusInProgress,
	TaskStatusCompleted,
	TaskStatusFailed,
}

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusGenerated, TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for completed and failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusGenerated:
		return 0
	case TaskStatusPending:
		return 1
	case TaskStatusInProgress:
		return 2
	case TaskStatusCompleted, TaskStatusFailed:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether a task in status s may move to next.
//
// The machine is generated -> pending -> in_progress -> {completed|failed}.
// Non-terminal moves advance exactly one step; a terminal status can only
// be reached from in_progress. Re-applying the current status is allowed
// so callers can retry an update safely.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return s == TaskStatusInProgress
	}
	return next.rank() == s.rank()+1
}

// Task represents a unit of work tracked through a run.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"task_id"`
	// UserID is the owner of the task.
	UserID string `json:"user_id"`
	// RunID is the run that owns the task, or UnassignedRunID.
	RunID string `json:"workflow_id"`
	// Description is the free-text objective handed to the executor.
	Description string `json:"description"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// AssignedTo is the ID of the executor working on this task.
	AssignedTo string `json:"assigned_to,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartTime is set when the task enters in_progress.
	StartTime *time.Time `json:"start_time,omitempty"`
	// EndTime is set when the task reaches a terminal status.
	EndTime *time.Time `json:"end_time,omitempty"`
	// Output is the executor's result text.
	Output string `json:"output,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error_message,omitempty"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count"`
}

// Duration returns how long the task ran, or zero if it has not finished.
func (t *Task) Duration() time.Duration {
	if t.StartTime == nil || t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(*t.StartTime)
}

// TaskUpdate carries the optional fields applied alongside a status change.
// Empty strings leave the stored value unchanged.
type TaskUpdate struct {
	Assignee string
	Output   string
	Error    string
}

// TaskFilter narrows a task listing. Zero fields match everything.
type TaskFilter struct {
	RunID  string
	UserID string
	Status TaskStatus
}

// TaskHistory is the archived copy of a task.
type TaskHistory struct {
	Task
	// ArchivedAt is when the run holding the task was archived.
	ArchivedAt time.Time `json:"archived_at"`
}

// StatusCounts tallies tasks by status.
type StatusCounts map[TaskStatus]int

// CountByStatus tallies the given tasks.
func CountByStatus(tasks []Task) StatusCounts {
	counts := make(StatusCounts, len(AllTaskStatuses))
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts
}
