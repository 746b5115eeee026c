package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/daybreak/internal/sandbox"
	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// Capability names.
const (
	CreateTask       = "create_task"
	UpdateTaskStatus = "update_task_status"
	QueryTasks       = "query_tasks"
	QueryHistory     = "query_history"
	GetCurrentTime   = "get_current_time"
	LogMessage       = "log_message"
	RunIsolated      = "run_isolated"
)

// Role subsets.
var (
	GeneratorSet = []string{CreateTask, QueryTasks, QueryHistory, GetCurrentTime, LogMessage}
	ExecutorSet  = []string{UpdateTaskStatus, QueryHistory, GetCurrentTime, LogMessage, RunIsolated}
	ReporterSet  = []string{QueryTasks, GetCurrentTime, LogMessage}
)

// maxHistoryResults caps query_history output.
const maxHistoryResults = 50

// NewTaskID returns a system-generated task id of the form task_<8 hex>.
func NewTaskID() string {
	return "task_" + uuid.New().String()[:8]
}

// Builtins returns the registry of standard capabilities over store.
// run_isolated is registered only when runner is non-nil.
func Builtins(store state.Store, runner sandbox.Runner) *Registry {
	caps := []Capability{
		createTaskCapability(store),
		updateTaskStatusCapability(store),
		queryTasksCapability(store),
		queryHistoryCapability(store),
		getCurrentTimeCapability(),
		logMessageCapability(),
	}
	if runner != nil {
		caps = append(caps, runIsolatedCapability(runner))
	}
	return NewRegistry(caps...)
}

type createTaskInput struct {
	Description string `json:"description" validate:"required,min=3,max=2000"`
}

func createTaskCapability(store state.TaskStore) Capability {
	return Capability{
		Spec: Spec{
			Name:        CreateTask,
			Description: "Create a new pending task in the current run. Returns the new task id.",
			Properties: map[string]any{
				"description": map[string]any{
					"type":        "string",
					"description": "What the task should accomplish, specific enough to execute on its own",
				},
			},
			Required: []string{"description"},
		},
		Handler: func(ctx context.Context, scope *Scope, raw json.RawMessage) (string, error) {
			in, err := decode[createTaskInput](CreateTask, raw)
			if err != nil {
				return "", err
			}
			id := NewTaskID()
			if !scope.reserveCreate(id) {
				return "", &Error{Capability: CreateTask, Reason: fmt.Sprintf("task limit of %d reached", scope.MaxCreates)}
			}
			task := &models.Task{
				ID:          id,
				UserID:      scope.UserID,
				RunID:       scope.RunID,
				Description: in.Description,
				Status:      models.TaskStatusPending,
				CreatedAt:   scope.now(),
			}
			if err := store.CreateTask(ctx, task); err != nil {
				scope.releaseCreate(id)
				return "", err
			}
			return marshal(map[string]any{
				"success": true,
				"task_id": id,
				"message": "Task created: " + in.Description,
			})
		},
	}
}

type updateTaskStatusInput struct {
	TaskID       string `json:"task_id" validate:"required"`
	Status       string `json:"status" validate:"required,oneof=pending in_progress completed failed"`
	Output       string `json:"output"`
	ErrorMessage string `json:"error_message"`
}

func updateTaskStatusCapability(store state.TaskStore) Capability {
	return Capability{
		Spec: Spec{
			Name:        UpdateTaskStatus,
			Description: "Update the status of your task. Mark it in_progress when starting, then completed with the output, or failed with an error message.",
			Properties: map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task id",
				},
				"status": map[string]any{
					"type": "string",
					"enum": []string{"pending", "in_progress", "completed", "failed"},
				},
				"output": map[string]any{
					"type":        "string",
					"description": "The result of the task, when completed",
				},
				"error_message": map[string]any{
					"type":        "string",
					"description": "What went wrong, when failed",
				},
			},
			Required: []string{"task_id", "status"},
		},
		Handler: func(ctx context.Context, scope *Scope, raw json.RawMessage) (string, error) {
			in, err := decode[updateTaskStatusInput](UpdateTaskStatus, raw)
			if err != nil {
				return "", err
			}
			if scope.TaskID != "" && in.TaskID != scope.TaskID {
				return "", &Error{Capability: UpdateTaskStatus, Reason: fmt.Sprintf("only task %s may be updated in this scope", scope.TaskID)}
			}
			upd := models.TaskUpdate{Output: in.Output, Error: in.ErrorMessage}
			if models.TaskStatus(in.Status) == models.TaskStatusInProgress {
				upd.Assignee = scope.AgentID
			}
			t, err := store.UpdateTaskStatus(ctx, in.TaskID, models.TaskStatus(in.Status), upd)
			if err != nil {
				return "", err
			}
			return marshal(map[string]any{
				"success": true,
				"task_id": t.ID,
				"status":  t.Status,
			})
		},
	}
}

type queryTasksInput struct {
	Status string `json:"status" validate:"omitempty,oneof=generated pending in_progress completed failed"`
}

type taskView struct {
	TaskID      string            `json:"task_id"`
	Description string            `json:"description"`
	Status      models.TaskStatus `json:"status"`
	AssignedTo  string            `json:"assigned_to,omitempty"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error_message,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func viewOf(t models.Task) taskView {
	return taskView{
		TaskID:      t.ID,
		Description: t.Description,
		Status:      t.Status,
		AssignedTo:  t.AssignedTo,
		Output:      t.Output,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
	}
}

func queryTasksCapability(store state.TaskStore) Capability {
	return Capability{
		Spec: Spec{
			Name:        QueryTasks,
			Description: "List the tasks of the current run, optionally filtered by status.",
			Properties: map[string]any{
				"status": map[string]any{
					"type": "string",
					"enum": []string{"generated", "pending", "in_progress", "completed", "failed"},
				},
			},
		},
		Handler: func(ctx context.Context, scope *Scope, raw json.RawMessage) (string, error) {
			in, err := decode[queryTasksInput](QueryTasks, raw)
			if err != nil {
				return "", err
			}
			tasks, err := store.ListTasks(ctx, models.TaskFilter{RunID: scope.RunID, Status: models.TaskStatus(in.Status)})
			if err != nil {
				return "", err
			}
			views := make([]taskView, 0, len(tasks))
			for _, t := range tasks {
				views = append(views, viewOf(t))
			}
			return marshal(map[string]any{"count": len(views), "tasks": views})
		},
	}
}

type queryHistoryInput struct {
	Days *int `json:"days" validate:"omitempty,min=1,max=365"`
}

func queryHistoryCapability(store state.HistoryStore) Capability {
	return Capability{
		Spec: Spec{
			Name:        QueryHistory,
			Description: "List tasks archived in previous runs for this user.",
			Properties: map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "How many days back to look (default 7)",
					"minimum":     1,
					"maximum":     365,
				},
			},
		},
		Handler: func(ctx context.Context, scope *Scope, raw json.RawMessage) (string, error) {
			in, err := decode[queryHistoryInput](QueryHistory, raw)
			if err != nil {
				return "", err
			}
			days := 7
			if in.Days != nil {
				days = *in.Days
			}
			history, err := store.GetHistory(ctx, scope.UserID, days)
			if err != nil {
				return "", err
			}
			total := len(history)
			if len(history) > maxHistoryResults {
				history = history[:maxHistoryResults]
			}
			type historyView struct {
				taskView
				WorkflowID string    `json:"workflow_id"`
				ArchivedAt time.Time `json:"archived_at"`
			}
			views := make([]historyView, 0, len(history))
			for _, h := range history {
				views = append(views, historyView{taskView: viewOf(h.Task), WorkflowID: h.RunID, ArchivedAt: h.ArchivedAt})
			}
			return marshal(map[string]any{"days": days, "count": total, "tasks": views})
		},
	}
}

type emptyInput struct{}

func getCurrentTimeCapability() Capability {
	return Capability{
		Spec: Spec{
			Name:        GetCurrentTime,
			Description: "Get the current time, the run deadline and the minutes remaining before it.",
			Properties:  map[string]any{},
		},
		Handler: func(ctx context.Context, scope *Scope, raw json.RawMessage) (string, error) {
			if _, err := decode[emptyInput](GetCurrentTime, raw); err != nil {
				return "", err
			}
			now := scope.now()
			out := map[string]any{"current_time": now.Format(time.RFC3339)}
			if !scope.Deadline.IsZero() {
				remaining := scope.Deadline.Sub(now).Minutes()
				out["deadline"] = scope.Deadline.Format(time.RFC3339)
				out["minutes_remaining"] = math.Round(remaining*10) / 10
			}
			return marshal(out)
		},
	}
}

type logMessageInput struct {
	Message string `json:"message" validate:"required"`
	Level   string `json:"level" validate:"omitempty,oneof=info warning error"`
}

func logMessageCapability() Capability {
	return Capability{
		Spec: Spec{
			Name:        LogMessage,
			Description: "Write a message to the run log.",
			Properties: map[string]any{
				"message": map[string]any{"type": "string"},
				"level": map[string]any{
					"type": "string",
					"enum": []string{"info", "warning", "error"},
				},
			},
			Required: []string{"message"},
		},
		Handler: func(ctx context.Context, scope *Scope, raw json.RawMessage) (string, error) {
			in, err := decode[logMessageInput](LogMessage, raw)
			if err != nil {
				return "", err
			}
			log := scope.logger().With("run", scope.RunID, "agent", scope.AgentID)
			switch in.Level {
			case "warning":
				log.WarnContext(ctx, in.Message)
			case "error":
				log.ErrorContext(ctx, in.Message)
			default:
				log.InfoContext(ctx, in.Message)
			}
			return marshal(map[string]any{"logged": true})
		},
	}
}

type runIsolatedInput struct {
	Command        string            `json:"command" validate:"required,max=4000"`
	TimeoutSeconds int               `json:"timeout_seconds" validate:"omitempty,min=1,max=600"`
	Files          map[string]string `json:"files"`
}

func runIsolatedCapability(runner sandbox.Runner) Capability {
	return Capability{
		Spec: Spec{
			Name:        RunIsolated,
			Description: "Run a shell command in an isolated scratch directory. Returns stdout, stderr, exit code and files the command produced.",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command, run with sh -c",
				},
				"timeout_seconds": map[string]any{
					"type":    "integer",
					"minimum": 1,
					"maximum": 600,
				},
				"files": map[string]any{
					"type":                 "object",
					"description":          "Files to create before running, keyed by relative path",
					"additionalProperties": map[string]any{"type": "string"},
				},
			},
			Required: []string{"command"},
		},
		Handler: func(ctx context.Context, scope *Scope, raw json.RawMessage) (string, error) {
			in, err := decode[runIsolatedInput](RunIsolated, raw)
			if err != nil {
				return "", err
			}
			res, err := runner.RunIsolated(ctx, sandbox.Request{
				Command: in.Command,
				Timeout: time.Duration(in.TimeoutSeconds) * time.Second,
				Files:   in.Files,
			})
			if err != nil {
				return "", err
			}
			return marshal(res)
		},
	}
}
