package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/daybreak/internal/capability"
	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// OutcomeKey is the agent state key executors record their outcome under.
const OutcomeKey = "outcome"

// ExecutorStore is the part of the store an Executor needs.
type ExecutorStore interface {
	state.TaskStore
	state.AgentStateStore
}

// ExecutorAgentID returns the agent id of the executor for a task.
func ExecutorAgentID(taskID string) string {
	return "sub_agent_" + taskID
}

// TaskResult is the outcome of executing one task.
type TaskResult struct {
	TaskID  string
	AgentID string
	Status  models.TaskStatus
	Output  string
	Error   string
	// Loop is nil when the loop never ran.
	Loop     *Result
	Duration time.Duration
}

// Executor drives one task from pending to a terminal status.
type Executor struct {
	store         ExecutorStore
	loop          *Loop
	registry      *capability.Registry
	logger        *slog.Logger
	maxIterations int
	taskTimeout   time.Duration
	now           func() time.Time
}

// ExecutorConfig contains configuration options for the Executor.
type ExecutorConfig struct {
	Store ExecutorStore
	Loop  *Loop
	// Registry is narrowed to the executor capability set.
	Registry *capability.Registry
	Logger   *slog.Logger
	// MaxIterations defaults to ExecutorMaxIterations.
	MaxIterations int
	// TaskTimeout bounds one execution. Zero means no per-task bound; the
	// iteration cap still applies.
	TaskTimeout time.Duration
	Now         func() time.Time
}

// NewExecutor creates a new Executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("executor: store is required")
	}
	if cfg.Loop == nil {
		return nil, fmt.Errorf("executor: loop is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = ExecutorMaxIterations
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	registry := cfg.Registry
	if registry == nil {
		registry = capability.NewRegistry()
	}
	return &Executor{
		store:         cfg.Store,
		loop:          cfg.Loop,
		registry:      registry.Subset(capability.ExecutorSet...),
		logger:        logger,
		maxIterations: maxIter,
		taskTimeout:   cfg.TaskTimeout,
		now:           now,
	}, nil
}

// Execute claims the task, runs the loop against it and reconciles the
// task's final status. It always tries to leave the task terminal: errors
// and panics mark it failed. The returned error is non-nil only when even
// that fallback could not be written.
func (e *Executor) Execute(ctx context.Context, run *models.WorkflowRun, task models.Task) (res *TaskResult, err error) {
	start := e.now()
	agentID := ExecutorAgentID(task.ID)
	log := e.logger.With("task", task.ID, "agent", agentID, "run", run.ID)
	res = &TaskResult{TaskID: task.ID, AgentID: agentID}

	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panicked", "panic", r)
			res, err = e.fail(ctx, res, fmt.Sprintf("executor panic: %v", r))
		}
		res.Duration = e.now().Sub(start)
		e.recordOutcome(ctx, run.ID, res)
	}()

	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}

	claimed, err := e.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusInProgress, models.TaskUpdate{Assignee: agentID})
	if err != nil {
		if current, gerr := e.store.GetTask(context.WithoutCancel(ctx), task.ID); gerr == nil && current.Status.IsTerminal() {
			log.Info("task already terminal, skipping", "status", current.Status)
			return fill(res, current), nil
		}
		log.Warn("claim failed", "error", err)
		return e.fail(ctx, res, fmt.Sprintf("claim task: %v", err))
	}
	log.Info("task started", "description", claimed.Description)

	scope := &capability.Scope{
		RunID:    run.ID,
		UserID:   run.UserID,
		AgentID:  agentID,
		TaskID:   task.ID,
		Deadline: run.Deadline,
		Now:      e.now,
		Logger:   e.logger,
	}
	loopRes, loopErr := e.loop.Run(ctx, Invocation{
		System:        ExecutorDirective(task.ID, claimed.Description),
		Instruction:   ExecutorInstruction(task.ID, claimed.Description),
		Registry:      e.registry,
		Scope:         scope,
		MaxIterations: e.maxIterations,
	})
	res.Loop = loopRes

	current, err := e.store.GetTask(context.WithoutCancel(ctx), task.ID)
	if err != nil {
		return e.fail(ctx, res, fmt.Sprintf("reload task: %v", err))
	}
	if current.Status.IsTerminal() {
		return fill(res, current), nil
	}

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) && e.taskTimeout > 0
	switch {
	case timedOut:
		return e.fail(ctx, res, fmt.Sprintf("%v: task exceeded its %s budget", models.ErrExecutionTimeout, e.taskTimeout))
	case loopErr != nil:
		return e.fail(ctx, res, loopErr.Error())
	case loopRes.Outcome == OutcomeDone:
		return e.complete(ctx, res, loopRes.Text)
	case loopRes.Outcome == OutcomeMaxIterations:
		return e.fail(ctx, res, fmt.Sprintf("did not complete within %d iterations", e.maxIterations))
	default:
		return e.fail(ctx, res, loopRes.Text)
	}
}

func (e *Executor) complete(ctx context.Context, res *TaskResult, output string) (*TaskResult, error) {
	t, err := e.store.UpdateTaskStatus(context.WithoutCancel(ctx), res.TaskID, models.TaskStatusCompleted, models.TaskUpdate{Output: output})
	if err != nil {
		return e.fail(ctx, res, fmt.Sprintf("complete task: %v", err))
	}
	return fill(res, t), nil
}

// fail marks the task failed, first claiming it when it never reached
// in_progress. Writes use a context detached from ctx, which may already
// be expired.
func (e *Executor) fail(ctx context.Context, res *TaskResult, msg string) (*TaskResult, error) {
	if msg == "" {
		msg = "task failed"
	}
	wctx := context.WithoutCancel(ctx)

	current, err := e.store.GetTask(wctx, res.TaskID)
	if err != nil {
		res.Status = models.TaskStatusFailed
		res.Error = msg
		return res, fmt.Errorf("fail task %s: %w", res.TaskID, err)
	}
	if current.Status.IsTerminal() {
		return fill(res, current), nil
	}
	if current.Status != models.TaskStatusInProgress {
		if _, err := e.store.UpdateTaskStatus(wctx, res.TaskID, models.TaskStatusInProgress, models.TaskUpdate{Assignee: res.AgentID}); err != nil {
			res.Status = current.Status
			res.Error = msg
			return res, fmt.Errorf("fail task %s: %w", res.TaskID, err)
		}
	}
	t, err := e.store.UpdateTaskStatus(wctx, res.TaskID, models.TaskStatusFailed, models.TaskUpdate{Error: msg})
	if err != nil {
		res.Status = models.TaskStatusInProgress
		res.Error = msg
		return res, fmt.Errorf("fail task %s: %w", res.TaskID, err)
	}
	e.logger.Info("task failed", "task", res.TaskID, "error", msg)
	return fill(res, t), nil
}

func fill(res *TaskResult, t *models.Task) *TaskResult {
	res.Status = t.Status
	res.Output = t.Output
	res.Error = t.Error
	return res
}

type outcomeNote struct {
	Status     models.TaskStatus `json:"status"`
	Outcome    Outcome           `json:"outcome,omitempty"`
	Iterations int               `json:"iterations"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

func (e *Executor) recordOutcome(ctx context.Context, runID string, res *TaskResult) {
	note := outcomeNote{Status: res.Status, Error: res.Error, DurationMS: res.Duration.Milliseconds()}
	if res.Loop != nil {
		note.Outcome = res.Loop.Outcome
		note.Iterations = res.Loop.Iterations
	}
	value, err := json.Marshal(note)
	if err != nil {
		return
	}
	err = e.store.SetAgentState(context.WithoutCancel(ctx), models.AgentState{
		RunID:     runID,
		AgentID:   res.AgentID,
		Key:       OutcomeKey,
		Value:     value,
		UpdatedAt: e.now(),
	})
	if err != nil {
		e.logger.Warn("record outcome failed", "task", res.TaskID, "error", err)
	}
}
