package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/daybreak/internal/agent"
	"github.com/ShayCichocki/daybreak/internal/orchestrator/policy"
	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// Agent state keys written by the orchestrator under the run's main agent.
const (
	GenerationKey = "generation"
	ReportKey     = "report"
)

// Run outcomes passed to Observer.RunFinished.
const (
	RunOutcomeCompleted   = "completed"
	RunOutcomeInterrupted = "interrupted"
	RunOutcomeFatal       = "fatal"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// RunRequest describes a run to start.
type RunRequest struct {
	// RunID defaults to NewRunID().
	RunID string
	// UserID defaults to models.DefaultUserID.
	UserID          string
	DurationMinutes int
	// StartTime defaults to now. The deadline is computed from it once.
	StartTime time.Time
}

// RunResult summarises a run.
type RunResult struct {
	RunID          string           `json:"workflow_id"`
	UserID         string           `json:"user_id"`
	Status         models.RunStatus `json:"status"`
	Phase          models.Phase     `json:"phase"`
	Resumed        bool             `json:"resumed,omitempty"`
	TasksCollected int              `json:"tasks_collected"`
	TasksGenerated int              `json:"tasks_generated"`
	TasksArchived  int              `json:"tasks_archived"`
	// Counts tallies the run's tasks just before archiving.
	Counts models.StatusCounts `json:"counts"`
	// TaskErrors maps failed task ids to their error text.
	TaskErrors map[string]string `json:"task_errors,omitempty"`
	Report     string            `json:"report"`
	// ReportFallback is set when the report was rendered from the store
	// because the reporter agent did not finish.
	ReportFallback bool `json:"report_fallback"`
	// Budget is the execution budget; zero when uncapped.
	Budget         time.Duration `json:"budget_ns"`
	BudgetTimedOut bool          `json:"budget_timed_out"`
	// PhaseErrors holds the non-fatal failure of each phase that had one.
	PhaseErrors map[models.Phase]string `json:"phase_errors,omitempty"`
	Elapsed     time.Duration           `json:"elapsed_ns"`
}

// Orchestrator drives runs through their phases.
type Orchestrator struct {
	store     state.Store
	generator *agent.Generator
	executor  *agent.Executor
	reporter  *agent.Reporter

	policy   *policy.Config
	logger   *slog.Logger
	now      func() time.Time
	observer Observer
	emitter  *EventEmitter
	retry    *retrier
	recovery *state.RecoveryManager
}

// New creates an Orchestrator.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	switch {
	case req.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case req.Generator == nil:
		return nil, errors.New("orchestrator: generator is required")
	case req.Executor == nil:
		return nil, errors.New("orchestrator: executor is required")
	case req.Reporter == nil:
		return nil, errors.New("orchestrator: reporter is required")
	}

	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.policyConfig == nil {
		o.policyConfig = policy.Default()
	}
	if err := o.policyConfig.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}

	return &Orchestrator{
		store:     req.Store,
		generator: req.Generator,
		executor:  req.Executor,
		reporter:  req.Reporter,
		policy:    o.policyConfig,
		logger:    o.logger,
		now:       o.now,
		observer:  o.observer,
		emitter:   NewEventEmitter(o.policyConfig.Events.BufferSize, o.logger),
		retry:     newRetrier(o.policyConfig.Retry, o.logger),
		recovery:  state.NewRecoveryManager(req.Store, o.logger),
	}, nil
}

// Events returns the event channel. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Close closes the event channel.
func (o *Orchestrator) Close() {
	o.emitter.Close()
}

// Run creates a run and drives it to completion. The returned error is
// non-nil when the run could not be created, when archiving failed
// (both wrap models.ErrFatal) or when ctx was cancelled. A cancelled run
// stays running and can be continued with Resume.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("run: duration must be positive, got %d minutes", req.DurationMinutes)
	}
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	if req.UserID == "" {
		req.UserID = models.DefaultUserID
	}
	start := req.StartTime
	if start.IsZero() {
		start = o.now()
	}

	run := &models.WorkflowRun{
		ID:              req.RunID,
		UserID:          req.UserID,
		StartTime:       start,
		DurationMinutes: req.DurationMinutes,
		Deadline:        start.Add(time.Duration(req.DurationMinutes) * time.Minute),
		Status:          models.RunStatusRunning,
		Phase:           models.PhaseInit,
		MainAgentID:     agent.MainAgentID(req.RunID),
	}
	res := newResult(run)
	began := o.now()

	o.emit(Event{Type: EventPhaseStarted, RunID: run.ID, Phase: models.PhaseInit})
	err := o.retry.do(ctx, "create run", func(ctx context.Context) error {
		return o.store.CreateRun(ctx, run)
	})
	o.observer.PhaseCompleted(models.PhaseInit, o.now().Sub(began), err)
	if err != nil {
		o.emit(Event{Type: EventPhaseFailed, RunID: run.ID, Phase: models.PhaseInit, Error: err})
		o.observer.RunFinished(RunOutcomeFatal)
		return res, fmt.Errorf("%w: init run %s: %w", models.ErrFatal, run.ID, err)
	}
	o.emit(Event{Type: EventPhaseCompleted, RunID: run.ID, Phase: models.PhaseInit, Duration: o.now().Sub(began)})
	o.logger.Info("run started",
		"run", run.ID,
		"user", run.UserID,
		"duration_minutes", run.DurationMinutes,
		"deadline", run.Deadline.Format(time.RFC3339),
	)

	return o.drive(ctx, run, res, began)
}

// Resume continues a run left running by an interrupted process. Tasks
// stranded in_progress are failed, committed phases are skipped and the
// stored deadline is kept.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*RunResult, error) {
	began := o.now()
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	if run.Status == models.RunStatusCompleted {
		return nil, fmt.Errorf("resume run %s: already completed: %w", runID, models.ErrInvalidTransition)
	}

	failed, err := o.recovery.FailStranded(ctx, runID, "interrupted: executor did not survive a restart")
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	o.logger.Info("resuming run",
		"run", run.ID,
		"phase", run.Phase,
		"stranded_failed", len(failed),
		"remaining", run.Remaining(o.now()).Round(time.Second),
	)

	res := newResult(run)
	res.Resumed = true
	if !run.Phase.Before(models.PhaseGenerating) {
		var gen generationNote
		if o.loadState(ctx, run, GenerationKey, &gen) {
			res.TasksGenerated = len(gen.Created)
		}
	}
	if !run.Phase.Before(models.PhaseReporting) {
		var rep reportNote
		if o.loadState(ctx, run, ReportKey, &rep) {
			res.Report = rep.Text
			res.ReportFallback = rep.Fallback
		}
	}
	return o.drive(ctx, run, res, began)
}

// RecoverInterrupted lists runs still marked running, which after a
// restart means their process died.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) ([]state.InterruptedRun, error) {
	return o.recovery.CheckForInterrupted(ctx)
}

// Abandon fails the stranded tasks of an interrupted run and archives it
// without running the remaining phases.
func (o *Orchestrator) Abandon(ctx context.Context, runID string) (int, error) {
	return o.recovery.Clean(ctx, runID)
}

type phaseFunc func(ctx context.Context, run *models.WorkflowRun, res *RunResult) error

func (o *Orchestrator) drive(ctx context.Context, run *models.WorkflowRun, res *RunResult, began time.Time) (*RunResult, error) {
	steps := []struct {
		phase models.Phase
		fn    phaseFunc
	}{
		{models.PhaseCollecting, o.collect},
		{models.PhaseGenerating, o.generate},
		{models.PhaseExecuting, o.execute},
		{models.PhaseReporting, o.report},
		{models.PhaseArchiving, o.archive},
	}

	for _, step := range steps {
		if !run.Phase.Before(step.phase) {
			continue
		}
		if err := o.runPhase(ctx, run, res, step.phase, step.fn); err != nil {
			res.Phase = run.Phase
			res.Elapsed = o.now().Sub(began)
			outcome := RunOutcomeFatal
			if !errors.Is(err, models.ErrFatal) {
				outcome = RunOutcomeInterrupted
			}
			o.observer.RunFinished(outcome)
			o.emit(Event{Type: EventRunDone, RunID: run.ID, Message: outcome, Error: err})
			return res, err
		}
	}

	o.commitPhase(ctx, run, res, models.PhaseDone)
	res.Phase = run.Phase
	res.Elapsed = o.now().Sub(began)
	o.observer.RunFinished(RunOutcomeCompleted)
	o.emit(Event{Type: EventRunDone, RunID: run.ID, Message: RunOutcomeCompleted, Duration: res.Elapsed})
	o.logger.Info("run finished",
		"run", run.ID,
		"archived", res.TasksArchived,
		"completed", res.Counts[models.TaskStatusCompleted],
		"failed", res.Counts[models.TaskStatusFailed],
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res, nil
}

// runPhase runs one phase and commits it. A phase error is recorded and
// the run moves on, unless it is fatal or ctx was cancelled; then the
// phase is left uncommitted and the error returned.
func (o *Orchestrator) runPhase(ctx context.Context, run *models.WorkflowRun, res *RunResult, phase models.Phase, fn phaseFunc) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run %s interrupted before %s: %w", run.ID, phase, err)
	}

	start := o.now()
	o.emit(Event{Type: EventPhaseStarted, RunID: run.ID, Phase: phase})
	o.logger.Info("phase started", "run", run.ID, "phase", phase)

	err := fn(ctx, run, res)
	d := o.now().Sub(start)
	o.observer.PhaseCompleted(phase, d, err)

	if cerr := ctx.Err(); cerr != nil {
		o.emit(Event{Type: EventPhaseFailed, RunID: run.ID, Phase: phase, Error: cerr, Duration: d})
		return fmt.Errorf("run %s interrupted during %s: %w", run.ID, phase, cerr)
	}
	if err != nil {
		o.emit(Event{Type: EventPhaseFailed, RunID: run.ID, Phase: phase, Error: err, Duration: d})
		if errors.Is(err, models.ErrFatal) {
			o.logger.Error("phase failed fatally", "run", run.ID, "phase", phase, "error", err)
			return err
		}
		o.logger.Warn("phase failed, continuing", "run", run.ID, "phase", phase, "error", err)
		res.PhaseErrors[phase] = err.Error()
	} else {
		o.emit(Event{Type: EventPhaseCompleted, RunID: run.ID, Phase: phase, Duration: d})
		o.logger.Info("phase completed", "run", run.ID, "phase", phase, "duration", d.Round(time.Millisecond))
	}

	o.commitPhase(ctx, run, res, phase)
	return nil
}

func (o *Orchestrator) commitPhase(ctx context.Context, run *models.WorkflowRun, res *RunResult, phase models.Phase) {
	err := o.retry.do(ctx, "update run phase", func(ctx context.Context) error {
		return o.store.UpdateRunPhase(ctx, run.ID, phase)
	})
	if err != nil {
		o.logger.Warn("could not record phase", "run", run.ID, "phase", phase, "error", err)
		if _, seen := res.PhaseErrors[phase]; !seen {
			res.PhaseErrors[phase] = fmt.Sprintf("record phase: %v", err)
		}
		return
	}
	run.Phase = phase
}

// collect claims the user's unassigned pending tasks for the run.
func (o *Orchestrator) collect(ctx context.Context, run *models.WorkflowRun, res *RunResult) error {
	tasks, err := retryValue(ctx, o.retry, "list unassigned tasks", func(ctx context.Context) ([]models.Task, error) {
		return o.store.ListTasks(ctx, models.TaskFilter{
			RunID:  models.UnassignedRunID,
			UserID: run.UserID,
			Status: models.TaskStatusPending,
		})
	})
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	var errs []error
	for _, t := range tasks {
		err := o.retry.do(ctx, "reassign task", func(ctx context.Context) error {
			return o.store.ReassignTaskRun(ctx, t.ID, run.ID)
		})
		switch {
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
			o.logger.Info("task claimed elsewhere, skipping", "run", run.ID, "task", t.ID)
		case err != nil:
			errs = append(errs, fmt.Errorf("claim %s: %w", t.ID, err))
		default:
			res.TasksCollected++
		}
	}
	o.logger.Info("collected manual tasks", "run", run.ID, "count", res.TasksCollected)
	return errors.Join(errs...)
}

type generationNote struct {
	Created    []string      `json:"created"`
	Outcome    agent.Outcome `json:"outcome"`
	Iterations int           `json:"iterations"`
	Summary    string        `json:"summary,omitempty"`
}

// generate runs the generator agent.
func (o *Orchestrator) generate(ctx context.Context, run *models.WorkflowRun, res *RunResult) error {
	gen, err := o.generator.Generate(ctx, run)
	res.TasksGenerated = len(gen.Created)

	note := generationNote{Created: gen.Created}
	if gen.Loop != nil {
		note.Outcome = gen.Loop.Outcome
		note.Iterations = gen.Loop.Iterations
		note.Summary = gen.Loop.Text
	}
	o.saveState(ctx, run, GenerationKey, note)

	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	if gen.Loop != nil && gen.Loop.Outcome == agent.OutcomeAnomaly {
		return fmt.Errorf("generator stopped: %s", gen.Loop.Anomaly)
	}
	return nil
}

// execute runs one executor per pending task of the run and waits for
// them, at most for the execution budget. Executors run on a context
// detached from ctx: a budget timeout or cancellation only stops waiting.
func (o *Orchestrator) execute(ctx context.Context, run *models.WorkflowRun, res *RunResult) error {
	tasks, err := retryValue(ctx, o.retry, "list pending tasks", func(ctx context.Context) ([]models.Task, error) {
		return o.store.ListTasks(ctx, models.TaskFilter{RunID: run.ID, Status: models.TaskStatusPending})
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	budget, capped := ComputeBudget(run.Remaining(o.now()), o.policy.Execution.Reserve, o.policy.Execution.MinBudget)
	if capped {
		res.Budget = budget
	}
	o.logger.Info("executing tasks", "run", run.ID, "tasks", len(tasks), "budget", res.Budget, "capped", capped)
	if len(tasks) == 0 {
		return nil
	}

	execCtx := context.WithoutCancel(ctx)
	var (
		mu       sync.Mutex
		failures = make(map[string]string)
		g        errgroup.Group
	)
	if n := o.policy.Execution.MaxConcurrency; n > 0 {
		g.SetLimit(n)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, t := range tasks {
			g.Go(func() error {
				o.emit(Event{Type: EventTaskStarted, RunID: run.ID, TaskID: t.ID, AgentID: agent.ExecutorAgentID(t.ID)})
				tr, err := o.executor.Execute(execCtx, run, t)
				if err != nil {
					o.logger.Error("executor could not settle task", "run", run.ID, "task", t.ID, "error", err)
				}
				o.observer.TaskFinished(tr.Status)

				ev := Event{RunID: run.ID, TaskID: t.ID, AgentID: tr.AgentID, Duration: tr.Duration}
				if tr.Status == models.TaskStatusCompleted {
					ev.Type = EventTaskCompleted
				} else {
					ev.Type = EventTaskFailed
					ev.Message = tr.Error
					mu.Lock()
					failures[t.ID] = tr.Error
					mu.Unlock()
				}
				o.emit(ev)
				return nil
			})
		}
		_ = g.Wait()
	}()

	var timeout <-chan time.Time
	if capped {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
	case <-timeout:
		res.BudgetTimedOut = true
		o.logger.Warn("execution budget exhausted, no longer waiting for executors", "run", run.ID, "budget", budget)
		return fmt.Errorf("%w: execution budget of %s exhausted", models.ErrExecutionTimeout, budget)
	case <-ctx.Done():
		return ctx.Err()
	}

	if len(failures) > 0 {
		res.TaskErrors = failures
	}
	o.logger.Info("execution finished", "run", run.ID, "tasks", len(tasks), "failed", len(failures))
	return nil
}

type reportNote struct {
	Text     string `json:"text"`
	Fallback bool   `json:"fallback"`
}

// report runs the reporter agent, falling back to RenderReport.
func (o *Orchestrator) report(ctx context.Context, run *models.WorkflowRun, res *RunResult) error {
	out, err := o.reporter.Report(ctx, run)
	if err == nil && out.Outcome == agent.OutcomeDone {
		res.Report = out.Text
	} else {
		tasks, lerr := retryValue(ctx, o.retry, "list run tasks", func(ctx context.Context) ([]models.Task, error) {
			return o.store.ListTasks(ctx, models.TaskFilter{RunID: run.ID})
		})
		if lerr != nil {
			o.logger.Warn("fallback report without tasks", "run", run.ID, "error", lerr)
		}
		res.Report = RenderReport(run, tasks, o.now())
		res.ReportFallback = true
		o.logger.Info("reporter did not finish, rendered report from store", "run", run.ID, "outcome", out.Outcome)
	}
	o.saveState(ctx, run, ReportKey, reportNote{Text: res.Report, Fallback: res.ReportFallback})

	if err != nil {
		return fmt.Errorf("reporter: %w", err)
	}
	return nil
}

// archive moves the run's tasks into history and completes the run. A
// failure here is fatal.
func (o *Orchestrator) archive(ctx context.Context, run *models.WorkflowRun, res *RunResult) error {
	tasks, err := retryValue(ctx, o.retry, "list run tasks", func(ctx context.Context) ([]models.Task, error) {
		return o.store.ListTasks(ctx, models.TaskFilter{RunID: run.ID})
	})
	if err != nil {
		o.logger.Warn("could not count tasks before archiving", "run", run.ID, "error", err)
	} else {
		res.Counts = models.CountByStatus(tasks)
	}

	n, err := retryValue(ctx, o.retry, "archive run", func(ctx context.Context) (int, error) {
		return o.store.ArchiveRun(ctx, run.ID)
	})
	if err != nil {
		return fmt.Errorf("%w: archive run %s: %w", models.ErrFatal, run.ID, err)
	}
	res.TasksArchived = n
	res.Status = models.RunStatusCompleted
	run.Status = models.RunStatusCompleted
	return nil
}

func (o *Orchestrator) saveState(ctx context.Context, run *models.WorkflowRun, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		o.logger.Warn("encode agent state", "key", key, "error", err)
		return
	}
	err = o.retry.do(ctx, "set agent state", func(ctx context.Context) error {
		return o.store.SetAgentState(ctx, models.AgentState{
			RunID:     run.ID,
			AgentID:   run.MainAgentID,
			Key:       key,
			Value:     raw,
			UpdatedAt: o.now(),
		})
	})
	if err != nil {
		o.logger.Warn("save agent state", "run", run.ID, "key", key, "error", err)
	}
}

func (o *Orchestrator) loadState(ctx context.Context, run *models.WorkflowRun, key string, v any) bool {
	st, err := o.store.GetAgentState(ctx, run.ID, run.MainAgentID, key)
	if err != nil {
		return false
	}
	return json.Unmarshal(st.Value, v) == nil
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	o.emitter.Emit(ev)
}

func newResult(run *models.WorkflowRun) *RunResult {
	return &RunResult{
		RunID:       run.ID,
		UserID:      run.UserID,
		Status:      run.Status,
		Phase:       run.Phase,
		PhaseErrors: make(map[models.Phase]string),
	}
}
