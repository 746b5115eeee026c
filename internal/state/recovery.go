package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

// InterruptedRun describes a run left in the running state, typically by a
// crashed process.
type InterruptedRun struct {
	Run           models.WorkflowRun
	StrandedTasks int
	PendingTasks  int
	PastDeadline  bool
}

// RecoveryManager handles detection and recovery of interrupted runs.
type RecoveryManager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecoveryManager creates a new RecoveryManager over the given store.
func NewRecoveryManager(store Store, logger *slog.Logger) *RecoveryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryManager{store: store, logger: logger, now: time.Now}
}

// CheckForInterrupted lists every run still marked running.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) ([]InterruptedRun, error) {
	runs, err := rm.store.ListRuns(ctx, models.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	now := rm.now()
	var out []InterruptedRun
	for _, r := range runs {
		tasks, err := rm.store.ListTasks(ctx, models.TaskFilter{RunID: r.ID})
		if err != nil {
			return nil, fmt.Errorf("list tasks for %s: %w", r.ID, err)
		}
		counts := models.CountByStatus(tasks)
		out = append(out, InterruptedRun{
			Run:           r,
			StrandedTasks: counts[models.TaskStatusInProgress],
			PendingTasks:  counts[models.TaskStatusPending] + counts[models.TaskStatusGenerated],
			PastDeadline:  now.After(r.Deadline),
		})
	}
	return out, nil
}

// FailStranded marks every in_progress task of the run as failed. No
// executor survives a process restart, so those tasks can never finish.
// It returns the ids of the tasks it failed.
func (rm *RecoveryManager) FailStranded(ctx context.Context, runID, reason string) ([]string, error) {
	tasks, err := rm.store.ListTasks(ctx, models.TaskFilter{RunID: runID, Status: models.TaskStatusInProgress})
	if err != nil {
		return nil, fmt.Errorf("list stranded tasks: %w", err)
	}

	var failed []string
	for _, t := range tasks {
		if _, err := rm.store.UpdateTaskStatus(ctx, t.ID, models.TaskStatusFailed, models.TaskUpdate{Error: reason}); err != nil {
			return failed, fmt.Errorf("fail stranded task %s: %w", t.ID, err)
		}
		rm.logger.Warn("failed stranded task", "run", runID, "task", t.ID)
		failed = append(failed, t.ID)
	}
	return failed, nil
}

// Clean abandons an interrupted run: stranded tasks are failed and the run
// is archived as-is.
func (rm *RecoveryManager) Clean(ctx context.Context, runID string) (int, error) {
	run, err := rm.store.GetRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("load run: %w", err)
	}
	if run.Status != models.RunStatusRunning {
		return 0, fmt.Errorf("run %s is %s, not running", runID, run.Status)
	}

	if _, err := rm.FailStranded(ctx, runID, "run abandoned during recovery"); err != nil {
		return 0, err
	}
	n, err := rm.store.ArchiveRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("archive abandoned run: %w", err)
	}
	if err := rm.store.UpdateRunPhase(ctx, runID, models.PhaseDone); err != nil {
		return n, fmt.Errorf("mark run done: %w", err)
	}
	rm.logger.Info("cleaned interrupted run", "run", runID, "archived", n)
	return n, nil
}
