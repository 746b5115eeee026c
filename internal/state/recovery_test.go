package state

import (
	"context"
	"testing"
	"time"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

func TestCheckForInterrupted_NoRuns(t *testing.T) {
	db := setupTestDB(t)
	rm := NewRecoveryManager(db, nil)

	runs, err := rm.CheckForInterrupted(context.Background())
	if err != nil {
		t.Fatalf("CheckForInterrupted failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("got %d interrupted runs, want 0", len(runs))
	}
}

func TestCheckForInterrupted_SkipsCompleted(t *testing.T) {
	db, clock := setupClockedDB(t)
	ctx := context.Background()
	createTestRun(t, db, "run-done", clock.Now())
	if _, err := db.ArchiveRun(ctx, "run-done"); err != nil {
		t.Fatal(err)
	}
	createTestRun(t, db, "run-live", clock.Now())
	createTestTask(t, db, "task_a", "run-live", models.TaskStatusPending)
	createTestTask(t, db, "task_b", "run-live", models.TaskStatusPending)
	db.UpdateTaskStatus(ctx, "task_b", models.TaskStatusInProgress, models.TaskUpdate{})

	rm := NewRecoveryManager(db, nil)
	rm.now = func() time.Time { return clock.Now().Add(time.Hour) }

	runs, err := rm.CheckForInterrupted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d interrupted runs, want 1", len(runs))
	}
	ir := runs[0]
	if ir.Run.ID != "run-live" {
		t.Errorf("Run.ID = %q, want run-live", ir.Run.ID)
	}
	if ir.StrandedTasks != 1 || ir.PendingTasks != 1 {
		t.Errorf("stranded=%d pending=%d, want 1/1", ir.StrandedTasks, ir.PendingTasks)
	}
	if !ir.PastDeadline {
		t.Error("run should be past its deadline")
	}
}

func TestFailStranded(t *testing.T) {
	db, clock := setupClockedDB(t)
	ctx := context.Background()
	createTestRun(t, db, "run-1", clock.Now())
	createTestTask(t, db, "task_stuck", "run-1", models.TaskStatusPending)
	createTestTask(t, db, "task_waiting", "run-1", models.TaskStatusPending)
	db.UpdateTaskStatus(ctx, "task_stuck", models.TaskStatusInProgress, models.TaskUpdate{})

	rm := NewRecoveryManager(db, nil)
	failed, err := rm.FailStranded(ctx, "run-1", "process restarted")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0] != "task_stuck" {
		t.Errorf("failed = %v, want [task_stuck]", failed)
	}

	stuck, _ := db.GetTask(ctx, "task_stuck")
	if stuck.Status != models.TaskStatusFailed || stuck.Error != "process restarted" {
		t.Errorf("stranded task = %s/%q", stuck.Status, stuck.Error)
	}
	if stuck.EndTime == nil {
		t.Error("failed task should have an end time")
	}
	waiting, _ := db.GetTask(ctx, "task_waiting")
	if waiting.Status != models.TaskStatusPending {
		t.Errorf("pending task touched: %s", waiting.Status)
	}
}

func TestClean(t *testing.T) {
	db, clock := setupClockedDB(t)
	ctx := context.Background()
	createTestRun(t, db, "run-1", clock.Now())
	createTestTask(t, db, "task_stuck", "run-1", models.TaskStatusPending)
	db.UpdateTaskStatus(ctx, "task_stuck", models.TaskStatusInProgress, models.TaskUpdate{})
	createTestTask(t, db, "task_pending", "run-1", models.TaskStatusPending)

	rm := NewRecoveryManager(db, nil)
	n, err := rm.Clean(ctx, "run-1")
	if err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if n != 2 {
		t.Errorf("archived = %d, want 2", n)
	}

	run, _ := db.GetRun(ctx, "run-1")
	if run.Status != models.RunStatusCompleted || run.Phase != models.PhaseDone {
		t.Errorf("run = %s/%s, want completed/done", run.Status, run.Phase)
	}

	if _, err := rm.Clean(ctx, "run-1"); err == nil {
		t.Error("cleaning a completed run should fail")
	}
}
