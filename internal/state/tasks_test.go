package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

func createTestTask(t *testing.T, db *DB, id, runID string, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:          id,
		UserID:      "default_user",
		RunID:       runID,
		Description: "summarise " + id,
		Status:      status,
	}
	if err := db.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask(%s) failed: %v", id, err)
	}
	return task
}

func TestCreateTask_Defaults(t *testing.T) {
	db, clock := setupClockedDB(t)
	ctx := context.Background()

	task := &models.Task{ID: "task_0001", UserID: "u1", Description: "draft release notes"}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := db.GetTask(ctx, "task_0001")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusGenerated {
		t.Errorf("Status = %q, want %q", got.Status, models.TaskStatusGenerated)
	}
	if got.RunID != models.UnassignedRunID {
		t.Errorf("RunID = %q, want %q", got.RunID, models.UnassignedRunID)
	}
	if !got.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, clock.Now())
	}
	if got.StartTime != nil || got.EndTime != nil {
		t.Errorf("new task should have no start/end time, got %v / %v", got.StartTime, got.EndTime)
	}
}

func TestCreateTask_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	createTestTask(t, db, "task_dup", "run-1", models.TaskStatusPending)

	err := db.CreateTask(context.Background(), &models.Task{ID: "task_dup", UserID: "u", Description: "again"})
	if !errors.Is(err, models.ErrDuplicateID) {
		t.Errorf("err = %v, want ErrDuplicateID", err)
	}
}

func TestCreateTask_InvalidStatus(t *testing.T) {
	db := setupTestDB(t)
	err := db.CreateTask(context.Background(), &models.Task{ID: "task_x", Status: "done"})
	if err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestGetTask_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetTask(context.Background(), "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateTaskStatus_Lifecycle(t *testing.T) {
	db, clock := setupClockedDB(t)
	ctx := context.Background()
	createTestTask(t, db, "task_life", "run-1", models.TaskStatusPending)

	clock.Advance(time.Minute)
	started := clock.Now()
	got, err := db.UpdateTaskStatus(ctx, "task_life", models.TaskStatusInProgress, models.TaskUpdate{Assignee: "sub_agent_task_life"})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if got.StartTime == nil || !got.StartTime.Equal(started) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, started)
	}
	if got.EndTime != nil {
		t.Errorf("EndTime = %v, want nil", got.EndTime)
	}
	if got.AssignedTo != "sub_agent_task_life" {
		t.Errorf("AssignedTo = %q", got.AssignedTo)
	}

	clock.Advance(2 * time.Minute)
	ended := clock.Now()
	if _, err := db.UpdateTaskStatus(ctx, "task_life", models.TaskStatusCompleted, models.TaskUpdate{Output: "done: 3 bullet points"}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	stored, err := db.GetTask(ctx, "task_life")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if stored.Status != models.TaskStatusCompleted {
		t.Errorf("Status = %q, want completed", stored.Status)
	}
	if stored.StartTime == nil || !stored.StartTime.Equal(started) {
		t.Errorf("StartTime changed: %v, want %v", stored.StartTime, started)
	}
	if stored.EndTime == nil || !stored.EndTime.Equal(ended) {
		t.Errorf("EndTime = %v, want %v", stored.EndTime, ended)
	}
	if stored.Output != "done: 3 bullet points" {
		t.Errorf("Output = %q", stored.Output)
	}
	if stored.AssignedTo != "sub_agent_task_life" {
		t.Errorf("AssignedTo lost: %q", stored.AssignedTo)
	}
}

func TestUpdateTaskStatus_TerminalIsIdempotent(t *testing.T) {
	db, clock := setupClockedDB(t)
	ctx := context.Background()
	createTestTask(t, db, "task_idem", "run-1", models.TaskStatusPending)

	if _, err := db.UpdateTaskStatus(ctx, "task_idem", models.TaskStatusInProgress, models.TaskUpdate{}); err != nil {
		t.Fatal(err)
	}
	first, err := db.UpdateTaskStatus(ctx, "task_idem", models.TaskStatusFailed, models.TaskUpdate{Error: "first"})
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Hour)
	second, err := db.UpdateTaskStatus(ctx, "task_idem", models.TaskStatusFailed, models.TaskUpdate{Error: "second"})
	if err != nil {
		t.Fatalf("repeated terminal update should succeed, got %v", err)
	}
	if !second.EndTime.Equal(*first.EndTime) {
		t.Errorf("EndTime moved on repeat: %v -> %v", first.EndTime, second.EndTime)
	}

	stored, _ := db.GetTask(ctx, "task_idem")
	if stored.Error != "first" {
		t.Errorf("terminal task mutated: Error = %q, want %q", stored.Error, "first")
	}
}

func TestUpdateTaskStatus_RejectsInvalidTransitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	createTestTask(t, db, "task_skip", "run-1", models.TaskStatusPending)
	if _, err := db.UpdateTaskStatus(ctx, "task_skip", models.TaskStatusCompleted, models.TaskUpdate{}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("pending -> completed err = %v, want ErrInvalidTransition", err)
	}

	createTestTask(t, db, "task_back", "run-1", models.TaskStatusPending)
	db.UpdateTaskStatus(ctx, "task_back", models.TaskStatusInProgress, models.TaskUpdate{})
	db.UpdateTaskStatus(ctx, "task_back", models.TaskStatusCompleted, models.TaskUpdate{})
	for _, next := range []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusFailed, models.TaskStatusPending} {
		if _, err := db.UpdateTaskStatus(ctx, "task_back", next, models.TaskUpdate{}); !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("completed -> %s err = %v, want ErrInvalidTransition", next, err)
		}
	}

	stored, _ := db.GetTask(ctx, "task_back")
	if stored.Status != models.TaskStatusCompleted {
		t.Errorf("terminal task moved to %q", stored.Status)
	}
}

func TestUpdateTaskStatus_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.UpdateTaskStatus(context.Background(), "ghost", models.TaskStatusInProgress, models.TaskUpdate{})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListTasks_Filters(t *testing.T) {
	db, clock := setupClockedDB(t)
	ctx := context.Background()

	createTestTask(t, db, "task_a", "run-1", models.TaskStatusPending)
	clock.Advance(time.Second)
	createTestTask(t, db, "task_b", "run-1", models.TaskStatusGenerated)
	clock.Advance(time.Second)
	createTestTask(t, db, "task_c", "run-2", models.TaskStatusPending)
	clock.Advance(time.Second)
	createTestTask(t, db, "task_d", models.UnassignedRunID, models.TaskStatusPending)

	all, err := db.ListTasks(ctx, models.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4", len(all))
	}
	if all[0].ID != "task_d" || all[3].ID != "task_a" {
		t.Errorf("order = %s..%s, want newest first", all[0].ID, all[3].ID)
	}

	run1, _ := db.ListTasks(ctx, models.TaskFilter{RunID: "run-1"})
	if len(run1) != 2 {
		t.Errorf("run-1 tasks = %d, want 2", len(run1))
	}

	pending, _ := db.ListTasks(ctx, models.TaskFilter{RunID: "run-1", Status: models.TaskStatusPending})
	if len(pending) != 1 || pending[0].ID != "task_a" {
		t.Errorf("run-1 pending = %+v, want [task_a]", pending)
	}

	none, _ := db.ListTasks(ctx, models.TaskFilter{UserID: "somebody_else"})
	if len(none) != 0 {
		t.Errorf("other user tasks = %d, want 0", len(none))
	}
}

func TestReassignTaskRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTestTask(t, db, "task_manual", models.UnassignedRunID, models.TaskStatusPending)

	if err := db.ReassignTaskRun(ctx, "task_manual", "run-1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := db.ReassignTaskRun(ctx, "task_manual", "run-1"); err != nil {
		t.Errorf("repeat claim by same run should be a no-op, got %v", err)
	}
	if err := db.ReassignTaskRun(ctx, "task_manual", "run-2"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("claim by other run err = %v, want ErrInvalidTransition", err)
	}

	got, _ := db.GetTask(ctx, "task_manual")
	if got.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", got.RunID)
	}
}

func TestDeleteTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	createTestTask(t, db, "task_del", models.UnassignedRunID, models.TaskStatusPending)
	if err := db.DeleteTask(ctx, "task_del"); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := db.GetTask(ctx, "task_del"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("deleted task still readable: %v", err)
	}

	createTestTask(t, db, "task_busy", "run-1", models.TaskStatusPending)
	db.UpdateTaskStatus(ctx, "task_busy", models.TaskStatusInProgress, models.TaskUpdate{})
	if err := db.DeleteTask(ctx, "task_busy"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("delete in_progress err = %v, want ErrInvalidTransition", err)
	}

	if err := db.DeleteTask(ctx, "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("delete missing err = %v, want ErrNotFound", err)
	}
}
