package models

import (
	"testing"
	"time"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"generated is valid", TaskStatusGenerated, true},
		{"pending is valid", TaskStatusPending, true},
		{"in_progress is valid", TaskStatusInProgress, true},
		{"completed is valid", TaskStatusCompleted, true},
		{"failed is valid", TaskStatusFailed, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"done is invalid", TaskStatus("done"), false},
		{"typo status is invalid", TaskStatus("pendingg"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	for _, s := range AllTaskStatuses {
		want := s == TaskStatusCompleted || s == TaskStatusFailed
		if got := s.IsTerminal(); got != want {
			t.Errorf("%q.IsTerminal() = %v, want %v", s, got, want)
		}
	}
}

func TestTaskStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskStatusGenerated, TaskStatusPending, true},
		{TaskStatusPending, TaskStatusInProgress, true},
		{TaskStatusInProgress, TaskStatusCompleted, true},
		{TaskStatusInProgress, TaskStatusFailed, true},

		// Same status is an idempotent no-op.
		{TaskStatusCompleted, TaskStatusCompleted, true},
		{TaskStatusFailed, TaskStatusFailed, true},
		{TaskStatusInProgress, TaskStatusInProgress, true},

		// No skipping pending.
		{TaskStatusGenerated, TaskStatusInProgress, false},

		// Terminal only from in_progress.
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusGenerated, TaskStatusFailed, false},

		// Never backwards.
		{TaskStatusPending, TaskStatusGenerated, false},
		{TaskStatusInProgress, TaskStatusPending, false},
		{TaskStatusCompleted, TaskStatusInProgress, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusCompleted, false},

		{TaskStatusPending, TaskStatus("bogus"), false},
		{TaskStatus("bogus"), TaskStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("%q.CanTransition(%q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTask_Duration(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	task := Task{StartTime: &start}
	if got := task.Duration(); got != 0 {
		t.Errorf("Duration() without end = %v, want 0", got)
	}

	task.EndTime = &end
	if got := task.Duration(); got != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", got)
	}
}

func TestCountByStatus(t *testing.T) {
	tasks := []Task{
		{Status: TaskStatusCompleted},
		{Status: TaskStatusCompleted},
		{Status: TaskStatusFailed},
		{Status: TaskStatusPending},
	}

	counts := CountByStatus(tasks)
	if counts[TaskStatusCompleted] != 2 {
		t.Errorf("completed = %d, want 2", counts[TaskStatusCompleted])
	}
	if counts[TaskStatusFailed] != 1 {
		t.Errorf("failed = %d, want 1", counts[TaskStatusFailed])
	}
	if counts[TaskStatusInProgress] != 0 {
		t.Errorf("in_progress = %d, want 0", counts[TaskStatusInProgress])
	}
}

func TestPhase_Order(t *testing.T) {
	if !PhaseInit.Before(PhaseCollecting) {
		t.Error("init should come before collecting")
	}
	if PhaseArchiving.Before(PhaseReporting) {
		t.Error("archiving should not come before reporting")
	}
	if Phase("bogus").Valid() {
		t.Error("unknown phase should be invalid")
	}
	if got := PhaseDone.Index(); got != len(Phases)-1 {
		t.Errorf("PhaseDone.Index() = %d, want %d", got, len(Phases)-1)
	}
}

func TestWorkflowRun_Remaining(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	run := WorkflowRun{StartTime: start, DurationMinutes: 10, Deadline: start.Add(10 * time.Minute)}

	if got := run.Remaining(start.Add(4 * time.Minute)); got != 6*time.Minute {
		t.Errorf("Remaining() = %v, want 6m", got)
	}
	if got := run.Remaining(start.Add(11 * time.Minute)); got >= 0 {
		t.Errorf("Remaining() past deadline = %v, want negative", got)
	}
}
