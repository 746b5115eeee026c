// Package orchestrator drives a run through its phases: collecting manual
// tasks, generating new ones, executing them under a deadline budget,
// reporting and archiving.
package orchestrator

import (
	"time"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventPhaseStarted indicates a phase has begun.
	EventPhaseStarted EventType = "phase_started"
	// EventPhaseCompleted indicates a phase committed.
	EventPhaseCompleted EventType = "phase_completed"
	// EventPhaseFailed indicates a phase failed; the run still continues.
	EventPhaseFailed EventType = "phase_failed"
	// EventTaskStarted indicates an executor picked up a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventRunDone indicates the run finished.
	EventRunDone EventType = "run_done"
)

// Event represents an event emitted by the orchestrator.
type Event struct {
	Type  EventType
	RunID string
	// Phase is set for phase events.
	Phase models.Phase
	// TaskID and AgentID are set for task events.
	TaskID  string
	AgentID string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error     error
	Timestamp time.Time
	// Duration is the elapsed time of the phase or task, when known.
	Duration time.Duration
}
