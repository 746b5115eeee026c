package models

import (
	"encoding/json"
	"time"
)

// RunStatus represents the state of a workflow run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress or was interrupted.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the run reached the archive phase.
	RunStatusCompleted RunStatus = "completed"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	return s == RunStatusRunning || s == RunStatusCompleted
}

// Phase is a step of the orchestrator state machine.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseCollecting Phase = "collecting"
	PhaseGenerating Phase = "generating"
	PhaseExecuting  Phase = "executing"
	PhaseReporting  Phase = "reporting"
	PhaseArchiving  Phase = "archiving"
	PhaseDone       Phase = "done"
)

// Phases lists every phase in execution order.
var Phases = []Phase{
	PhaseInit,
	PhaseCollecting,
	PhaseGenerating,
	PhaseExecuting,
	PhaseReporting,
	PhaseArchiving,
	PhaseDone,
}

// Index returns the position of p in Phases, or -1.
func (p Phase) Index() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid returns true if the phase is a known value.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Before reports whether p comes strictly before other.
func (p Phase) Before(other Phase) bool {
	return p.Index() < other.Index()
}

// WorkflowRun is one orchestration instance bounded by a deadline.
type WorkflowRun struct {
	// ID is the unique run identifier.
	ID string `json:"workflow_id"`
	// UserID is the user the run works for.
	UserID string `json:"user_id"`
	// StartTime is when Init ran.
	StartTime time.Time `json:"start_time"`
	// DurationMinutes is the requested run length.
	DurationMinutes int `json:"duration_minutes"`
	// Deadline is StartTime plus DurationMinutes, computed once.
	Deadline time.Time `json:"deadline"`
	// Status is running until the archive phase completes.
	Status RunStatus `json:"status"`
	// Phase is the last phase whose effects were committed.
	Phase Phase `json:"phase"`
	// MainAgentID identifies the generator/reporter agent.
	MainAgentID string `json:"main_agent_id"`
	// EndTime is set when the run completes.
	EndTime *time.Time `json:"end_time,omitempty"`
}

// Remaining returns the time left until the deadline.
func (r *WorkflowRun) Remaining(now time.Time) time.Duration {
	return r.Deadline.Sub(now)
}

// AgentState is a namespaced key/value note kept by an agent within a run.
type AgentState struct {
	RunID     string          `json:"workflow_id"`
	AgentID   string          `json:"agent_id"`
	Key       string          `json:"state_key"`
	Value     json.RawMessage `json:"state_value"`
	UpdatedAt time.Time       `json:"updated_at"`
}
