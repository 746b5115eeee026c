// Package policy holds the tunable parameters of a run: execution budget,
// per-phase retry and event buffering.
package policy

import "time"

// Config contains all configurable policy parameters for the orchestrator.
type Config struct {
	Execution ExecutionPolicy
	Retry     RetryPolicy
	Events    EventPolicy
}

// ExecutionPolicy controls the Executing phase.
type ExecutionPolicy struct {
	// Reserve is held back from the remaining time for reporting and
	// archiving.
	Reserve time.Duration

	// MinBudget is the smallest execution budget granted once the
	// remaining time exceeds it. With less remaining time than this there
	// is no explicit cap.
	MinBudget time.Duration

	// TaskTimeout bounds a single executor. Zero disables the bound.
	TaskTimeout time.Duration

	// MaxConcurrency limits simultaneous executors. Zero is unbounded.
	MaxConcurrency int
}

// RetryPolicy controls retries of store calls within a phase.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// EventPolicy controls the event channel.
type EventPolicy struct {
	BufferSize int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Execution: ExecutionPolicy{
			Reserve:   2 * time.Minute,
			MinBudget: time.Minute,
		},
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
		},
		Events: EventPolicy{
			BufferSize: 100,
		},
	}
}

// Validate replaces out-of-range values with their defaults.
func (c *Config) Validate() error {
	d := Default()
	if c.Execution.Reserve < 0 {
		c.Execution.Reserve = d.Execution.Reserve
	}
	if c.Execution.MinBudget <= 0 {
		c.Execution.MinBudget = d.Execution.MinBudget
	}
	if c.Execution.TaskTimeout < 0 {
		c.Execution.TaskTimeout = 0
	}
	if c.Execution.MaxConcurrency < 0 {
		c.Execution.MaxConcurrency = 0
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = d.Retry.InitialInterval
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		c.Retry.MaxInterval = max(d.Retry.MaxInterval, c.Retry.InitialInterval)
	}
	if c.Events.BufferSize < 1 {
		c.Events.BufferSize = d.Events.BufferSize
	}
	return nil
}
