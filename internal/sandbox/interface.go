// Package sandbox runs agent-supplied shell commands in an isolated work
// directory. It backs the run_isolated capability.
package sandbox

import (
	"context"
	"time"
)

// Request describes one isolated execution.
type Request struct {
	// Command is run through "sh -c".
	Command string
	// Timeout bounds the execution. Zero uses the runner default.
	Timeout time.Duration
	// Files are written into the work directory before the command runs,
	// keyed by relative path.
	Files map[string]string
}

// Result is the outcome of an isolated execution.
type Result struct {
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	ExitCode      int      `json:"exit_code"`
	ProducedFiles []string `json:"produced_files"`
	TimedOut      bool     `json:"timed_out,omitempty"`
}

// Runner defines the interface for isolated command execution.
// This abstraction allows substituting a remote sandbox or a fake in tests.
type Runner interface {
	// RunIsolated executes req and reports its output. A non-zero exit
	// code is reported in Result, not as an error; errors mean the
	// command could not be run at all.
	RunIsolated(ctx context.Context, req Request) (*Result, error)
}
