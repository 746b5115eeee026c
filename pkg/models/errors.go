package models

import "errors"

// Error taxonomy shared by every component. Concrete error types in the
// store, capability and engine packages unwrap to one of these.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCapability        = errors.New("capability error")
	ErrReasoningEngine   = errors.New("reasoning engine error")
	ErrExecutionTimeout  = errors.New("execution timeout")
	ErrStore             = errors.New("store error")
	ErrFatal             = errors.New("fatal")
)
