package api

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowNotFound is returned when no record exists for a uuid.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrUnknownFlowType is returned when starting a type that was never registered.
	ErrUnknownFlowType = errors.New("unknown flow type")

	// ErrAlreadyRegistered is returned when a flow type is registered twice.
	ErrAlreadyRegistered = errors.New("flow type already registered")

	// ErrStepsOutOfOrder is returned when a task is registered for a step the
	// scheduler has already passed.
	ErrStepsOutOfOrder = errors.New("steps out of order")

	// ErrNotTopLevel is returned by Restart for child flows.
	ErrNotTopLevel = errors.New("flow is not a top-level flow")

	// ErrFlowRunning is returned when an operation needs the flow to be idle.
	ErrFlowRunning = errors.New("flow is running")
)

// ValidationError reports a bad argument. It is always returned from the
// call that received the argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// PersistenceError wraps a durable store failure for one flow.
type PersistenceError struct {
	Op   string
	UUID string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("flow %s: %s: %v", e.UUID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TaskFailure reports a failed leaf task or child flow.
type TaskFailure struct {
	UUID    string
	Type    string
	Step    int
	Substep int
	Err     error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("flow %s: task %q at step %d substep %d failed: %v", e.UUID, e.Type, e.Step, e.Substep, e.Err)
}

func (e *TaskFailure) Unwrap() error { return e.Err }
