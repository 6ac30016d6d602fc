package api

import (
	"context"
)

// Engine is the administrative surface of the orchestrator.
type Engine interface {
	// Register installs a flow type. dyn may be nil.
	Register(flowType string, opts FlowOptions, fn HandlerFunc, dyn DynamicPropertyFunc) error

	// Start creates (or resumes, when data carries FieldUUID) a top-level
	// flow and enqueues it on the task queue backend.
	Start(ctx context.Context, flowType string, data map[string]any) (Flow, error)

	// Cancel cancels a flow by uuid, live or not.
	Cancel(ctx context.Context, uuid string, reason string) error

	// Status returns the records matching uuid.
	Status(ctx context.Context, uuid string) ([]*FlowRecord, error)

	// Search returns the records matching filter.
	Search(ctx context.Context, filter SearchFilter) ([]*FlowRecord, error)

	// Reset rewinds a flow so the scheduler re-enters at step on next pickup.
	Reset(ctx context.Context, uuid string, step int) error

	// Rollback is an alias of Reset.
	Rollback(ctx context.Context, uuid string, step int) error

	// Restart re-runs a top-level flow from scratch, discarding descendants.
	Restart(ctx context.Context, uuid string) error

	// Clone starts a new flow from a record's external data.
	Clone(ctx context.Context, uuid string) (Flow, error)

	// Recover sweeps leftover backend tasks on startup. It returns the number
	// of tasks it reactivated or removed.
	Recover(ctx context.Context) (int, error)

	// Wait blocks until the flow's backend task finishes and returns the
	// final record.
	Wait(ctx context.Context, uuid string) (*FlowRecord, error)

	// Close stops the engine's processors.
	Close() error
}
