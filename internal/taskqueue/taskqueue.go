package taskqueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown to the backend.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskFailed is wrapped by Wait when the task ended in the failed state.
	ErrTaskFailed = errors.New("task failed")

	// ErrTaskRemoved is returned by Wait when the task was removed before it
	// finished.
	ErrTaskRemoved = errors.New("task removed")

	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the task's current state.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrTaskCancelled is the cause of a processor context cancelled because
	// its task was failed or removed while running.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrBackendClosed is returned by operations on a closed backend.
	ErrBackendClosed = errors.New("backend closed")
)

// State is the lifecycle state of a task.
type State string

const (
	StateInactive  State = "inactive"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateInactive, StateActive, StateCompleted, StateFailed}

// Terminal reports whether no further processing happens without a
// Reactivate.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Event is a lifecycle notification emitted for a task.
type Event string

const (
	EventEnqueued      Event = "enqueued"
	EventPromotion     Event = "promotion"
	EventProgress      Event = "progress"
	EventFailedAttempt Event = "failed-attempt"
	EventFailed        Event = "failed"
	EventCompleted     Event = "completed"
	EventRemoved       Event = "removed"
)

// Task is a unit of work for a registered processor.
type Task struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	State   State          `json:"state"`
	Result  any            `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`

	// Attempts counts promotions since the task was last (re)activated.
	Attempts int `json:"attempts"`
	// MaxAttempts bounds retries of a failing processor. Values below 1 mean 1.
	MaxAttempts int `json:"maxAttempts"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Notification is delivered to Watch subscribers.
type Notification struct {
	TaskID   string `json:"taskId"`
	Event    Event  `json:"event"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Progress int    `json:"progress,omitempty"`
}

// Processor executes a task. The returned value becomes the task's result.
type Processor func(ctx context.Context, t *Task) (any, error)

// Backend executes tasks by type and reports their lifecycle.
//
// A task is created with NewTask, submitted with Enqueue, picked up by the
// processor registered for its type, and ends completed or failed. Fail,
// Reactivate and Remove are administrative transitions.
type Backend interface {
	// NewTask builds a task with a fresh id. Nothing is stored until Enqueue.
	NewTask(taskType string, payload map[string]any) *Task

	Enqueue(ctx context.Context, t *Task) error

	// Watch subscribes to notifications for one task. The returned function
	// ends the subscription and closes the channel.
	Watch(ctx context.Context, id string) (<-chan Notification, func(), error)

	// Wait blocks until the task completes, fails or is removed. A failed
	// task is returned together with an error wrapping ErrTaskFailed.
	Wait(ctx context.Context, id string) (*Task, error)

	// RegisterProcessor starts concurrency workers for taskType.
	RegisterProcessor(taskType string, concurrency int, p Processor) error

	// Progress publishes a progress notification for a running task.
	Progress(ctx context.Context, id string, progress int) error

	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, state State) ([]*Task, error)

	// Fail marks an inactive or active task failed. A processor still
	// running the task sees its context cancelled with ErrTaskCancelled as
	// the cause, and any result it reports is discarded.
	Fail(ctx context.Context, id string, reason string) error

	// Reactivate moves a task back to inactive and queues it again.
	Reactivate(ctx context.Context, id string) error

	Remove(ctx context.Context, id string) error

	Close() error
}
