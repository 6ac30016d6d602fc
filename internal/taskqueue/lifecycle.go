package taskqueue

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"
)

type trigger string

const (
	triggerPromote    trigger = "promote"
	triggerComplete   trigger = "complete"
	triggerFail       trigger = "fail"
	triggerRetry      trigger = "retry"
	triggerReactivate trigger = "reactivate"
)

// triggerEvents maps each transition to the notification it emits.
var triggerEvents = map[trigger]Event{
	triggerPromote:    EventPromotion,
	triggerComplete:   EventCompleted,
	triggerFail:       EventFailed,
	triggerRetry:      EventFailedAttempt,
	triggerReactivate: EventEnqueued,
}

// nextState runs the task lifecycle machine from one state.
//
//	inactive  --promote-->    active
//	inactive  --fail-->       failed
//	active    --complete-->   completed
//	active    --fail-->       failed
//	active    --retry-->      inactive
//	active    --reactivate--> inactive
//	completed --reactivate--> inactive
//	failed    --reactivate--> inactive
//
// Reactivating an inactive task is a no-op.
func nextState(from State, trig trigger) (State, error) {
	sm := stateless.NewStateMachine(from)

	sm.Configure(StateInactive).
		Permit(triggerPromote, StateActive).
		Permit(triggerFail, StateFailed).
		Ignore(triggerReactivate)

	sm.Configure(StateActive).
		Permit(triggerComplete, StateCompleted).
		Permit(triggerFail, StateFailed).
		Permit(triggerRetry, StateInactive).
		Permit(triggerReactivate, StateInactive)

	sm.Configure(StateCompleted).
		Permit(triggerReactivate, StateInactive)

	sm.Configure(StateFailed).
		Permit(triggerReactivate, StateInactive)

	if err := sm.Fire(trig); err != nil {
		return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trig, from)
	}
	return sm.MustState().(State), nil
}

// taskOps is what runTask needs from a backend.
type taskOps interface {
	// transition applies trig to the stored task, runs mutate on it and
	// returns the updated copy. It publishes the matching notification.
	transition(ctx context.Context, id string, trig trigger, mutate func(*Task)) (*Task, error)
	// requeue makes an inactive task visible to workers again.
	requeue(ctx context.Context, t *Task) error
	Watch(ctx context.Context, id string) (<-chan Notification, func(), error)
}

// runTask drives one pickup of a task through the lifecycle: promote, run the
// processor, then complete, retry or fail.
func runTask(ctx context.Context, ops taskOps, id string, p Processor, logger *zap.Logger) {
	t, err := ops.transition(ctx, id, triggerPromote, func(t *Task) {
		t.Attempts++
	})
	if err != nil {
		// Removed, failed by an administrator, or already picked up.
		logger.Debug("skipping task", zap.String("task_id", id), zap.Error(err))
		return
	}

	runCtx, stop := watchCancel(ctx, ops, id, logger)
	result, runErr := p(runCtx, t)
	stop()

	if runErr == nil {
		_, err := ops.transition(ctx, id, triggerComplete, func(t *Task) {
			t.Result = result
			t.Error = ""
		})
		if err != nil {
			logger.Info("discarding task result",
				zap.String("task_id", id),
				zap.String("task_type", t.Type),
				zap.Error(err),
			)
		}
		return
	}

	if t.Attempts < max(t.MaxAttempts, 1) {
		next, err := ops.transition(ctx, id, triggerRetry, func(t *Task) {
			t.Error = runErr.Error()
		})
		if err == nil {
			logger.Warn("task attempt failed",
				zap.String("task_id", id),
				zap.String("task_type", t.Type),
				zap.Int("attempt", t.Attempts),
				zap.Error(runErr),
			)
			if err := ops.requeue(ctx, next); err != nil {
				logger.Error("requeue failed", zap.String("task_id", id), zap.Error(err))
			}
		}
		return
	}

	if _, err := ops.transition(ctx, id, triggerFail, func(t *Task) {
		t.Error = runErr.Error()
	}); err != nil {
		logger.Debug("task already settled", zap.String("task_id", id), zap.Error(err))
	}
}

// watchCancel derives the processor context for one pickup. It is cancelled
// with ErrTaskCancelled when the task is failed or removed while running.
func watchCancel(ctx context.Context, ops taskOps, id string, logger *zap.Logger) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	events, stopWatch, err := ops.Watch(runCtx, id)
	if err != nil {
		logger.Warn("watching running task", zap.String("task_id", id), zap.Error(err))
		return runCtx, func() { cancel(nil) }
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range events {
			if n.Event == EventFailed || n.Event == EventRemoved {
				cancel(ErrTaskCancelled)
				return
			}
		}
	}()

	return runCtx, func() {
		stopWatch()
		<-done
		cancel(nil)
	}
}

func failedError(t *Task) error {
	return fmt.Errorf("%w: %s", ErrTaskFailed, t.Error)
}
