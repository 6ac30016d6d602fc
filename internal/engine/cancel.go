package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/petrijr/flough/internal/persistence"
	"github.com/petrijr/flough/internal/taskqueue"
	"github.com/petrijr/flough/pkg/api"
)

type cancelFunc func(ctx context.Context, reason string) error

// cancelBus routes cancellation requests to the running instance of a flow.
// An instance subscribes when its handler starts and unsubscribes when the
// handler returns.
type cancelBus struct {
	mu   sync.Mutex
	subs map[string]cancelFunc
}

func newCancelBus() *cancelBus {
	return &cancelBus{subs: make(map[string]cancelFunc)}
}

// Subscribe registers fn for uuid and returns a function that removes it.
// A later Subscribe for the same uuid replaces the earlier one.
func (b *cancelBus) Subscribe(uuid string, fn cancelFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[uuid] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, uuid)
		})
	}
}

// Signal delivers a cancellation to uuid's subscriber. It reports whether a
// subscriber existed.
func (b *cancelBus) Signal(ctx context.Context, uuid, reason string) (bool, error) {
	b.mu.Lock()
	fn, ok := b.subs[uuid]
	b.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, fn(ctx, reason)
}

// Cancel marks the flow cancelled, fails its backend task and signals every
// active child. A child flow is cancelled in turn; a leaf job's task is failed,
// which cancels the context of the processor running it.
func (f *flowInstance) Cancel(ctx context.Context, reason string) error {
	if err := f.build(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	if f.cancelled {
		f.mu.Unlock()
		return nil
	}
	f.cancelled = true
	f.cancelReason = reason
	f.record.IsCancelled = true
	f.record.Logs = append(f.record.Logs, cancelLine(reason))
	persisted := f.persisted
	taskID := f.record.TaskHandleID
	children := make([]api.TaskHandle, 0, len(f.activeChildren))
	for _, c := range f.activeChildren {
		children = append(children, c)
	}
	f.mu.Unlock()

	f.cancelOnce.Do(func() { close(f.cancelCh) })
	f.logger.Info("flow cancelled", zap.String("reason", reason), zap.Int("active_children", len(children)))

	var errs []error
	if persisted {
		u := persistence.NewUpdate().
			SetField(persistence.PathIsCancelled, true).
			PushField(persistence.PathLogs, cancelLine(reason))
		if err := f.update(ctx, "cancel", u); err != nil {
			errs = append(errs, err)
		}
	}
	f.engine.failTask(ctx, taskID, reason)

	for _, c := range children {
		if err := f.engine.signalChild(ctx, c, reason); err != nil {
			errs = append(errs, fmt.Errorf("cancel child %s: %w", c.UUID, err))
		}
	}

	f.engine.observer.OnFlowCancelled(ctx, f.Record(), reason)
	return errors.Join(errs...)
}

// signalChild delivers a parent's cancellation to one active child.
func (e *engineImpl) signalChild(ctx context.Context, c api.TaskHandle, reason string) error {
	if !c.IsFlow {
		e.failTask(ctx, c.UUID, reason)
		return nil
	}
	err := e.cancelByID(ctx, c.UUID, reason)
	if errors.Is(err, api.ErrFlowNotFound) {
		return nil
	}
	return err
}

// cancelLocal marks the instance cancelled after another process has already
// persisted the cancellation.
func (f *flowInstance) cancelLocal(reason string) {
	f.mu.Lock()
	already := f.cancelled
	f.cancelled = true
	f.cancelReason = reason
	f.record.IsCancelled = true
	f.mu.Unlock()

	if !already {
		f.cancelOnce.Do(func() { close(f.cancelCh) })
		f.logger.Info("flow cancelled externally")
	}
}

func cancelLine(reason string) string {
	if reason == "" {
		return "cancelled"
	}
	return "cancelled: " + reason
}

func (e *engineImpl) Cancel(ctx context.Context, uuid string, reason string) error {
	if err := validateUUID(uuid); err != nil {
		return err
	}
	return e.cancelByID(ctx, uuid, reason)
}

// cancelByID cancels the flow wherever it is: through the running instance in
// this process when there is one, otherwise through the durable record.
func (e *engineImpl) cancelByID(ctx context.Context, uuid, reason string) error {
	if delivered, err := e.bus.Signal(ctx, uuid, reason); delivered {
		return err
	}

	// Started here but not picked up yet.
	if inst := e.live.Get(uuid); inst != nil {
		err := inst.Cancel(ctx, reason)
		inst.release()
		return err
	}

	return e.cancelRecord(ctx, uuid, reason)
}

// cancelRecord cancels a flow that has no instance in this process. Its
// children are found through the store.
func (e *engineImpl) cancelRecord(ctx context.Context, uuid, reason string) error {
	rec, err := e.store.FindByID(ctx, uuid)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			return fmt.Errorf("flow %s: %w", uuid, api.ErrFlowNotFound)
		}
		return &api.PersistenceError{Op: "find", UUID: uuid, Err: err}
	}
	if rec.IsCompleted || rec.IsCancelled {
		return nil
	}

	u := persistence.NewUpdate().
		SetField(persistence.PathIsCancelled, true).
		PushField(persistence.PathLogs, cancelLine(reason))
	if err := e.store.Update(ctx, uuid, u); err != nil {
		return &api.PersistenceError{Op: "cancel", UUID: uuid, Err: err}
	}
	e.failTask(ctx, rec.TaskHandleID, reason)
	for _, step := range rec.Ancestors.Steps() {
		for _, anc := range rec.Ancestors[step] {
			if taskID, ok := anc.Data[api.FieldTaskID].(string); ok && !anc.Done {
				e.failTask(ctx, taskID, reason)
			}
		}
	}

	children, err := e.store.Find(ctx, persistence.Filter{ParentUUID: uuid})
	if err != nil {
		return &api.PersistenceError{Op: "find children", UUID: uuid, Err: err}
	}
	var errs []error
	for _, child := range children {
		if child.IsCompleted || child.IsCancelled {
			continue
		}
		if err := e.cancelByID(ctx, child.UUID, reason); err != nil {
			errs = append(errs, err)
		}
	}

	rec.IsCancelled = true
	rec.Logs = append(rec.Logs, cancelLine(reason))
	e.logger.Info("flow cancelled", zap.String("flow_uuid", uuid), zap.String("reason", reason))
	e.observer.OnFlowCancelled(ctx, rec, reason)
	return errors.Join(errs...)
}

// failTask fails a flow's backend task so waiters wake up. A task that already
// finished or no longer exists is ignored.
func (e *engineImpl) failTask(ctx context.Context, taskID, reason string) {
	if taskID == "" {
		return
	}
	err := e.backend.Fail(ctx, taskID, cancelLine(reason))
	switch {
	case err == nil,
		errors.Is(err, taskqueue.ErrInvalidTransition),
		errors.Is(err, taskqueue.ErrTaskNotFound):
	default:
		e.logger.Warn("failed to fail cancelled task", zap.String("task_id", taskID), zap.Error(err))
	}
}
