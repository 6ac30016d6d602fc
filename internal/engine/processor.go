package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/petrijr/flough/internal/persistence"
	"github.com/petrijr/flough/internal/taskqueue"
	"github.com/petrijr/flough/pkg/api"
)

// flowProcessor is the task queue processor for flows of def's type. It runs
// the flow's handler for one pickup of its task.
func (e *engineImpl) flowProcessor(def *flowDefinition) taskqueue.Processor {
	return func(ctx context.Context, task *taskqueue.Task) (any, error) {
		inst, err := e.instanceForTask(ctx, def, task)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			return nil, nil
		}
		return e.runFlow(ctx, inst)
	}
}

// instanceForTask returns the instance that should run task: the live one
// created by Start or SubFlow in this process, or a new one restored from the
// store. It returns nil for a task that no longer owns its flow.
func (e *engineImpl) instanceForTask(ctx context.Context, def *flowDefinition, task *taskqueue.Task) (*flowInstance, error) {
	id, _ := task.Payload[api.FieldUUID].(string)
	if id != "" {
		if inst := e.live.Get(id); inst != nil {
			if inst.taskID() != task.ID {
				e.staleTask(task, id)
				return nil, nil
			}
			return inst, nil
		}
	}

	inst, err := e.newFlowInstance(def, task.Payload)
	if err != nil {
		return nil, err
	}
	if err := inst.build(ctx); err != nil {
		return nil, err
	}

	inst.mu.Lock()
	persisted := inst.persisted
	owner := inst.record.TaskHandleID
	inst.mu.Unlock()

	switch {
	case persisted && owner != "" && owner != task.ID:
		e.staleTask(task, inst.uuid)
		return nil, nil
	case persisted && owner == "":
		if err := inst.update(ctx, "claim", persistence.NewUpdate().SetField(persistence.PathTaskHandleID, task.ID)); err != nil {
			return nil, err
		}
		inst.mu.Lock()
		inst.record.TaskHandleID = task.ID
		inst.mu.Unlock()
	case !persisted:
		inst.mu.Lock()
		inst.record.TaskHandleID = task.ID
		rec := cloneRecord(inst.record)
		inst.mu.Unlock()
		if err := e.store.Create(ctx, rec); err != nil {
			return nil, inst.persistenceError("create", err)
		}
		inst.mu.Lock()
		inst.persisted = true
		inst.mu.Unlock()
	}

	if !e.live.Add(inst) {
		existing := e.live.Get(inst.uuid)
		if existing == nil || existing.taskID() != task.ID {
			e.staleTask(task, inst.uuid)
			return nil, nil
		}
		return existing, nil
	}
	return inst, nil
}

func (e *engineImpl) staleTask(task *taskqueue.Task, uuid string) {
	e.logger.Info("ignoring stale flow task",
		zap.String("task_id", task.ID),
		zap.String("flow_uuid", uuid),
	)
}

// runFlow invokes the handler, makes sure the steps ran, and records the
// outcome.
func (e *engineImpl) runFlow(ctx context.Context, inst *flowInstance) (any, error) {
	defer inst.release()

	rec := inst.Record()
	if rec.IsCompleted {
		return rec.Result, nil
	}
	if rec.IsCancelled {
		return nil, nil
	}

	inst.begin()
	e.observer.OnFlowStart(ctx, rec)

	result, err := e.callHandler(ctx, inst)
	if err == nil && !inst.endWasCalled() {
		inst.logger.Warn("handler returned without calling End")
		_, err = inst.End(ctx)
	}

	if err != nil && errors.Is(context.Cause(ctx), taskqueue.ErrTaskCancelled) {
		// Cancelled through the store by another process.
		if _, cerr := inst.checkCancelled(context.WithoutCancel(ctx)); cerr != nil {
			inst.logger.Warn("checking cancellation failed", zap.Error(cerr))
		}
	}
	if inst.IsCancelled() {
		// Cancel already failed the task and notified the observer.
		return nil, nil
	}
	if err != nil {
		e.observer.OnFlowFailed(ctx, inst.Record(), err)
		if e.strict {
			inst.logger.DPanic("flow failed", zap.Error(err))
		} else {
			inst.logger.Error("flow failed", zap.Error(err))
		}
		return nil, err
	}

	if err := inst.setFlowResult(ctx, result); err != nil {
		return nil, err
	}
	final := inst.Record()
	e.propagateToParent(ctx, final, result)
	e.observer.OnFlowCompleted(ctx, final)
	return result, nil
}

// callHandler runs the handler. Outside strict mode a panic becomes an error.
func (e *engineImpl) callHandler(ctx context.Context, inst *flowInstance) (result any, err error) {
	if !e.strict {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("flow %s: handler panicked: %v", inst.uuid, r)
			}
		}()
	}
	return inst.def.handler(ctx, inst)
}

func (f *flowInstance) setFlowResult(ctx context.Context, result any) error {
	if _, err := persistence.EncodeValue(result); err != nil {
		return fmt.Errorf("flow %s: result is not serializable: %w", f.uuid, err)
	}

	u := persistence.NewUpdate().
		SetField(persistence.PathIsCompleted, true).
		SetField(persistence.PathResult, result)
	if err := f.update(ctx, "complete", u); err != nil {
		return err
	}

	f.mu.Lock()
	f.record.IsCompleted = true
	f.record.Result = result
	f.mu.Unlock()
	return nil
}
