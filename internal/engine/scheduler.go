package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flough/internal/persistence"
	"github.com/petrijr/flough/internal/taskqueue"
	"github.com/petrijr/flough/pkg/api"
)

// End runs the registered steps. It is idempotent: later calls wait for the
// first and return its result.
func (f *flowInstance) End(ctx context.Context) (*api.FlowRecord, error) {
	f.mu.Lock()
	f.endCalled = true
	f.mu.Unlock()

	f.endOnce.Do(func() {
		f.endRec, f.endErr = f.runSteps(ctx)

		f.mu.Lock()
		f.ended = true
		f.mu.Unlock()
	})
	return f.endRec, f.endErr
}

func (f *flowInstance) endWasCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endCalled
}

func (f *flowInstance) runSteps(ctx context.Context) (*api.FlowRecord, error) {
	if err := f.build(ctx); err != nil {
		return nil, err
	}
	rec := f.Record()
	if rec.IsCompleted || rec.IsCancelled || f.IsCancelled() {
		return rec, nil
	}

	if err := f.cleanup(ctx); err != nil {
		return nil, err
	}
	if rec.StepsTaken < 0 {
		if err := f.update(ctx, "init", persistence.NewUpdate().SetField(persistence.PathStepsTaken, 0)); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.record.StepsTaken = 0
		f.mu.Unlock()
	}

	for step := 1; ; step++ {
		cancelled, err := f.checkCancelled(ctx)
		if err != nil {
			return nil, err
		}
		if cancelled {
			return f.Record(), nil
		}

		f.mu.Lock()
		last := f.lastStep()
		if step > last {
			f.mu.Unlock()
			break
		}
		handlers := append([]*stepHandler(nil), f.handlers[step]...)
		f.currentStep = step
		f.mu.Unlock()

		if len(handlers) == 0 {
			continue
		}

		started := time.Now()
		cancelled, err = f.runStep(ctx, step, handlers)
		if err != nil {
			return f.Record(), err
		}
		if cancelled {
			return f.Record(), nil
		}
		if err := f.checkpoint(ctx, step); err != nil {
			return nil, err
		}
		f.engine.observer.OnStepCompleted(ctx, f.Record(), step, time.Since(started))
	}

	return f.Record(), nil
}

// lastStep is the highest registered step. Callers hold f.mu.
func (f *flowInstance) lastStep() int {
	last := 0
	for step := range f.handlers {
		if step > last {
			last = step
		}
	}
	return last
}

// checkCancelled reports whether the flow was cancelled, here or by another
// process through the store.
func (f *flowInstance) checkCancelled(ctx context.Context) (bool, error) {
	if f.IsCancelled() {
		return true, nil
	}
	stored, err := f.engine.store.FindByID(ctx, f.uuid)
	if err != nil {
		return false, f.persistenceError("check cancelled", err)
	}
	if stored.IsCancelled {
		f.cancelLocal("cancelled externally")
		return true, nil
	}
	return false, nil
}

// runStep launches every handler of step that has not completed yet and
// waits for all of them. A sibling failure does not interrupt the others so
// their results are recorded before the step fails.
func (f *flowInstance) runStep(ctx context.Context, step int, handlers []*stepHandler) (bool, error) {
	f.mu.Lock()
	stepsTaken := f.record.StepsTaken
	taken := append([]int(nil), f.record.SubstepsTaken...)
	ancestors := f.record.Ancestors.Clone()
	f.mu.Unlock()

	var runnable []*stepHandler
	for _, h := range handlers {
		if alreadyTaken(h, stepsTaken, taken) {
			f.logger.Debug("skipping completed task",
				zap.Int("step", h.step),
				zap.Int("substep", h.substep),
				zap.String("task_type", h.taskType),
			)
			continue
		}
		runnable = append(runnable, h)
	}
	if len(runnable) == 0 {
		return false, nil
	}

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()

	var g errgroup.Group
	for _, h := range runnable {
		g.Go(func() error {
			return f.runHandler(waitCtx, h, ancestors)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && f.IsCancelled() {
			return true, nil
		}
		return false, err
	case <-f.cancelCh:
		return true, nil
	}
}

func alreadyTaken(h *stepHandler, stepsTaken int, taken []int) bool {
	if h.step <= stepsTaken {
		return true
	}
	if h.step == stepsTaken+1 {
		for _, s := range taken {
			if s == h.substep {
				return true
			}
		}
	}
	return false
}

// runHandler launches one task, waits for it and records its result.
func (f *flowInstance) runHandler(ctx context.Context, h *stepHandler, ancestors api.Ancestors) error {
	started := time.Now()

	var (
		handle api.TaskHandle
		result any
		data   map[string]any
		err    error
	)
	switch h.kind {
	case kindJob:
		handle, result, data, err = f.launchJob(ctx, h, ancestors)
	case kindFlow:
		handle, result, data, err = f.launchFlow(ctx, h, ancestors)
	default:
		handle, result, err = f.launchExec(ctx, h, ancestors)
	}

	if err == nil && !f.IsCancelled() {
		err = f.completeChild(ctx, h.step, h.substep, data, result)
	}
	f.engine.observer.OnTaskCompleted(ctx, f.Record(), handle, err, time.Since(started))
	return err
}

func (f *flowInstance) launchJob(ctx context.Context, h *stepHandler, ancestors api.Ancestors) (api.TaskHandle, any, map[string]any, error) {
	handle := api.TaskHandle{Type: h.taskType, Step: h.step, Substep: h.substep, ParentUUID: f.uuid}

	if anc, ok := f.takeResumable(h); ok {
		result, adopted, err := f.adoptJob(ctx, h, &handle, anc)
		if adopted || err != nil {
			return handle, result, anc.Data, err
		}
	}

	payload, err := h.input(ancestors)
	if err != nil {
		return handle, nil, nil, f.taskFailure(h, err)
	}
	payload[api.FieldParentUUID] = f.uuid
	payload[api.FieldStep] = h.step
	payload[api.FieldSubstep] = h.substep

	task := f.engine.backend.NewTask(h.taskType, payload)
	task.MaxAttempts = f.def.opts.JobAttempts
	payload[api.FieldTaskID] = task.ID
	handle.UUID = task.ID

	if err := f.recordInFlight(ctx, h, payload); err != nil {
		return handle, nil, nil, err
	}

	f.addChild(handle)
	defer f.removeChild(handle.UUID)

	if err := f.engine.backend.Enqueue(ctx, task); err != nil {
		return handle, nil, nil, fmt.Errorf("flow %s: enqueue %s: %w", f.uuid, h.taskType, err)
	}
	done, err := f.engine.backend.Wait(ctx, task.ID)
	if err != nil {
		return handle, nil, nil, f.taskFailure(h, err)
	}
	return handle, done.Result, payload, nil
}

func (f *flowInstance) launchFlow(ctx context.Context, h *stepHandler, ancestors api.Ancestors) (api.TaskHandle, any, map[string]any, error) {
	handle := api.TaskHandle{Type: h.taskType, Step: h.step, Substep: h.substep, ParentUUID: f.uuid, IsFlow: true}

	def, err := f.engine.registry.Get(h.taskType)
	if err != nil {
		return handle, nil, nil, err
	}
	data, err := h.input(ancestors)
	if err != nil {
		return handle, nil, nil, f.taskFailure(h, err)
	}
	data, err = mergeDynamic(data, def.dynamic)
	if err != nil {
		return handle, nil, nil, f.taskFailure(h, err)
	}
	delete(data, api.FieldUUID)
	adopted, err := f.adoptableChild(ctx, h, def)
	if err != nil {
		return handle, nil, nil, err
	}
	if adopted != "" {
		data[api.FieldUUID] = adopted
	}
	data[api.FieldType] = def.flowType
	data[api.FieldParentUUID] = f.uuid
	data[api.FieldIsChild] = true
	data[api.FieldStep] = h.step
	data[api.FieldSubstep] = h.substep

	child, err := f.engine.newFlowInstance(def, data)
	if err != nil {
		return handle, nil, nil, err
	}
	handle.UUID = child.uuid
	if err := child.build(ctx); err != nil {
		return handle, nil, nil, err
	}
	childRec := child.Record()
	childData := childRec.Data
	if childRec.IsCompleted {
		// Finished while this flow was down.
		return handle, childRec.Result, childData, nil
	}

	if err := f.markParent(ctx); err != nil {
		return handle, nil, nil, err
	}
	if err := f.recordInFlight(ctx, h, childData); err != nil {
		return handle, nil, nil, err
	}

	f.addChild(handle)
	defer f.removeChild(handle.UUID)

	taskID, err := f.startChild(ctx, child)
	if err != nil {
		return handle, nil, nil, err
	}
	done, err := f.engine.backend.Wait(ctx, taskID)
	if err != nil {
		return handle, nil, nil, f.taskFailure(h, err)
	}
	return handle, done.Result, childData, nil
}

// adoptJob picks up the task an interrupted run launched for h. A completed
// task hands over its result and a queued one is waited on. Any other task is
// removed, which cancels it if it is still running, and the job launches
// again.
func (f *flowInstance) adoptJob(ctx context.Context, h *stepHandler, handle *api.TaskHandle, anc api.Ancestor) (any, bool, error) {
	taskID, _ := anc.Data[api.FieldTaskID].(string)
	if taskID == "" {
		return nil, false, f.engine.discardEntry(ctx, f.uuid, anc)
	}
	handle.UUID = taskID

	task, err := f.engine.backend.Get(ctx, taskID)
	if errors.Is(err, taskqueue.ErrTaskNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("flow %s: get task %s: %w", f.uuid, taskID, err)
	}

	switch task.State {
	case taskqueue.StateCompleted:
		f.logger.Debug("adopting completed job", zap.String("task_id", taskID), zap.Int("step", h.step), zap.Int("substep", h.substep))
		return task.Result, true, nil
	case taskqueue.StateInactive:
		f.addChild(*handle)
		defer f.removeChild(taskID)

		done, err := f.engine.backend.Wait(ctx, taskID)
		if err != nil {
			return nil, true, f.taskFailure(h, err)
		}
		return done.Result, true, nil
	default:
		f.engine.removeTask(ctx, taskID)
		return nil, false, nil
	}
}

// adoptableChild returns the uuid of the child flow an interrupted run
// launched for h when that child can carry on where it stopped. A child of
// another type, or one cancelled on its own, is discarded and "" returned.
func (f *flowInstance) adoptableChild(ctx context.Context, h *stepHandler, def *flowDefinition) (string, error) {
	anc, ok := f.takeResumable(h)
	if !ok {
		return "", nil
	}
	id, _ := anc.Data[api.FieldUUID].(string)
	if isChild, _ := anc.Data[api.FieldIsChild].(bool); !isChild || id == "" {
		return "", f.engine.discardEntry(ctx, f.uuid, anc)
	}

	rec, err := f.engine.store.FindByID(ctx, id)
	if errors.Is(err, persistence.ErrFlowNotFound) {
		// Interrupted before the child's record was written.
		return id, nil
	}
	if err != nil {
		return "", f.persistenceError("find child", err)
	}
	if rec.Type == def.flowType && rec.ParentUUID == f.uuid && !rec.IsCancelled {
		f.logger.Debug("adopting child flow", zap.String("child_uuid", id), zap.Int("steps_taken", rec.StepsTaken))
		return id, nil
	}

	f.logger.Info("discarding child flow", zap.String("child_uuid", id), zap.String("child_type", rec.Type))
	return "", f.engine.discardFlow(ctx, rec)
}

// startChild submits child's task and returns the id to wait on. An adopted
// child that is running here, or whose task is still queued, keeps its task;
// otherwise the old task is removed and a new one submitted.
func (f *flowInstance) startChild(ctx context.Context, child *flowInstance) (string, error) {
	child.mu.Lock()
	persisted := child.persisted
	old := child.record.TaskHandleID
	child.mu.Unlock()

	if persisted {
		if live := f.engine.live.Get(child.uuid); live != nil {
			return live.taskID(), nil
		}
		if old != "" {
			task, err := f.engine.backend.Get(ctx, old)
			switch {
			case err == nil && task.State == taskqueue.StateInactive:
				return old, nil
			case err != nil && !errors.Is(err, taskqueue.ErrTaskNotFound):
				return "", fmt.Errorf("flow %s: get task %s: %w", child.uuid, old, err)
			}
			f.engine.removeTask(ctx, old)
		}
	}

	if err := child.save(ctx); err != nil {
		return "", err
	}
	return child.taskID(), nil
}

func (f *flowInstance) launchExec(ctx context.Context, h *stepHandler, ancestors api.Ancestors) (api.TaskHandle, any, error) {
	handle := api.TaskHandle{
		UUID:       fmt.Sprintf("%s/%d.%d", f.uuid, h.step, h.substep),
		Type:       h.taskType,
		Step:       h.step,
		Substep:    h.substep,
		ParentUUID: f.uuid,
	}
	result, err := h.exec(ctx, ancestors)
	if err != nil {
		return handle, nil, f.taskFailure(h, err)
	}
	return handle, result, nil
}

func (f *flowInstance) taskFailure(h *stepHandler, err error) error {
	return &api.TaskFailure{UUID: f.uuid, Type: h.taskType, Step: h.step, Substep: h.substep, Err: err}
}

// checkpoint advances stepsTaken to step. It never moves backwards, so a
// resumed run replaying an already checkpointed step leaves the record alone.
func (f *flowInstance) checkpoint(ctx context.Context, step int) error {
	f.mu.Lock()
	behind := step > f.record.StepsTaken
	f.mu.Unlock()
	if !behind {
		return nil
	}

	u := persistence.NewUpdate().
		SetField(persistence.PathStepsTaken, step).
		SetField(persistence.PathSubstepsTaken, []int{})
	if err := f.update(ctx, "checkpoint", u); err != nil {
		return err
	}

	f.mu.Lock()
	f.record.StepsTaken = step
	f.record.SubstepsTaken = []int{}
	f.mu.Unlock()
	f.logger.Debug("step checkpointed", zap.Int("step", step))
	return nil
}
