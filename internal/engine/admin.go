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

func (e *engineImpl) Start(ctx context.Context, flowType string, data map[string]any) (api.Flow, error) {
	def, err := e.registry.Get(flowType)
	if err != nil {
		return nil, err
	}
	data, err = mergeDynamic(data, def.dynamic)
	if err != nil {
		return nil, api.NewValidationError("data", err.Error())
	}

	inst, err := e.newFlowInstance(def, data)
	if err != nil {
		return nil, err
	}
	if err := inst.save(ctx); err != nil {
		return nil, err
	}

	inst.logger.Info("flow started", zap.Bool("resumed", inst.isRestarted))
	return inst, nil
}

func (e *engineImpl) Status(ctx context.Context, uuid string) ([]*api.FlowRecord, error) {
	if err := validateUUID(uuid); err != nil {
		return nil, err
	}
	recs, err := e.store.Find(ctx, persistence.Filter{UUID: uuid})
	if err != nil {
		return nil, &api.PersistenceError{Op: "status", UUID: uuid, Err: err}
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("flow %s: %w", uuid, api.ErrFlowNotFound)
	}
	return recs, nil
}

func (e *engineImpl) Search(ctx context.Context, filter api.SearchFilter) ([]*api.FlowRecord, error) {
	recs, err := e.store.Find(ctx, filter)
	if err != nil {
		return nil, &api.PersistenceError{Op: "search", Err: err}
	}
	if !filter.ActiveOnly {
		return recs, nil
	}

	out := recs[:0]
	for _, rec := range recs {
		task, err := e.backend.Get(ctx, rec.TaskHandleID)
		if err != nil {
			continue
		}
		if task.State == taskqueue.StateInactive || task.State == taskqueue.StateActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

// loadRecord validates uuid and returns its record.
func (e *engineImpl) loadRecord(ctx context.Context, uuid string) (*api.FlowRecord, error) {
	if err := validateUUID(uuid); err != nil {
		return nil, err
	}
	rec, err := e.store.FindByID(ctx, uuid)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			return nil, fmt.Errorf("flow %s: %w", uuid, api.ErrFlowNotFound)
		}
		return nil, &api.PersistenceError{Op: "find", UUID: uuid, Err: err}
	}
	return rec, nil
}

func (e *engineImpl) Reset(ctx context.Context, uuid string, step int) error {
	rec, err := e.loadRecord(ctx, uuid)
	if err != nil {
		return err
	}
	if e.live.Get(uuid) != nil {
		return fmt.Errorf("flow %s: %w", uuid, api.ErrFlowRunning)
	}
	if step < 1 || step > rec.StepsTaken+1 {
		return api.NewValidationError("step", fmt.Sprintf("must be between 1 and %d, got %d", rec.StepsTaken+1, step))
	}

	u := persistence.NewUpdate().
		SetField(persistence.PathStepsTaken, step-1).
		SetField(persistence.PathSubstepsTaken, []int{}).
		SetField(persistence.PathIsCompleted, false).
		SetField(persistence.PathIsCancelled, false).
		UnsetField(persistence.PathResult)
	for _, s := range rec.Ancestors.Steps() {
		if s < step {
			continue
		}
		u.UnsetField(persistence.StepPath(s))
		for _, anc := range rec.Ancestors[s] {
			if err := e.discardEntry(ctx, uuid, anc); err != nil {
				return err
			}
		}
	}
	if err := e.store.Update(ctx, uuid, u); err != nil {
		return &api.PersistenceError{Op: "reset", UUID: uuid, Err: err}
	}

	e.logger.Info("flow reset", zap.String("flow_uuid", uuid), zap.Int("step", step))
	return e.reactivate(ctx, rec)
}

func (e *engineImpl) Rollback(ctx context.Context, uuid string, step int) error {
	return e.Reset(ctx, uuid, step)
}

func (e *engineImpl) Restart(ctx context.Context, uuid string) error {
	rec, err := e.loadRecord(ctx, uuid)
	if err != nil {
		return err
	}
	if rec.IsChild || rec.ParentUUID != api.NoParent {
		return fmt.Errorf("flow %s: %w", uuid, api.ErrNotTopLevel)
	}

	if inst := e.live.Get(uuid); inst != nil {
		if err := inst.Cancel(ctx, "restart"); err != nil {
			inst.logger.Warn("cancelling live instance before restart failed", zap.Error(err))
		}
		inst.release()
	}

	if err := e.discardDescendants(ctx, rec); err != nil {
		return err
	}

	u := persistence.NewUpdate().
		SetField(persistence.PathStepsTaken, -1).
		SetField(persistence.PathSubstepsTaken, []int{}).
		SetField(persistence.PathAncestors, map[string]any{}).
		SetField(persistence.PathIsParent, false).
		SetField(persistence.PathIsCompleted, false).
		SetField(persistence.PathIsCancelled, false).
		UnsetField(persistence.PathResult)
	if err := e.store.Update(ctx, uuid, u); err != nil {
		return &api.PersistenceError{Op: "restart", UUID: uuid, Err: err}
	}

	e.logger.Info("flow restarted", zap.String("flow_uuid", uuid))
	return e.reactivate(ctx, rec)
}

// discardDescendants deletes every child flow record below rec and removes
// the backend tasks of all descendants, leaf jobs included.
func (e *engineImpl) discardDescendants(ctx context.Context, rec *api.FlowRecord) error {
	seen := map[string]bool{rec.UUID: true}
	queue := []*api.FlowRecord{rec}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		var childIDs []string
		for _, step := range cur.Ancestors.Steps() {
			for _, anc := range cur.Ancestors[step] {
				if id, ok := anc.Data[api.FieldUUID].(string); ok && id != cur.UUID {
					childIDs = append(childIDs, id)
				}
				if taskID, ok := anc.Data[api.FieldTaskID].(string); ok {
					e.removeTask(ctx, taskID)
				}
			}
		}
		byParent, err := e.store.Find(ctx, persistence.Filter{ParentUUID: cur.UUID})
		if err != nil {
			return &api.PersistenceError{Op: "find children", UUID: cur.UUID, Err: err}
		}
		for _, child := range byParent {
			childIDs = append(childIDs, child.UUID)
		}

		for _, id := range childIDs {
			if seen[id] {
				continue
			}
			seen[id] = true

			if inst := e.live.Get(id); inst != nil {
				inst.cancelLocal("parent restarted")
				inst.release()
			}
			child, err := e.store.FindByID(ctx, id)
			if err != nil {
				if errors.Is(err, persistence.ErrFlowNotFound) {
					continue
				}
				return &api.PersistenceError{Op: "find", UUID: id, Err: err}
			}
			e.removeTask(ctx, child.TaskHandleID)
			if err := e.store.Delete(ctx, id); err != nil && !errors.Is(err, persistence.ErrFlowNotFound) {
				return &api.PersistenceError{Op: "delete", UUID: id, Err: err}
			}
			queue = append(queue, child)
		}
	}
	return nil
}

// discardFlow deletes rec and its descendants and removes their tasks.
func (e *engineImpl) discardFlow(ctx context.Context, rec *api.FlowRecord) error {
	if inst := e.live.Get(rec.UUID); inst != nil {
		inst.cancelLocal("discarded")
		inst.release()
	}
	if err := e.discardDescendants(ctx, rec); err != nil {
		return err
	}
	e.removeTask(ctx, rec.TaskHandleID)
	if err := e.store.Delete(ctx, rec.UUID); err != nil && !errors.Is(err, persistence.ErrFlowNotFound) {
		return &api.PersistenceError{Op: "delete", UUID: rec.UUID, Err: err}
	}
	return nil
}

// discardEntry drops the work behind one ancestor entry of parent: a job's
// task, or a child flow with everything below it.
func (e *engineImpl) discardEntry(ctx context.Context, parent string, anc api.Ancestor) error {
	if taskID, ok := anc.Data[api.FieldTaskID].(string); ok {
		e.removeTask(ctx, taskID)
	}
	id, _ := anc.Data[api.FieldUUID].(string)
	isChild, _ := anc.Data[api.FieldIsChild].(bool)
	if !isChild || id == "" || id == parent {
		return nil
	}

	rec, err := e.store.FindByID(ctx, id)
	if errors.Is(err, persistence.ErrFlowNotFound) {
		return nil
	}
	if err != nil {
		return &api.PersistenceError{Op: "find", UUID: id, Err: err}
	}
	if rec.ParentUUID != parent {
		return nil
	}
	return e.discardFlow(ctx, rec)
}

func (e *engineImpl) removeTask(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := e.backend.Remove(ctx, id); err != nil && !errors.Is(err, taskqueue.ErrTaskNotFound) {
		e.logger.Warn("removing task failed", zap.String("task_id", id), zap.Error(err))
	}
}

// reactivate puts a flow's task back in the queue, or submits a new task when
// the old one is gone.
func (e *engineImpl) reactivate(ctx context.Context, rec *api.FlowRecord) error {
	if rec.TaskHandleID != "" {
		err := e.backend.Reactivate(ctx, rec.TaskHandleID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, taskqueue.ErrTaskNotFound) {
			return fmt.Errorf("flow %s: reactivate: %w", rec.UUID, err)
		}
	}

	task := e.backend.NewTask(api.FlowTaskType(rec.Type), copyMap(rec.Data))
	if err := e.store.Update(ctx, rec.UUID, persistence.NewUpdate().SetField(persistence.PathTaskHandleID, task.ID)); err != nil {
		return &api.PersistenceError{Op: "reactivate", UUID: rec.UUID, Err: err}
	}
	if err := e.backend.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("flow %s: enqueue: %w", rec.UUID, err)
	}
	return nil
}

func (e *engineImpl) Clone(ctx context.Context, uuid string) (api.Flow, error) {
	rec, err := e.loadRecord(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return e.Start(ctx, rec.Type, rec.ExternalData())
}

// Recover sweeps flow tasks left over from a previous process. Child flow
// tasks that no parent will wait on are removed and stuck ones requeued;
// unfinished top-level flows are queued again.
func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	touched := 0
	for _, state := range []taskqueue.State{taskqueue.StateInactive, taskqueue.StateActive, taskqueue.StateFailed} {
		tasks, err := e.backend.List(ctx, state)
		if err != nil {
			return touched, fmt.Errorf("recover: list %s tasks: %w", state, err)
		}
		for _, task := range tasks {
			if !api.IsFlowTaskType(task.Type) {
				continue
			}
			n, err := e.recoverTask(ctx, task)
			if err != nil {
				return touched, err
			}
			touched += n
		}
	}

	e.logger.Info("recovery finished", zap.Int("tasks", touched))
	return touched, nil
}

func (e *engineImpl) recoverTask(ctx context.Context, task *taskqueue.Task) (int, error) {
	id, _ := task.Payload[api.FieldUUID].(string)
	if id == "" {
		return 0, nil
	}
	rec, err := e.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			return 0, nil
		}
		return 0, &api.PersistenceError{Op: "recover", UUID: id, Err: err}
	}

	if rec.IsChild {
		return e.recoverChildTask(ctx, task, rec)
	}

	if rec.IsCompleted || rec.IsCancelled || rec.TaskHandleID != task.ID {
		return 0, nil
	}
	if task.State == taskqueue.StateInactive || e.live.Get(id) != nil {
		return 0, nil
	}
	if err := e.backend.Reactivate(ctx, task.ID); err != nil {
		return 0, fmt.Errorf("recover %s: %w", id, err)
	}
	e.logger.Info("requeued flow", zap.String("flow_uuid", id), zap.String("task_id", task.ID))
	return 1, nil
}

// recoverChildTask handles the task of a child flow. A task is removed when
// its parent is gone or finished, when the child is finished, or when the
// task no longer owns the child. An owning task stuck in the active state is
// requeued. A queued owning task stays: a worker runs it and the parent's
// resume adopts the child and waits on it. A failed one is replaced by the
// parent's resume.
func (e *engineImpl) recoverChildTask(ctx context.Context, task *taskqueue.Task, rec *api.FlowRecord) (int, error) {
	orphaned := false
	parent, err := e.store.FindByID(ctx, rec.ParentUUID)
	switch {
	case errors.Is(err, persistence.ErrFlowNotFound):
		orphaned = true
	case err != nil:
		return 0, &api.PersistenceError{Op: "recover", UUID: rec.ParentUUID, Err: err}
	default:
		orphaned = parent.IsCompleted || parent.IsCancelled
	}

	logger := e.logger.With(zap.String("flow_uuid", rec.UUID), zap.String("task_id", task.ID))
	switch {
	case orphaned, rec.IsCompleted, rec.IsCancelled, rec.TaskHandleID != task.ID:
		e.removeTask(ctx, task.ID)
		logger.Info("removed leftover child task", zap.Bool("orphaned", orphaned))
		return 1, nil
	case task.State == taskqueue.StateActive && e.live.Get(rec.UUID) == nil:
		if err := e.backend.Reactivate(ctx, task.ID); err != nil {
			return 0, fmt.Errorf("recover %s: %w", rec.UUID, err)
		}
		logger.Info("requeued child flow")
		return 1, nil
	}
	return 0, nil
}

func (e *engineImpl) Wait(ctx context.Context, uuid string) (*api.FlowRecord, error) {
	rec, err := e.loadRecord(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if rec.IsCompleted || rec.IsCancelled {
		return rec, nil
	}

	_, waitErr := e.backend.Wait(ctx, rec.TaskHandleID)
	final, err := e.store.FindByID(ctx, uuid)
	if err != nil {
		return nil, &api.PersistenceError{Op: "find", UUID: uuid, Err: err}
	}
	if waitErr != nil && !final.IsCancelled {
		return final, fmt.Errorf("flow %s: %w", uuid, waitErr)
	}
	return final, nil
}
