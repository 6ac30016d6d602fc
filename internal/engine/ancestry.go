package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/petrijr/flough/internal/persistence"
	"github.com/petrijr/flough/pkg/api"
)

// recordInFlight writes a done:false entry for a task about to launch. If
// the process dies before the task finishes, the entry is pruned on resume
// and the task is launched again.
func (f *flowInstance) recordInFlight(ctx context.Context, h *stepHandler, data map[string]any) error {
	anc := api.Ancestor{Data: data}
	u := persistence.NewUpdate().SetField(persistence.AncestorPath(h.step, h.substep), anc)
	if err := f.update(ctx, "record in-flight", u); err != nil {
		return err
	}

	f.mu.Lock()
	f.setAncestor(h.step, h.substep, anc)
	f.mu.Unlock()
	return nil
}

// completeChild records a finished task and marks its substep as taken.
// Both writes happen in one update so a crash never leaves one without the
// other.
func (f *flowInstance) completeChild(ctx context.Context, step, substep int, data map[string]any, result any) error {
	anc := api.Ancestor{Data: data, Result: result, Done: true}
	u := persistence.NewUpdate().
		SetField(persistence.AncestorPath(step, substep), anc).
		AddToSetField(persistence.PathSubstepsTaken, substep)
	if err := f.update(ctx, "complete child", u); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.setAncestor(step, substep, anc)
	if !f.record.HasSubstep(substep) {
		f.record.SubstepsTaken = append(f.record.SubstepsTaken, substep)
	}
	return nil
}

// setAncestor updates the cached record. Callers hold f.mu.
func (f *flowInstance) setAncestor(step, substep int, anc api.Ancestor) {
	if f.record.Ancestors == nil {
		f.record.Ancestors = api.Ancestors{}
	}
	if f.record.Ancestors[step] == nil {
		f.record.Ancestors[step] = make(map[int]api.Ancestor)
	}
	f.record.Ancestors[step][substep] = anc
}

func (f *flowInstance) markParent(ctx context.Context) error {
	f.mu.Lock()
	already := f.record.IsParent
	f.mu.Unlock()
	if already {
		return nil
	}

	if err := f.update(ctx, "mark parent", persistence.NewUpdate().SetField(persistence.PathIsParent, true)); err != nil {
		return err
	}
	f.mu.Lock()
	f.record.IsParent = true
	f.mu.Unlock()
	return nil
}

func (f *flowInstance) addChild(h api.TaskHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeChildren[h.UUID] = h
}

func (f *flowInstance) removeChild(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.activeChildren, id)
}

// cleanup drops ancestor entries that do not match the checkpoint: steps
// past the one in progress, unfinished substeps of the step in progress and
// in-flight entries of completed steps. An in-flight entry of the step in
// progress that names a child flow or a job task is kept and remembered, so
// launching that substep again adopts the child instead of starting over.
// What remains describes exactly the work that will be skipped or adopted on
// this run.
func (f *flowInstance) cleanup(ctx context.Context) error {
	f.mu.Lock()
	rec := f.record
	next := rec.StepsTaken + 1
	var stale []string
	var drop []position
	for _, step := range rec.Ancestors.Steps() {
		if step > next {
			stale = append(stale, persistence.StepPath(step))
			drop = append(drop, position{step: step})
			continue
		}
		for substep, anc := range rec.Ancestors[step] {
			pos := position{step, substep}
			if step == next && !anc.Done && !rec.HasSubstep(substep) && adoptable(anc, f.uuid) {
				f.resumable[pos] = anc
				continue
			}
			if (step == next && !rec.HasSubstep(substep)) || (step < next && !anc.Done) {
				stale = append(stale, persistence.AncestorPath(step, substep))
				drop = append(drop, pos)
			}
		}
	}
	f.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)

	u := persistence.NewUpdate()
	for _, p := range stale {
		u.UnsetField(p)
	}
	if err := f.update(ctx, "cleanup", u); err != nil {
		return err
	}
	f.logger.Debug("pruned stale ancestors", zap.Strings("paths", stale))

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range drop {
		if k.substep == 0 {
			delete(f.record.Ancestors, k.step)
			continue
		}
		delete(f.record.Ancestors[k.step], k.substep)
	}
	return nil
}

// adoptable reports whether an in-flight entry names a child flow or a job
// task that a resumed run can pick up again.
func adoptable(anc api.Ancestor, self string) bool {
	if id, _ := anc.Data[api.FieldUUID].(string); id != "" && id != self {
		isChild, _ := anc.Data[api.FieldIsChild].(bool)
		return isChild
	}
	id, _ := anc.Data[api.FieldTaskID].(string)
	return id != ""
}

// takeResumable returns the in-flight entry cleanup kept for h, once.
func (f *flowInstance) takeResumable(h *stepHandler) (api.Ancestor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pos := position{h.step, h.substep}
	anc, ok := f.resumable[pos]
	delete(f.resumable, pos)
	return anc, ok
}

// propagateToParent writes a finished child's result into its parent's
// ancestors. The parent's own scheduler records the same entry when its wait
// returns; this write covers a parent that is not running anywhere.
func (e *engineImpl) propagateToParent(ctx context.Context, rec *api.FlowRecord, result any) {
	if !rec.IsChild || rec.ParentUUID == "" || rec.ParentUUID == api.NoParent {
		return
	}
	step, ok1 := intField(rec.Data, api.FieldStep)
	substep, ok2 := intField(rec.Data, api.FieldSubstep)
	if !ok1 || !ok2 {
		e.logger.Warn("child flow has no step position", zap.String("flow_uuid", rec.UUID))
		return
	}

	parent, err := e.store.FindByID(ctx, rec.ParentUUID)
	if err != nil {
		if !errors.Is(err, persistence.ErrFlowNotFound) {
			e.logger.Warn("parent lookup failed", zap.String("flow_uuid", rec.UUID), zap.Error(err))
		}
		return
	}
	if parent.IsCancelled || parent.IsCompleted {
		return
	}

	u := persistence.NewUpdate().
		SetField(persistence.AncestorPath(step, substep), api.Ancestor{Data: rec.Data, Result: result, Done: true})
	if parent.StepsTaken+1 == step {
		u.AddToSetField(persistence.PathSubstepsTaken, substep)
	}
	if err := e.store.Update(ctx, rec.ParentUUID, u); err != nil {
		e.logger.Warn("propagating child result failed",
			zap.String("flow_uuid", rec.UUID),
			zap.String("parent_uuid", rec.ParentUUID),
			zap.Error(err),
		)
	}
}

// intField reads an integer that may have been through a JSON round trip.
func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}
