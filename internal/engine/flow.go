package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/flough/internal/persistence"
	"github.com/petrijr/flough/pkg/api"
)

type handlerKind int

const (
	kindJob handlerKind = iota
	kindFlow
	kindExec
)

func (k handlerKind) String() string {
	switch k {
	case kindJob:
		return "job"
	case kindFlow:
		return "flow"
	default:
		return "exec"
	}
}

// position locates a task within a flow.
type position struct{ step, substep int }

// stepHandler is a task registered by a handler but not yet launched.
type stepHandler struct {
	kind     handlerKind
	step     int
	substep  int
	taskType string
	data     map[string]any
	dataFn   api.DataFunc
	exec     api.ExecFunc
}

// input evaluates the task's data against the ancestors recorded so far.
func (h *stepHandler) input(ancestors api.Ancestors) (map[string]any, error) {
	if h.dataFn != nil {
		data, err := h.dataFn(ancestors)
		if err != nil {
			return nil, err
		}
		return copyMap(data), nil
	}
	return copyMap(h.data), nil
}

// flowInstance is the runtime side of one flow: the cached durable record
// plus scheduling state that is rebuilt from the record on every resume.
type flowInstance struct {
	engine      *engineImpl
	def         *flowDefinition
	uuid        string
	isRestarted bool
	logger      *zap.Logger

	input     map[string]any
	buildOnce sync.Once
	buildErr  error

	mu              sync.Mutex
	record          *api.FlowRecord
	persisted       bool
	attached        map[string]any
	substepCounters map[int]int
	handlers        map[int][]*stepHandler
	activeChildren  map[string]api.TaskHandle
	resumable       map[position]api.Ancestor
	currentStep     int
	ended           bool
	endCalled       bool
	cancelled       bool
	cancelReason    string
	unsubscribe     func()

	cancelCh   chan struct{}
	cancelOnce sync.Once

	endOnce sync.Once
	endRec  *api.FlowRecord
	endErr  error
}

// Ensure flowInstance implements api.Flow.
var _ api.Flow = (*flowInstance)(nil)

// newFlowInstance prepares an instance for data. A FieldUUID entry resumes
// that uuid; otherwise a new one is generated.
func (e *engineImpl) newFlowInstance(def *flowDefinition, data map[string]any) (*flowInstance, error) {
	id := uuid.NewString()
	restarted := false
	if v, ok := data[api.FieldUUID]; ok && v != nil && v != "" {
		s, ok := v.(string)
		if !ok {
			return nil, api.NewValidationError("uuid", fmt.Sprintf("expected string, got %T", v))
		}
		if err := validateUUID(s); err != nil {
			return nil, err
		}
		id, restarted = s, true
	}

	return &flowInstance{
		engine:      e,
		def:         def,
		uuid:        id,
		isRestarted: restarted,
		logger: e.logger.With(
			zap.String("flow_uuid", id),
			zap.String("flow_type", def.flowType),
		),
		input:           copyMap(data),
		substepCounters: make(map[int]int),
		handlers:        make(map[int][]*stepHandler),
		activeChildren:  make(map[string]api.TaskHandle),
		resumable:       make(map[position]api.Ancestor),
		cancelCh:        make(chan struct{}),
	}, nil
}

func validateUUID(s string) error {
	if _, err := uuid.Parse(s); err != nil {
		return api.NewValidationError("uuid", fmt.Sprintf("%q is not a valid uuid", s))
	}
	return nil
}

// build splits the input into persisted and attach-only fields, applies the
// record defaults and restores progress from the store when the uuid already
// has a record. It runs once; later calls return the first result.
func (f *flowInstance) build(ctx context.Context) error {
	f.buildOnce.Do(func() {
		f.buildErr = f.doBuild(ctx)
	})
	return f.buildErr
}

func (f *flowInstance) doBuild(ctx context.Context) error {
	persisted := make(map[string]any, len(f.input))
	attached := make(map[string]any)
	for k, v := range f.input {
		if f.def.noSave(k) {
			attached[k] = v
			continue
		}
		persisted[k] = v
	}

	persisted[api.FieldUUID] = f.uuid
	persisted[api.FieldType] = f.def.flowType
	parent, _ := persisted[api.FieldParentUUID].(string)
	if parent == "" {
		parent = api.NoParent
		persisted[api.FieldParentUUID] = parent
	}
	isChild, _ := persisted[api.FieldIsChild].(bool)

	rec := &api.FlowRecord{
		UUID:          f.uuid,
		Type:          f.def.flowType,
		StepsTaken:    -1,
		SubstepsTaken: []int{},
		Ancestors:     api.Ancestors{},
		IsChild:       isChild,
		ParentUUID:    parent,
		Data:          persisted,
		Logs:          []string{},
	}

	stored, err := f.engine.store.FindByID(ctx, f.uuid)
	switch {
	case err == nil:
		if stored.Type != f.def.flowType {
			return api.NewValidationError("uuid", fmt.Sprintf("flow %s has type %q, not %q", f.uuid, stored.Type, f.def.flowType))
		}
		rec = stored
		f.persisted = true
		f.logger.Debug("restored flow",
			zap.Int("steps_taken", rec.StepsTaken),
			zap.Ints("substeps_taken", rec.SubstepsTaken),
		)
	case errors.Is(err, persistence.ErrFlowNotFound):
	default:
		return f.persistenceError("find", err)
	}

	f.mu.Lock()
	f.record = rec
	f.attached = attached
	f.mu.Unlock()
	return nil
}

// save registers the instance as live, writes its record and submits its
// task to the backend. The record is written before the task is enqueued so
// a worker never picks up a flow that has no record.
func (f *flowInstance) save(ctx context.Context) error {
	if err := f.build(ctx); err != nil {
		return err
	}
	if !f.engine.live.Add(f) {
		return fmt.Errorf("flow %s: %w", f.uuid, api.ErrFlowRunning)
	}

	f.mu.Lock()
	task := f.engine.backend.NewTask(api.FlowTaskType(f.def.flowType), copyMap(f.record.Data))
	persisted := f.persisted
	f.mu.Unlock()

	var err error
	if persisted {
		err = f.update(ctx, "save", persistence.NewUpdate().SetField(persistence.PathTaskHandleID, task.ID))
		if err == nil {
			f.mu.Lock()
			f.record.TaskHandleID = task.ID
			f.mu.Unlock()
		}
	} else {
		f.mu.Lock()
		f.record.TaskHandleID = task.ID
		rec := cloneRecord(f.record)
		f.mu.Unlock()

		if err = f.engine.store.Create(ctx, rec); err != nil {
			err = f.persistenceError("create", err)
		} else {
			f.mu.Lock()
			f.persisted = true
			f.mu.Unlock()
		}
	}
	if err != nil {
		f.engine.live.Remove(f)
		return err
	}

	if err := f.engine.backend.Enqueue(ctx, task); err != nil {
		f.engine.live.Remove(f)
		return fmt.Errorf("flow %s: enqueue: %w", f.uuid, err)
	}
	return nil
}

// begin subscribes the instance to cancellation signals for its uuid.
func (f *flowInstance) begin() {
	unsubscribe := f.engine.bus.Subscribe(f.uuid, f.Cancel)

	f.mu.Lock()
	f.unsubscribe = unsubscribe
	f.mu.Unlock()
}

// release removes the instance from the live table and the cancellation bus.
func (f *flowInstance) release() {
	f.engine.live.Remove(f)

	f.mu.Lock()
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	f.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (f *flowInstance) UUID() string { return f.uuid }

func (f *flowInstance) Type() string { return f.def.flowType }

func (f *flowInstance) Data() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out map[string]any
	if f.record != nil {
		out = copyMap(f.record.Data)
	} else {
		out = copyMap(f.input)
	}
	for k, v := range f.attached {
		out[k] = v
	}
	return out
}

func (f *flowInstance) Record() *api.FlowRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.record == nil {
		return &api.FlowRecord{UUID: f.uuid, Type: f.def.flowType, StepsTaken: -1}
	}
	return cloneRecord(f.record)
}

func (f *flowInstance) taskID() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.record == nil {
		return ""
	}
	return f.record.TaskHandleID
}

func (f *flowInstance) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *flowInstance) Logf(ctx context.Context, format string, args ...any) error {
	line := fmt.Sprintf(format, args...)
	f.logger.Info(line)

	if err := f.build(ctx); err != nil {
		return err
	}
	if err := f.update(ctx, "log", persistence.NewUpdate().PushField(persistence.PathLogs, line)); err != nil {
		return err
	}

	f.mu.Lock()
	f.record.Logs = append(f.record.Logs, line)
	f.mu.Unlock()
	return nil
}

func (f *flowInstance) Job(step int, jobType string, data any) error {
	if jobType == "" {
		return api.NewValidationError("jobType", "must not be empty")
	}
	if api.IsFlowTaskType(jobType) {
		return api.NewValidationError("jobType", fmt.Sprintf("prefix %q is reserved for flows", api.FlowTaskPrefix))
	}
	h := &stepHandler{kind: kindJob, taskType: jobType}
	if err := h.setData(data); err != nil {
		return err
	}
	return f.register(step, h)
}

func (f *flowInstance) SubFlow(step int, flowType string, data any) error {
	if _, err := f.engine.registry.Get(flowType); err != nil {
		return err
	}
	h := &stepHandler{kind: kindFlow, taskType: flowType}
	if err := h.setData(data); err != nil {
		return err
	}
	return f.register(step, h)
}

func (f *flowInstance) Exec(step int, fn api.ExecFunc) error {
	if fn == nil {
		return api.NewValidationError("fn", "must not be nil")
	}
	return f.register(step, &stepHandler{kind: kindExec, taskType: "exec", exec: fn})
}

func (h *stepHandler) setData(data any) error {
	switch v := data.(type) {
	case nil:
		h.data = map[string]any{}
	case map[string]any:
		h.data = copyMap(v)
	case api.DataFunc:
		h.dataFn = v
	case func(api.Ancestors) (map[string]any, error):
		h.dataFn = v
	default:
		return api.NewValidationError("data", fmt.Sprintf("unsupported type %T", data))
	}
	return nil
}

// register assigns the next substep of step to h. Registration order decides
// substep numbers, which is why handlers must register deterministically.
func (f *flowInstance) register(step int, h *stepHandler) error {
	if step < 1 {
		return api.NewValidationError("step", fmt.Sprintf("must be >= 1, got %d", step))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ended || (f.currentStep > 0 && step <= f.currentStep) {
		return fmt.Errorf("flow %s: step %d: %w", f.uuid, step, api.ErrStepsOutOfOrder)
	}

	f.substepCounters[step]++
	h.step = step
	h.substep = f.substepCounters[step]
	f.handlers[step] = append(f.handlers[step], h)
	return nil
}

// update applies u to the flow's record, wrapping failures.
func (f *flowInstance) update(ctx context.Context, op string, u *persistence.Update) error {
	if err := f.engine.store.Update(ctx, f.uuid, u); err != nil {
		return f.persistenceError(op, err)
	}
	return nil
}

func (f *flowInstance) persistenceError(op string, err error) error {
	f.logger.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return &api.PersistenceError{Op: op, UUID: f.uuid, Err: err}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRecord(rec *api.FlowRecord) *api.FlowRecord {
	cp := *rec
	cp.SubstepsTaken = append([]int{}, rec.SubstepsTaken...)
	cp.Ancestors = rec.Ancestors.Clone()
	cp.Data = copyMap(rec.Data)
	cp.Logs = append([]string{}, rec.Logs...)
	return &cp
}
