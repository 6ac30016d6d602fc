package api

import (
	"context"
	"sort"
	"strings"
)

// InternalPrefix marks data fields owned by the engine rather than the caller.
// Fields carrying this prefix are never copied by Clone.
const InternalPrefix = "_"

// Internal data fields written into every flow's data.
const (
	FieldUUID       = "_uuid"
	FieldType       = "_type"
	FieldParentUUID = "_parentUUID"
	FieldStep       = "_step"
	FieldSubstep    = "_substep"
	FieldIsChild    = "_isChild"
	FieldTaskID     = "_taskId"
)

// NoParent is the parentUUID of a top-level flow.
const NoParent = "NoFlow"

// FlowTaskPrefix namespaces flow-type tasks in the task queue backend so they
// never collide with leaf job types.
const FlowTaskPrefix = "flow:"

// FlowTaskType returns the backend task type used for flows of the given type.
func FlowTaskType(flowType string) string {
	return FlowTaskPrefix + flowType
}

// IsFlowTaskType reports whether a backend task type belongs to a flow.
func IsFlowTaskType(taskType string) bool {
	return strings.HasPrefix(taskType, FlowTaskPrefix)
}

// Ancestor is the recorded input and outcome of one task at (step, substep).
// Done is false while the task is in flight; such entries are pruned on resume.
type Ancestor struct {
	Data   map[string]any `json:"data"`
	Result any            `json:"result,omitempty"`
	Done   bool           `json:"done"`
}

// Ancestors maps step -> substep -> Ancestor.
type Ancestors map[int]map[int]Ancestor

// Results flattens the finished entries of a step into substep -> result.
// Task-construction closures use it to read "last step's results".
func (a Ancestors) Results(step int) map[int]any {
	out := make(map[int]any)
	for substep, anc := range a[step] {
		if anc.Done {
			out[substep] = anc.Result
		}
	}
	return out
}

// Get returns the entry at (step, substep).
func (a Ancestors) Get(step, substep int) (Ancestor, bool) {
	subs, ok := a[step]
	if !ok {
		return Ancestor{}, false
	}
	anc, ok := subs[substep]
	return anc, ok
}

// Steps returns the recorded step numbers in increasing order.
func (a Ancestors) Steps() []int {
	steps := make([]int, 0, len(a))
	for s := range a {
		steps = append(steps, s)
	}
	sort.Ints(steps)
	return steps
}

// Clone returns a deep copy of the step/substep structure. Data maps and
// results are shared.
func (a Ancestors) Clone() Ancestors {
	out := make(Ancestors, len(a))
	for step, subs := range a {
		cp := make(map[int]Ancestor, len(subs))
		for substep, anc := range subs {
			cp[substep] = anc
		}
		out[step] = cp
	}
	return out
}

// FlowRecord is the durable snapshot of one flow instance.
//
// StepsTaken semantics:
//   - -1: initialization has not finished
//   - N:  steps 1..N are complete; SubstepsTaken lists the substeps of step
//     N+1 completed so far
type FlowRecord struct {
	UUID          string         `json:"uuid"`
	Type          string         `json:"type"`
	TaskHandleID  string         `json:"taskHandleId"`
	StepsTaken    int            `json:"stepsTaken"`
	SubstepsTaken []int          `json:"substepsTaken"`
	Ancestors     Ancestors      `json:"ancestors"`
	IsParent      bool           `json:"isParent"`
	IsChild       bool           `json:"isChild"`
	ParentUUID    string         `json:"parentUUID"`
	IsCompleted   bool           `json:"isCompleted"`
	IsCancelled   bool           `json:"isCancelled"`
	Data          map[string]any `json:"data"`
	Result        any            `json:"result,omitempty"`
	Logs          []string       `json:"logs"`
}

// HasSubstep reports whether substep is recorded as completed in the step
// currently being worked on.
func (r *FlowRecord) HasSubstep(substep int) bool {
	for _, s := range r.SubstepsTaken {
		if s == substep {
			return true
		}
	}
	return false
}

// ExternalData returns the data fields that are not engine-internal.
func (r *FlowRecord) ExternalData() map[string]any {
	out := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		if strings.HasPrefix(k, InternalPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

// TaskHandle references a leaf task or a nested child flow uniformly.
type TaskHandle struct {
	UUID       string
	Type       string
	Step       int
	Substep    int
	ParentUUID string
	// IsFlow is true when the handle points to a child flow.
	IsFlow bool
}

// SearchFilter selects flow records. Zero values mean "no filter".
type SearchFilter struct {
	UUID        string
	Type        string
	TaskID      string
	ParentUUID  string
	IsCompleted *bool
	IsCancelled *bool

	// ActiveOnly keeps only records whose backend task is still inactive or
	// active.
	ActiveOnly bool
}

// FlowOptions configures one registered flow type.
type FlowOptions struct {
	// Concurrency caps simultaneous flows of this type. Defaults to 50.
	Concurrency int

	// NoSave names data fields that are attached to the live instance but
	// never persisted.
	NoSave []string

	// JobAttempts is the number of attempts the task queue makes for each
	// leaf job this flow launches. Defaults to 1.
	JobAttempts int
}

// DefaultConcurrency is used when FlowOptions.Concurrency is not set.
const DefaultConcurrency = 50

// HandlerFunc registers a flow's steps on f and returns the flow's result.
// It must register tasks in the same order on every invocation and normally
// ends with f.End(ctx).
type HandlerFunc func(ctx context.Context, f Flow) (any, error)

// DynamicPropertyFunc computes extra data fields at start time. Returned keys
// only fill in fields the caller did not supply.
type DynamicPropertyFunc func(data map[string]any) (map[string]any, error)

// DataFunc builds a task's input from the ancestors recorded so far.
type DataFunc func(ancestors Ancestors) (map[string]any, error)

// ExecFunc runs inline as a substep of a flow.
type ExecFunc func(ctx context.Context, ancestors Ancestors) (any, error)

// Flow is the builder surface a HandlerFunc uses.
type Flow interface {
	UUID() string
	Type() string

	// Data returns the flow's data, including NoSave attachments.
	Data() map[string]any

	// Record returns a point-in-time copy of the flow's durable state.
	Record() *FlowRecord

	// Job registers a leaf task of jobType at step. data is either a
	// map[string]any or a DataFunc evaluated when the step runs.
	Job(step int, jobType string, data any) error

	// SubFlow registers a nested child flow of flowType at step.
	SubFlow(step int, flowType string, data any) error

	// Exec registers an inline function at step.
	Exec(step int, fn ExecFunc) error

	// End runs the registered steps in order and returns the final state.
	// A cancelled flow returns its partial state and a nil error.
	End(ctx context.Context) (*FlowRecord, error)

	// Cancel stops the flow at the next step boundary and signals every
	// active child.
	Cancel(ctx context.Context, reason string) error

	IsCancelled() bool

	// Logf appends a line to the record's logs.
	Logf(ctx context.Context, format string, args ...any) error
}
