package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/flough/pkg/api"
)

var (
	// ErrFlowNotFound is returned when a flow record is not found.
	ErrFlowNotFound = api.ErrFlowNotFound

	// ErrFlowExists is returned by Create when the uuid is already taken.
	ErrFlowExists = errors.New("flow already exists")
)

// Filter selects records from a store. ActiveOnly is ignored by stores.
type Filter = api.SearchFilter

// FlowStore is the durable store contract: one record per flow uuid, with
// field-path partial updates.
//
// Update must apply all of its operations atomically with respect to other
// Updates on the same uuid. Sibling tasks of one step complete concurrently
// and each writes its own ancestors.<step>.<substep> entry; a whole-document
// read-modify-write outside the store would lose one of them.
type FlowStore interface {
	Create(ctx context.Context, rec *api.FlowRecord) error
	FindByID(ctx context.Context, uuid string) (*api.FlowRecord, error)
	Update(ctx context.Context, uuid string, u *Update) error
	Find(ctx context.Context, f Filter) ([]*api.FlowRecord, error)
	Delete(ctx context.Context, uuid string) error
}

// Update is a partial update expressed as dotted field paths
// ("ancestors.2.1", "stepsTaken"). Numeric path segments address object keys.
type Update struct {
	Set      map[string]any
	Unset    []string
	AddToSet map[string]any
	Push     map[string]any
}

// NewUpdate returns an empty Update.
func NewUpdate() *Update {
	return &Update{
		Set:      make(map[string]any),
		AddToSet: make(map[string]any),
		Push:     make(map[string]any),
	}
}

// SetField sets path to v.
func (u *Update) SetField(path string, v any) *Update {
	u.Set[path] = v
	return u
}

// UnsetField removes path.
func (u *Update) UnsetField(path string) *Update {
	u.Unset = append(u.Unset, path)
	return u
}

// AddToSetField appends v to the array at path unless already present.
func (u *Update) AddToSetField(path string, v any) *Update {
	u.AddToSet[path] = v
	return u
}

// PushField appends v to the array at path.
func (u *Update) PushField(path string, v any) *Update {
	u.Push[path] = v
	return u
}

// Empty reports whether the update has no operations.
func (u *Update) Empty() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0 && len(u.AddToSet) == 0 && len(u.Push) == 0
}

// Field paths of FlowRecord.
const (
	PathStepsTaken    = "stepsTaken"
	PathSubstepsTaken = "substepsTaken"
	PathAncestors     = "ancestors"
	PathTaskHandleID  = "taskHandleId"
	PathIsParent      = "isParent"
	PathIsCompleted   = "isCompleted"
	PathIsCancelled   = "isCancelled"
	PathData          = "data"
	PathResult        = "result"
	PathLogs          = "logs"
)

// StepPath addresses ancestors.<step>.
func StepPath(step int) string {
	return fmt.Sprintf("%s.%d", PathAncestors, step)
}

// AncestorPath addresses ancestors.<step>.<substep>.
func AncestorPath(step, substep int) string {
	return fmt.Sprintf("%s.%d.%d", PathAncestors, step, substep)
}

// Matches reports whether rec satisfies f.
func Matches(rec *api.FlowRecord, f Filter) bool {
	if f.UUID != "" && rec.UUID != f.UUID {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.TaskID != "" && rec.TaskHandleID != f.TaskID {
		return false
	}
	if f.ParentUUID != "" && rec.ParentUUID != f.ParentUUID {
		return false
	}
	if f.IsCompleted != nil && rec.IsCompleted != *f.IsCompleted {
		return false
	}
	if f.IsCancelled != nil && rec.IsCancelled != *f.IsCancelled {
		return false
	}
	return true
}
