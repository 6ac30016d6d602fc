package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/flough/pkg/api"
)

// FlowStoreSuite runs the same contract against every FlowStore backend.
type FlowStoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) FlowStore
	store    FlowStore
	ctx      context.Context
}

func runFlowStoreSuite(t *testing.T, newStore func(t *testing.T) FlowStore) {
	suite.Run(t, &FlowStoreSuite{newStore: newStore})
}

func (s *FlowStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func newTestRecord(uuid, flowType string) *api.FlowRecord {
	return &api.FlowRecord{
		UUID:          uuid,
		Type:          flowType,
		TaskHandleID:  "task-" + uuid,
		StepsTaken:    -1,
		SubstepsTaken: []int{},
		Ancestors:     api.Ancestors{},
		ParentUUID:    api.NoParent,
		Data: map[string]any{
			api.FieldUUID: uuid,
			api.FieldType: flowType,
			"customer":    "alice",
		},
	}
}

func (s *FlowStoreSuite) TestCreateAndFindByID() {
	rec := newTestRecord("flow-1", "order")
	s.Require().NoError(s.store.Create(s.ctx, rec))

	got, err := s.store.FindByID(s.ctx, "flow-1")
	s.Require().NoError(err)
	s.Equal("order", got.Type)
	s.Equal(-1, got.StepsTaken)
	s.Equal(api.NoParent, got.ParentUUID)
	s.Equal("task-flow-1", got.TaskHandleID)
	s.Equal("alice", got.Data["customer"])
	s.Empty(got.SubstepsTaken)
	s.Empty(got.Ancestors)
}

func (s *FlowStoreSuite) TestCreateDuplicate() {
	s.Require().NoError(s.store.Create(s.ctx, newTestRecord("dup", "order")))
	err := s.store.Create(s.ctx, newTestRecord("dup", "order"))
	s.ErrorIs(err, ErrFlowExists)
}

func (s *FlowStoreSuite) TestFindByIDNotFound() {
	_, err := s.store.FindByID(s.ctx, "missing")
	s.ErrorIs(err, ErrFlowNotFound)
}

func (s *FlowStoreSuite) TestUpdateNotFound() {
	err := s.store.Update(s.ctx, "missing", NewUpdate().SetField(PathStepsTaken, 1))
	s.ErrorIs(err, ErrFlowNotFound)
}

func (s *FlowStoreSuite) TestPartialUpdates() {
	s.Require().NoError(s.store.Create(s.ctx, newTestRecord("flow-1", "order")))

	inFlight := api.Ancestor{Data: map[string]any{"sku": "A1"}}
	s.Require().NoError(s.store.Update(s.ctx, "flow-1",
		NewUpdate().SetField(AncestorPath(1, 0), inFlight)))

	done := api.Ancestor{Data: map[string]any{"sku": "A1"}, Result: "charged", Done: true}
	s.Require().NoError(s.store.Update(s.ctx, "flow-1",
		NewUpdate().
			SetField(AncestorPath(1, 0), done).
			AddToSetField(PathSubstepsTaken, 0)))

	// Adding the same substep twice keeps one copy.
	s.Require().NoError(s.store.Update(s.ctx, "flow-1",
		NewUpdate().AddToSetField(PathSubstepsTaken, 0)))

	got, err := s.store.FindByID(s.ctx, "flow-1")
	s.Require().NoError(err)
	s.Equal([]int{0}, got.SubstepsTaken)
	anc, ok := got.Ancestors.Get(1, 0)
	s.Require().True(ok)
	s.True(anc.Done)
	s.Equal("charged", anc.Result)
	s.Equal("A1", anc.Data["sku"])

	s.Require().NoError(s.store.Update(s.ctx, "flow-1",
		NewUpdate().
			SetField(PathStepsTaken, 1).
			SetField(PathSubstepsTaken, []int{})))

	s.Require().NoError(s.store.Update(s.ctx, "flow-1",
		NewUpdate().UnsetField(AncestorPath(1, 0))))

	got, err = s.store.FindByID(s.ctx, "flow-1")
	s.Require().NoError(err)
	s.Equal(1, got.StepsTaken)
	s.Empty(got.SubstepsTaken)
	_, ok = got.Ancestors.Get(1, 0)
	s.False(ok)
}

func (s *FlowStoreSuite) TestPushLogs() {
	s.Require().NoError(s.store.Create(s.ctx, newTestRecord("flow-1", "order")))

	for i := 0; i < 3; i++ {
		s.Require().NoError(s.store.Update(s.ctx, "flow-1",
			NewUpdate().PushField(PathLogs, fmt.Sprintf("line %d", i))))
	}

	got, err := s.store.FindByID(s.ctx, "flow-1")
	s.Require().NoError(err)
	s.Equal([]string{"line 0", "line 1", "line 2"}, got.Logs)
}

func (s *FlowStoreSuite) TestConcurrentSiblingUpdates() {
	s.Require().NoError(s.store.Create(s.ctx, newTestRecord("flow-1", "order")))

	const siblings = 8
	var wg sync.WaitGroup
	errs := make(chan error, siblings)
	for i := 0; i < siblings; i++ {
		wg.Add(1)
		go func(substep int) {
			defer wg.Done()
			anc := api.Ancestor{
				Data:   map[string]any{"n": fmt.Sprint(substep)},
				Result: fmt.Sprintf("r%d", substep),
				Done:   true,
			}
			errs <- s.store.Update(s.ctx, "flow-1",
				NewUpdate().
					SetField(AncestorPath(2, substep), anc).
					AddToSetField(PathSubstepsTaken, substep))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	got, err := s.store.FindByID(s.ctx, "flow-1")
	s.Require().NoError(err)
	s.Len(got.SubstepsTaken, siblings)
	results := got.Ancestors.Results(2)
	s.Len(results, siblings)
	for i := 0; i < siblings; i++ {
		s.Equal(fmt.Sprintf("r%d", i), results[i])
	}
}

func (s *FlowStoreSuite) TestFindFilters() {
	parent := newTestRecord("p-1", "order")
	parent.IsParent = true
	s.Require().NoError(s.store.Create(s.ctx, parent))

	child := newTestRecord("c-1", "shipment")
	child.ParentUUID = "p-1"
	child.IsChild = true
	s.Require().NoError(s.store.Create(s.ctx, child))

	other := newTestRecord("p-2", "order")
	s.Require().NoError(s.store.Create(s.ctx, other))
	s.Require().NoError(s.store.Update(s.ctx, "p-2",
		NewUpdate().SetField(PathIsCompleted, true).SetField(PathResult, "ok")))

	orders, err := s.store.Find(s.ctx, Filter{Type: "order"})
	s.Require().NoError(err)
	s.Len(orders, 2)

	children, err := s.store.Find(s.ctx, Filter{ParentUUID: "p-1"})
	s.Require().NoError(err)
	s.Require().Len(children, 1)
	s.Equal("c-1", children[0].UUID)

	completed := true
	done, err := s.store.Find(s.ctx, Filter{IsCompleted: &completed})
	s.Require().NoError(err)
	s.Require().Len(done, 1)
	s.Equal("p-2", done[0].UUID)
	s.Equal("ok", done[0].Result)

	byTask, err := s.store.Find(s.ctx, Filter{TaskID: "task-c-1"})
	s.Require().NoError(err)
	s.Require().Len(byTask, 1)
	s.Equal("c-1", byTask[0].UUID)

	all, err := s.store.Find(s.ctx, Filter{})
	s.Require().NoError(err)
	s.Len(all, 3)
}

func (s *FlowStoreSuite) TestDelete() {
	s.Require().NoError(s.store.Create(s.ctx, newTestRecord("flow-1", "order")))
	s.Require().NoError(s.store.Delete(s.ctx, "flow-1"))

	_, err := s.store.FindByID(s.ctx, "flow-1")
	s.ErrorIs(err, ErrFlowNotFound)

	all, err := s.store.Find(s.ctx, Filter{Type: "order"})
	s.Require().NoError(err)
	s.Empty(all)

	// Deleting a missing record is not an error.
	s.NoError(s.store.Delete(s.ctx, "flow-1"))
}
