package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// BackendSuite runs the same lifecycle contract against every Backend.
type BackendSuite struct {
	suite.Suite
	newBackend func(t *testing.T) Backend
	backend    Backend
	ctx        context.Context
	cancel     context.CancelFunc
}

func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	suite.Run(t, &BackendSuite{newBackend: newBackend})
}

func (s *BackendSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.backend = s.newBackend(s.T())
}

func (s *BackendSuite) TearDownTest() {
	s.NoError(s.backend.Close())
	s.cancel()
}

func (s *BackendSuite) TestProcessesTask() {
	s.Require().NoError(s.backend.RegisterProcessor("echo", 2, func(ctx context.Context, t *Task) (any, error) {
		return t.Payload["msg"], nil
	}))

	task := s.backend.NewTask("echo", map[string]any{"msg": "hi"})
	s.Require().NotEmpty(task.ID)
	s.Require().NoError(s.backend.Enqueue(s.ctx, task))

	done, err := s.backend.Wait(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(StateCompleted, done.State)
	s.Equal("hi", done.Result)
	s.Equal(1, done.Attempts)

	completed, err := s.backend.List(s.ctx, StateCompleted)
	s.Require().NoError(err)
	s.Len(completed, 1)
}

func (s *BackendSuite) TestRetriesThenFails() {
	s.Require().NoError(s.backend.RegisterProcessor("flaky", 1, func(ctx context.Context, t *Task) (any, error) {
		return nil, errors.New("boom")
	}))

	task := s.backend.NewTask("flaky", nil)
	task.MaxAttempts = 2

	events, stop, err := s.backend.Watch(s.ctx, task.ID)
	s.Require().NoError(err)
	defer stop()

	s.Require().NoError(s.backend.Enqueue(s.ctx, task))

	done, err := s.backend.Wait(s.ctx, task.ID)
	s.Require().ErrorIs(err, ErrTaskFailed)
	s.Equal(StateFailed, done.State)
	s.Equal(2, done.Attempts)
	s.Equal("boom", done.Error)

	seen := map[Event]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[EventFailed] {
		select {
		case n := <-events:
			seen[n.Event] = true
		case <-timeout:
			s.FailNow("missing failed notification", "seen: %v", seen)
		}
	}
	s.True(seen[EventFailedAttempt])
}

func (s *BackendSuite) TestRetrySucceeds() {
	var calls atomic.Int32
	s.Require().NoError(s.backend.RegisterProcessor("second-time", 1, func(ctx context.Context, t *Task) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}))

	task := s.backend.NewTask("second-time", nil)
	task.MaxAttempts = 3
	s.Require().NoError(s.backend.Enqueue(s.ctx, task))

	done, err := s.backend.Wait(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal("ok", done.Result)
	s.Equal(2, done.Attempts)
}

func (s *BackendSuite) TestFailDiscardsLateResult() {
	started := make(chan struct{})
	release := make(chan struct{})
	s.Require().NoError(s.backend.RegisterProcessor("slow", 1, func(ctx context.Context, t *Task) (any, error) {
		close(started)
		<-release
		return "late", nil
	}))

	task := s.backend.NewTask("slow", nil)
	s.Require().NoError(s.backend.Enqueue(s.ctx, task))

	select {
	case <-started:
	case <-s.ctx.Done():
		s.FailNow("processor never started")
	}

	s.Require().NoError(s.backend.Fail(s.ctx, task.ID, "cancelled"))
	close(release)

	done, err := s.backend.Wait(s.ctx, task.ID)
	s.Require().ErrorIs(err, ErrTaskFailed)
	s.Equal("cancelled", done.Error)

	// Give the processor time to report; the failed state must stick.
	time.Sleep(50 * time.Millisecond)
	got, err := s.backend.Get(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(StateFailed, got.State)
	s.Nil(got.Result)
}

func (s *BackendSuite) TestFailCancelsRunningProcessor() {
	s.assertProcessorCancelled(func(id string) error {
		return s.backend.Fail(s.ctx, id, "cancelled")
	})
}

func (s *BackendSuite) TestRemoveCancelsRunningProcessor() {
	s.assertProcessorCancelled(func(id string) error {
		return s.backend.Remove(s.ctx, id)
	})
}

// assertProcessorCancelled starts a processor that runs until its context
// ends, applies settle to the running task and checks the context's cause.
func (s *BackendSuite) assertProcessorCancelled(settle func(id string) error) {
	started := make(chan struct{})
	causes := make(chan error, 1)
	s.Require().NoError(s.backend.RegisterProcessor("hold", 1, func(ctx context.Context, t *Task) (any, error) {
		close(started)
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, ctx.Err()
	}))

	task := s.backend.NewTask("hold", nil)
	s.Require().NoError(s.backend.Enqueue(s.ctx, task))

	select {
	case <-started:
	case <-s.ctx.Done():
		s.FailNow("processor never started")
	}
	s.Require().NoError(settle(task.ID))

	select {
	case cause := <-causes:
		s.ErrorIs(cause, ErrTaskCancelled)
	case <-s.ctx.Done():
		s.FailNow("processor context was not cancelled")
	}
}

func (s *BackendSuite) TestReactivateRunsAgain() {
	var calls atomic.Int32
	s.Require().NoError(s.backend.RegisterProcessor("count", 1, func(ctx context.Context, t *Task) (any, error) {
		calls.Add(1)
		return "done", nil
	}))

	task := s.backend.NewTask("count", nil)
	s.Require().NoError(s.backend.Enqueue(s.ctx, task))
	_, err := s.backend.Wait(s.ctx, task.ID)
	s.Require().NoError(err)

	s.Require().NoError(s.backend.Reactivate(s.ctx, task.ID))
	_, err = s.backend.Wait(s.ctx, task.ID)
	s.Require().NoError(err)

	s.Equal(int32(2), calls.Load())
}

func (s *BackendSuite) TestRemoveWakesWaiter() {
	task := s.backend.NewTask("nobody-listens", nil)
	s.Require().NoError(s.backend.Enqueue(s.ctx, task))

	inactive, err := s.backend.List(s.ctx, StateInactive)
	s.Require().NoError(err)
	s.Len(inactive, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.backend.Wait(s.ctx, task.ID)
		errCh <- err
	}()

	// Let the waiter subscribe before removing.
	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.backend.Remove(s.ctx, task.ID))

	select {
	case err := <-errCh:
		s.ErrorIs(err, ErrTaskRemoved)
	case <-s.ctx.Done():
		s.FailNow("waiter not woken")
	}

	_, err = s.backend.Get(s.ctx, task.ID)
	s.ErrorIs(err, ErrTaskNotFound)
}

func (s *BackendSuite) TestFailInactiveTask() {
	task := s.backend.NewTask("nobody-listens", nil)
	s.Require().NoError(s.backend.Enqueue(s.ctx, task))
	s.Require().NoError(s.backend.Fail(s.ctx, task.ID, "cancelled"))

	failed, err := s.backend.List(s.ctx, StateFailed)
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal(task.ID, failed[0].ID)

	// Failing twice is not a valid transition.
	s.ErrorIs(s.backend.Fail(s.ctx, task.ID, "again"), ErrInvalidTransition)
}
