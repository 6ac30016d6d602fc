package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petrijr/flough/internal/taskqueue"
	"github.com/petrijr/flough/pkg/api"
)

func newBackend(t *testing.T) *taskqueue.InMemoryBackend {
	t.Helper()
	b := taskqueue.NewInMemoryBackend(16, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWorker_RunsJobWithFlowContext(t *testing.T) {
	ctx := testContext(t)
	b := newBackend(t)
	w := New(b)

	var got atomic.Pointer[Job]
	require.NoError(t, w.Handle("greet", func(ctx context.Context, job *Job) (any, error) {
		got.Store(job)
		return "hello " + job.Data["name"].(string), nil
	}))

	task := b.NewTask("greet", map[string]any{
		"name":              "ada",
		api.FieldParentUUID: "flow-1",
		api.FieldStep:       2,
		api.FieldSubstep:    float64(3),
	})
	require.NoError(t, b.Enqueue(ctx, task))

	done, err := b.Wait(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "hello ada", done.Result)

	job := got.Load()
	require.NotNil(t, job)
	require.Equal(t, map[string]any{"name": "ada"}, job.Data)
	require.Equal(t, "flow-1", job.FlowUUID)
	require.Equal(t, 2, job.Step)
	require.Equal(t, 3, job.Substep)
	require.Equal(t, 1, job.Attempt)
}

func TestWorker_PanicFailsAttempt(t *testing.T) {
	ctx := testContext(t)
	b := newBackend(t)
	w := New(b)

	require.NoError(t, w.Handle("boom", func(ctx context.Context, job *Job) (any, error) {
		panic("exploded")
	}))

	task := b.NewTask("boom", nil)
	require.NoError(t, b.Enqueue(ctx, task))

	done, err := b.Wait(ctx, task.ID)
	require.ErrorIs(t, err, taskqueue.ErrTaskFailed)
	require.Contains(t, done.Error, "exploded")
}

func TestWorker_FailingTaskCancelsJob(t *testing.T) {
	ctx := testContext(t)
	b := newBackend(t)
	w := New(b)

	started := make(chan struct{})
	stopped := make(chan error, 1)
	require.NoError(t, w.Handle("hold", func(ctx context.Context, job *Job) (any, error) {
		close(started)
		<-ctx.Done()
		stopped <- context.Cause(ctx)
		return nil, ctx.Err()
	}))

	task := b.NewTask("hold", nil)
	require.NoError(t, b.Enqueue(ctx, task))
	<-started

	require.NoError(t, b.Fail(ctx, task.ID, "cancelled: operator"))

	select {
	case cause := <-stopped:
		require.ErrorIs(t, cause, taskqueue.ErrTaskCancelled)
	case <-ctx.Done():
		t.Fatal("job context was not cancelled")
	}

	done, err := b.Wait(ctx, task.ID)
	require.ErrorIs(t, err, taskqueue.ErrTaskFailed)
	require.Equal(t, "cancelled: operator", done.Error)
}

func TestWorker_TimeoutFailsAttempt(t *testing.T) {
	ctx := testContext(t)
	b := newBackend(t)
	w := NewWithConfig(b, Config{Timeout: 20 * time.Millisecond})

	require.NoError(t, w.Handle("slow", func(ctx context.Context, job *Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	task := b.NewTask("slow", nil)
	require.NoError(t, b.Enqueue(ctx, task))

	done, err := b.Wait(ctx, task.ID)
	require.ErrorIs(t, err, taskqueue.ErrTaskFailed)
	require.Contains(t, done.Error, ErrJobTimeout.Error())
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	ctx := testContext(t)
	b := newBackend(t)
	backoff := 30 * time.Millisecond
	w := NewWithConfig(b, Config{Retry: RetryPolicy{InitialBackoff: backoff}})

	var calls atomic.Int32
	require.NoError(t, w.Handle("flaky", func(ctx context.Context, job *Job) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}))

	task := b.NewTask("flaky", nil)
	task.MaxAttempts = 3
	start := time.Now()
	require.NoError(t, b.Enqueue(ctx, task))

	done, err := b.Wait(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "ok", done.Result)
	require.Equal(t, 3, done.Attempts)
	require.GreaterOrEqual(t, time.Since(start), 2*backoff)
}

func TestWorker_ProgressIsPublished(t *testing.T) {
	ctx := testContext(t)
	b := newBackend(t)
	w := New(b)

	proceed := make(chan struct{})
	require.NoError(t, w.Handle("upload", func(ctx context.Context, job *Job) (any, error) {
		<-proceed
		if err := job.Progress(ctx, 50); err != nil {
			return nil, err
		}
		return nil, nil
	}))

	task := b.NewTask("upload", nil)
	events, stop, err := b.Watch(ctx, task.ID)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, b.Enqueue(ctx, task))
	close(proceed)

	for {
		select {
		case n := <-events:
			if n.Event == taskqueue.EventProgress {
				require.Equal(t, 50, n.Progress)
				return
			}
		case <-ctx.Done():
			t.Fatal("no progress notification")
		}
	}
}

func TestWorker_HandleValidation(t *testing.T) {
	w := New(newBackend(t))
	noop := func(ctx context.Context, job *Job) (any, error) { return nil, nil }

	require.NoError(t, w.Handle("once", noop))
	require.ErrorIs(t, w.Handle("once", noop), ErrAlreadyHandled)
	require.True(t, api.IsValidationError(w.Handle("", noop)))
	require.True(t, api.IsValidationError(w.Handle(api.FlowTaskType("x"), noop)))
	require.True(t, api.IsValidationError(w.Handle("nil", nil)))
	require.Equal(t, []string{"once"}, w.Types())
}

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"no backoff", RetryPolicy{}, 1, 0},
		{"constant", RetryPolicy{InitialBackoff: 10 * time.Millisecond}, 3, 10 * time.Millisecond},
		{"exponential first", RetryPolicy{InitialBackoff: 10 * time.Millisecond, Exponential: true}, 1, 10 * time.Millisecond},
		{"exponential third", RetryPolicy{InitialBackoff: 10 * time.Millisecond, Exponential: true}, 3, 40 * time.Millisecond},
		{"capped", RetryPolicy{InitialBackoff: 10 * time.Millisecond, Exponential: true, MaxBackoff: 15 * time.Millisecond}, 3, 15 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.policy.delay(tt.attempt))
		})
	}
}
