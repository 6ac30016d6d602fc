package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/petrijr/flough/internal/taskqueue"
	"github.com/petrijr/flough/pkg/api"
)

var (
	// ErrAlreadyHandled is returned when a job type gets a second handler.
	ErrAlreadyHandled = errors.New("job type already handled")

	// ErrJobTimeout is returned when an attempt exceeds Config.Timeout.
	ErrJobTimeout = errors.New("job timed out")

	// ErrJobCancelled wraps the error of an attempt whose flow cancelled it.
	ErrJobCancelled = errors.New("job cancelled")
)

// Job is one attempt at a leaf task launched by a flow.
type Job struct {
	ID   string
	Type string

	// Data is the input the flow built for this job. Engine-owned fields
	// are removed.
	Data map[string]any

	FlowUUID string
	Step     int
	Substep  int
	Attempt  int

	backend taskqueue.Backend
}

// Progress reports completion percentage to anyone watching the job's task.
func (j *Job) Progress(ctx context.Context, percent int) error {
	return j.backend.Progress(ctx, j.ID, percent)
}

// JobFunc handles one job attempt. The returned value becomes the job's
// result in the flow's ancestors and must be JSON-serializable. ctx is
// cancelled when the flow that launched the job is cancelled.
type JobFunc func(ctx context.Context, job *Job) (any, error)

// RetryPolicy sets the delay between failed attempts of a job. The number of
// attempts is decided by the flow that launched it.
type RetryPolicy struct {
	InitialBackoff time.Duration
	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff  time.Duration
	Exponential bool
}

// delay returns how long to wait after the given failed attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}

	var b retry.Backoff
	if p.Exponential {
		b = retry.NewExponential(p.InitialBackoff)
	} else {
		b = retry.NewConstant(p.InitialBackoff)
	}
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

// Config tunes a Worker.
type Config struct {
	// Concurrency is the number of parallel handlers per job type.
	// Defaults to 1.
	Concurrency int

	// Timeout bounds each attempt. Zero means no limit.
	Timeout time.Duration

	Retry RetryPolicy

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Worker executes leaf jobs for flows. Each handled job type gets its own
// processors on the task queue backend.
type Worker struct {
	backend taskqueue.Backend
	cfg     Config
	logger  *zap.Logger

	mu      sync.Mutex
	handled map[string]bool
}

// New creates a Worker with default settings.
func New(backend taskqueue.Backend) *Worker {
	return NewWithConfig(backend, Config{})
}

// NewWithConfig creates a Worker using cfg.
func NewWithConfig(backend taskqueue.Backend, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		handled: make(map[string]bool),
	}
}

// Handle registers fn for jobType using the configured concurrency.
func (w *Worker) Handle(jobType string, fn JobFunc) error {
	return w.HandleWithConcurrency(jobType, w.cfg.Concurrency, fn)
}

// HandleWithConcurrency registers fn for jobType with n parallel handlers.
func (w *Worker) HandleWithConcurrency(jobType string, n int, fn JobFunc) error {
	if jobType == "" {
		return api.NewValidationError("jobType", "must not be empty")
	}
	if api.IsFlowTaskType(jobType) {
		return api.NewValidationError("jobType", fmt.Sprintf("prefix %q is reserved for flows", api.FlowTaskPrefix))
	}
	if fn == nil {
		return api.NewValidationError("fn", "must not be nil")
	}

	w.mu.Lock()
	if w.handled[jobType] {
		w.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyHandled, jobType)
	}
	w.handled[jobType] = true
	w.mu.Unlock()

	if err := w.backend.RegisterProcessor(jobType, n, w.processor(fn)); err != nil {
		w.mu.Lock()
		delete(w.handled, jobType)
		w.mu.Unlock()
		return err
	}

	w.logger.Debug("job handler registered", zap.String("job_type", jobType), zap.Int("concurrency", n))
	return nil
}

// Types returns the job types this worker handles.
func (w *Worker) Types() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.handled))
	for t := range w.handled {
		out = append(out, t)
	}
	return out
}

func (w *Worker) processor(fn JobFunc) taskqueue.Processor {
	return func(ctx context.Context, task *taskqueue.Task) (any, error) {
		job := newJob(w.backend, task)
		logger := w.logger.With(
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.String("flow_uuid", job.FlowUUID),
			zap.Int("attempt", job.Attempt),
		)

		started := time.Now()
		result, err := w.run(ctx, fn, job)
		if err == nil {
			logger.Debug("job completed", zap.Duration("duration", time.Since(started)))
			return result, nil
		}
		if errors.Is(err, ErrJobCancelled) {
			logger.Info("job cancelled", zap.Duration("duration", time.Since(started)), zap.Error(err))
			return nil, err
		}

		logger.Warn("job attempt failed", zap.Duration("duration", time.Since(started)), zap.Error(err))
		if task.Attempts < task.MaxAttempts {
			if d := w.cfg.Retry.delay(task.Attempts); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
				}
			}
		}
		return nil, err
	}
}

// run calls fn with the attempt timeout applied and turns a panic into an
// error.
func (w *Worker) run(ctx context.Context, fn JobFunc, job *Job) (result any, err error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Type, r)
		}
	}()

	result, err = fn(ctx, job)
	switch {
	case err == nil:
	case errors.Is(context.Cause(ctx), taskqueue.ErrTaskCancelled):
		err = fmt.Errorf("%w: %w", ErrJobCancelled, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %s: %w", ErrJobTimeout, w.cfg.Timeout, err)
	}
	return result, err
}

func newJob(backend taskqueue.Backend, task *taskqueue.Task) *Job {
	job := &Job{
		ID:      task.ID,
		Type:    task.Type,
		Data:    make(map[string]any, len(task.Payload)),
		Attempt: task.Attempts,
		backend: backend,
	}
	for k, v := range task.Payload {
		if !strings.HasPrefix(k, api.InternalPrefix) {
			job.Data[k] = v
		}
	}
	job.FlowUUID, _ = task.Payload[api.FieldParentUUID].(string)
	job.Step = intValue(task.Payload[api.FieldStep])
	job.Substep = intValue(task.Payload[api.FieldSubstep])
	return job
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
