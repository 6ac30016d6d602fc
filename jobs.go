package flough

import (
	"context"
	"fmt"

	"github.com/petrijr/flough/internal/persistence"
	"github.com/petrijr/flough/pkg/worker"
)

// TypedJob wraps a strongly-typed function into a worker.JobFunc. The job's
// data is decoded into I through its JSON form.
// Example:
//
//	w.Handle("charge", flough.TypedJob(func(ctx context.Context, job *worker.Job, in ChargeRequest) (Receipt, error) { ... }))
func TypedJob[I, O any](fn func(context.Context, *worker.Job, I) (O, error)) worker.JobFunc {
	return func(ctx context.Context, job *worker.Job) (any, error) {
		in, err := convert[I](job.Data)
		if err != nil {
			return nil, fmt.Errorf("job %s: decode input: %w", job.Type, err)
		}
		return fn(ctx, job, in)
	}
}

// Result decodes the result recorded for step.substep into T. ok is false
// when that task has not completed.
func Result[T any](ancestors Ancestors, step, substep int) (v T, ok bool, err error) {
	anc, found := ancestors.Get(step, substep)
	if !found || !anc.Done {
		return v, false, nil
	}
	v, err = convert[T](anc.Result)
	return v, err == nil, err
}

// Input encodes v into the map form accepted by Flow.Job and Flow.SubFlow.
func Input(v any) (map[string]any, error) {
	return convert[map[string]any](v)
}

func convert[T any](v any) (T, error) {
	raw, err := persistence.EncodeValue(v)
	if err != nil {
		var zero T
		return zero, err
	}
	return persistence.DecodeValue[T](raw)
}
