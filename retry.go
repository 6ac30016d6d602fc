package flough

import (
	"time"

	"github.com/petrijr/flough/pkg/worker"
)

// RetryBuilder describes how leaf jobs are retried: the attempt count goes
// to the flow type (FlowBuilder.Retry) and the backoff to the worker
// (worker.Config.Retry).
type RetryBuilder struct {
	attempts int
	policy   worker.RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{attempts: maxAttempts}
}

// WithExponentialBackoff doubles the delay after every failed attempt,
// starting at initial. max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial, max time.Duration) RetryBuilder {
	r.policy = worker.RetryPolicy{InitialBackoff: initial, MaxBackoff: max, Exponential: true}
	return r
}

// WithConstantBackoff waits delay between attempts.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy = worker.RetryPolicy{InitialBackoff: delay}
	return r
}

// Immediate disables any sleep between retries.
// Retries will still respect the attempt count.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.policy = worker.RetryPolicy{}
	return r
}

func (r RetryBuilder) Attempts() int {
	return r.attempts
}

// Policy returns the backoff for worker.Config.Retry.
func (r RetryBuilder) Policy() worker.RetryPolicy {
	return r.policy
}
