// Package worker runs the leaf jobs that flows launch.
//
// A flow registers jobs with Flow.Job; the engine puts each one on the task
// queue backend as a task of the job's type. A Worker registers a JobFunc per
// job type and executes those tasks:
//
//	w := worker.NewWithConfig(backend, worker.Config{
//		Concurrency: 4,
//		Timeout:     30 * time.Second,
//	})
//	_ = w.Handle("charge", func(ctx context.Context, job *worker.Job) (any, error) {
//		return chargeCard(ctx, job.Data["card"])
//	})
//
// The value a JobFunc returns is recorded in the flow's ancestors and is
// visible to later steps.
//
// # Attempts
//
// The flow that launched a job decides how many attempts it gets
// (FlowOptions.JobAttempts). The Worker decides how long to wait between
// them through Config.Retry. A panic in a JobFunc fails the attempt instead
// of crashing the process, and Config.Timeout bounds each attempt.
//
// # Scaling
//
// Workers only need the backend. With the Redis backend any number of
// processes can handle the same job types; each task is delivered to exactly
// one of them.
package worker
