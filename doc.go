// Package flough provides a durable, resumable workflow orchestrator for Go.
//
// A flow is a handler that registers numbered steps, each made of one or more
// tasks, and then calls End. Tasks in the same step run in parallel; steps
// run in order. Every task result is recorded in the flow's durable record,
// so a flow that is interrupted resumes from the last completed step (and
// the completed tasks of the step in progress) on its next pickup.
//
// # Core Concepts
//
//  1. Engine
//  2. Flow
//  3. Worker
//  4. FlowBuilder
//  5. LocalRunner and Bundle
//
// # Engine
//
// The Engine registers flow types, starts flows and administers their
// records:
//   - start, wait for and cancel flows
//   - status and search over stored records
//   - reset (rollback) a flow to a step, restart it from scratch, or clone it
//   - recover leftover tasks on process startup
//
// Engines can be backed by different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Tasks are dispatched through a task queue backend, in memory or in Redis.
// With Redis for both, any number of processes can share the same flows.
//
// # Flow
//
// A handler receives a Flow and registers tasks on it:
//
//	func order(ctx context.Context, f flough.Flow) (any, error) {
//	    _ = f.Job(1, "charge", map[string]any{"amount": f.Data()["amount"]})
//	    _ = f.SubFlow(2, "shipping", func(a flough.Ancestors) (map[string]any, error) {
//	        return map[string]any{"receipt": a.Results(1)[1]}, nil
//	    })
//	    rec, err := f.End(ctx)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return rec.Ancestors.Results(2)[1], nil
//	}
//
// The handler runs again on every resume, so it must register the same tasks
// in the same order each time. Tasks already recorded as done are skipped.
//
// # Worker
//
// A Worker runs leaf jobs (Flow.Job) from the task queue backend, applying
// the per-attempt timeout and backoff it was configured with. Job attempt
// counts come from the flow type (FlowOptions.JobAttempts).
//
// # LocalRunner and Bundle
//
// LocalRunner wires an in-memory engine and worker for development and tests.
// Bundle builds the same pieces from a config.Config for any supported store
// and queue, and is what cmd/flough uses.
package flough
