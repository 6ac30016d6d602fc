// Package api contains the core building blocks used by the flough flow
// orchestrator: the durable flow record, the builder surface a flow handler
// uses, the administrative Engine interface, errors, and observers.
//
// Most users interact with the higher-level flough package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations or contributors extending the engine itself.
//
// # Flows, steps and substeps
//
// A flow is a registered, multi-step unit of work. A flow handler registers
// tasks on the Flow it receives:
//
//   - Job launches a leaf task on the task queue backend
//   - SubFlow launches a nested child flow
//   - Exec runs a function inline
//
// Every registration names a step. Tasks of one step run concurrently; steps
// run strictly in increasing order. The position of a task within its step
// (its substep) is assigned by registration order, so a handler must register
// tasks in the same order every time it runs.
//
// Nothing runs until the handler calls End. End executes the steps, records
// each task's input and result in the flow's Ancestors, and checkpoints
// StepsTaken after every step.
//
// # Durability
//
// FlowRecord is the durable snapshot of one flow. StepsTaken == N means steps
// 1..N are complete and SubstepsTaken lists the finished substeps of step
// N+1. When a flow resumes after a crash the same handler runs again; tasks
// whose step or substep is already recorded are skipped rather than launched
// a second time.
//
// A later step reads earlier results through Ancestors.Results:
//
//	f.Job(2, "ship", api.DataFunc(func(a api.Ancestors) (map[string]any, error) {
//		return map[string]any{"charges": a.Results(1)}, nil
//	}))
//
// # Observability
//
// Observer receives lifecycle callbacks. LoggingObserver writes them to a zap
// logger; CompositeObserver fans them out to several observers.
package api
