package flough

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/petrijr/flough/internal/engine"
	"github.com/petrijr/flough/internal/persistence"
	"github.com/petrijr/flough/internal/taskqueue"
	"github.com/petrijr/flough/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue backend,
// and a Worker to provide a simple "local runner" for development and
// debugging.
//
// Typical usage:
//
//	runner := flough.NewLocalRunner()
//	defer runner.Close()
//	_ = runner.Worker.Handle("charge", charge)
//	flough.Define("order").Handler(order).MustRegister(runner.Engine)
//
//	rec, err := runner.Run(ctx, "order", map[string]any{"amount": 12})
type LocalRunner struct {
	// Engine is the in-memory flow engine used by this runner.
	Engine Engine

	// Worker runs leaf jobs launched by flows on Engine.
	Worker *worker.Worker
}

// NewLocalRunner constructs a LocalRunner with logging disabled.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithLogger(zap.NewNop())
}

// NewLocalRunnerWithLogger constructs a LocalRunner that logs to logger.
//
// This is intended for local development, tests, and simple single-process
// deployments. Nothing survives the process.
func NewLocalRunnerWithLogger(logger *zap.Logger) *LocalRunner {
	backend := taskqueue.NewInMemoryBackend(0, logger)
	eng, _ := engine.NewEngine(engine.Config{
		Store:    persistence.NewInMemoryStore(),
		Backend:  backend,
		Logger:   logger,
		Observer: NewLoggingObserver(logger),
	})
	return &LocalRunner{
		Engine: eng,
		Worker: worker.NewWithConfig(backend, worker.Config{Logger: logger}),
	}
}

// Run starts a flow of flowType and waits for it to finish. A cancelled flow
// returns its record and a nil error.
func (r *LocalRunner) Run(ctx context.Context, flowType string, data map[string]any) (*FlowRecord, error) {
	f, err := r.Engine.Start(ctx, flowType, data)
	if err != nil {
		return nil, err
	}
	rec, err := r.Engine.Wait(ctx, f.UUID())
	if err != nil {
		return rec, fmt.Errorf("flough: run %s: %w", flowType, err)
	}
	return rec, nil
}

// Close stops the engine and its processors.
func (r *LocalRunner) Close() error {
	return r.Engine.Close()
}
