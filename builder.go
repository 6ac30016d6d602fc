package flough

import (
	"context"
	"fmt"

	"github.com/petrijr/flough/pkg/api"
)

// FlowBuilder provides a fluent API for registering flow types:
//
//	err := flough.Define("order").
//	    Concurrency(10).
//	    NoSave("conn").
//	    Retry(flough.Retry(3)).
//	    Handler(func(ctx context.Context, f flough.Flow) (any, error) {
//	        _ = f.Job(1, "charge", map[string]any{"amount": f.Data()["amount"]})
//	        _ = f.Job(2, "ship", shipInput)
//	        rec, err := f.End(ctx)
//	        ...
//	    }).
//	    Register(engine)
type FlowBuilder struct {
	flowType string
	opts     api.FlowOptions
	handler  api.HandlerFunc
	dynamic  api.DynamicPropertyFunc
}

// Define starts a builder for flowType.
func Define(flowType string) *FlowBuilder {
	return &FlowBuilder{flowType: flowType}
}

// Type returns the flow type being defined.
func (b *FlowBuilder) Type() string {
	return b.flowType
}

// Options returns the FlowOptions collected so far.
func (b *FlowBuilder) Options() FlowOptions {
	opts := b.opts
	opts.NoSave = append([]string(nil), b.opts.NoSave...)
	return opts
}

// Concurrency caps how many flows of this type run at once in one process.
func (b *FlowBuilder) Concurrency(n int) *FlowBuilder {
	b.opts.Concurrency = n
	return b
}

// NoSave keeps the named data fields on the live instance only.
func (b *FlowBuilder) NoSave(fields ...string) *FlowBuilder {
	b.opts.NoSave = append(b.opts.NoSave, fields...)
	return b
}

// JobAttempts sets how many times each leaf job of the flow is attempted.
func (b *FlowBuilder) JobAttempts(n int) *FlowBuilder {
	b.opts.JobAttempts = n
	return b
}

// Retry applies the attempt count of r to the flow's jobs. The backoff part
// of r belongs to the worker; see RetryBuilder.Policy.
func (b *FlowBuilder) Retry(r RetryBuilder) *FlowBuilder {
	return b.JobAttempts(r.Attempts())
}

// Dynamic sets a function whose returned fields are merged into the data of
// every new flow of this type, without overwriting fields already present.
func (b *FlowBuilder) Dynamic(fn DynamicPropertyFunc) *FlowBuilder {
	b.dynamic = fn
	return b
}

// Handler sets the function that registers the flow's steps.
func (b *FlowBuilder) Handler(fn HandlerFunc) *FlowBuilder {
	b.handler = fn
	return b
}

// Register installs the flow type on eng.
func (b *FlowBuilder) Register(eng Engine) error {
	if b.handler == nil {
		return fmt.Errorf("flough: flow type %q has no handler: %w", b.flowType, api.NewValidationError("handler", "must not be nil"))
	}
	return eng.Register(b.flowType, b.Options(), b.handler, b.dynamic)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// Start starts a flow of the built type on eng.
func (b *FlowBuilder) Start(ctx context.Context, eng Engine, data map[string]any) (Flow, error) {
	return eng.Start(ctx, b.flowType, data)
}
