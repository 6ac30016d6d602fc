package api

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay flow execution.
type Observer interface {
	// OnFlowStart is called when a flow instance begins running its handler.
	OnFlowStart(ctx context.Context, rec *FlowRecord)

	// OnFlowCompleted is called after the flow's result is persisted.
	OnFlowCompleted(ctx context.Context, rec *FlowRecord)

	// OnFlowFailed is called when the handler or End returns an error.
	OnFlowFailed(ctx context.Context, rec *FlowRecord, err error)

	// OnFlowCancelled is called when a flow is cancelled.
	OnFlowCancelled(ctx context.Context, rec *FlowRecord, reason string)

	// OnStepCompleted is called after every task of a step finished and the
	// step was checkpointed.
	OnStepCompleted(ctx context.Context, rec *FlowRecord, step int, duration time.Duration)

	// OnTaskCompleted is called when one task finishes, for both successes
	// and failures (err != nil).
	OnTaskCompleted(ctx context.Context, rec *FlowRecord, task TaskHandle, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnFlowStart(ctx context.Context, rec *FlowRecord)                    {}
func (NoopObserver) OnFlowCompleted(ctx context.Context, rec *FlowRecord)                {}
func (NoopObserver) OnFlowFailed(ctx context.Context, rec *FlowRecord, err error)        {}
func (NoopObserver) OnFlowCancelled(ctx context.Context, rec *FlowRecord, reason string) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, rec *FlowRecord, step int, d time.Duration) {
}
func (NoopObserver) OnTaskCompleted(ctx context.Context, rec *FlowRecord, task TaskHandle, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnFlowStart(ctx context.Context, rec *FlowRecord) {
	for _, o := range c.observers {
		o.OnFlowStart(ctx, rec)
	}
}

func (c *CompositeObserver) OnFlowCompleted(ctx context.Context, rec *FlowRecord) {
	for _, o := range c.observers {
		o.OnFlowCompleted(ctx, rec)
	}
}

func (c *CompositeObserver) OnFlowFailed(ctx context.Context, rec *FlowRecord, err error) {
	for _, o := range c.observers {
		o.OnFlowFailed(ctx, rec, err)
	}
}

func (c *CompositeObserver) OnFlowCancelled(ctx context.Context, rec *FlowRecord, reason string) {
	for _, o := range c.observers {
		o.OnFlowCancelled(ctx, rec, reason)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, rec *FlowRecord, step int, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, rec, step, d)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, rec *FlowRecord, task TaskHandle, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, rec, task, err, d)
	}
}

// LoggingObserver writes structured logs using zap.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs flow / step lifecycle
// events using the provided logger. If logger is nil, zap.L() is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.L()
	}
	return &LoggingObserver{Logger: logger}
}

func flowFields(rec *FlowRecord) []zap.Field {
	return []zap.Field{
		zap.String("flow_type", rec.Type),
		zap.String("flow_uuid", rec.UUID),
	}
}

func (o *LoggingObserver) OnFlowStart(ctx context.Context, rec *FlowRecord) {
	o.Logger.Info("flow_start", append(flowFields(rec), zap.Int("steps_taken", rec.StepsTaken))...)
}

func (o *LoggingObserver) OnFlowCompleted(ctx context.Context, rec *FlowRecord) {
	o.Logger.Info("flow_completed", flowFields(rec)...)
}

func (o *LoggingObserver) OnFlowFailed(ctx context.Context, rec *FlowRecord, err error) {
	o.Logger.Error("flow_failed", append(flowFields(rec), zap.Error(err))...)
}

func (o *LoggingObserver) OnFlowCancelled(ctx context.Context, rec *FlowRecord, reason string) {
	o.Logger.Warn("flow_cancelled", append(flowFields(rec), zap.String("reason", reason))...)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, rec *FlowRecord, step int, d time.Duration) {
	o.Logger.Debug("step_completed", append(flowFields(rec),
		zap.Int("step", step),
		zap.Duration("duration", d),
	)...)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, rec *FlowRecord, task TaskHandle, err error, d time.Duration) {
	level := zapcore.DebugLevel
	if err != nil {
		level = zapcore.ErrorLevel
	}
	o.Logger.Log(level, "task_completed", append(flowFields(rec),
		zap.String("task_type", task.Type),
		zap.String("task_uuid", task.UUID),
		zap.Int("step", task.Step),
		zap.Int("substep", task.Substep),
		zap.Duration("duration", d),
		zap.Error(err),
	)...)
}
