// Package metrics exports flow lifecycle events as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/flough/pkg/api"
)

// Observer is an api.Observer that records flow, step and task metrics.
type Observer struct {
	flowsStarted   *prometheus.CounterVec
	flowsFinished  *prometheus.CounterVec
	flowsRunning   *prometheus.GaugeVec
	stepDuration   *prometheus.HistogramVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
}

// Ensure Observer implements api.Observer.
var _ api.Observer = (*Observer)(nil)

// NewObserver registers the flough metrics on reg under namespace. A nil reg
// uses prometheus.DefaultRegisterer.
func NewObserver(namespace string, reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Observer{
		flowsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_started_total",
				Help:      "Number of flow handler invocations",
			},
			[]string{"flow_type"},
		),
		flowsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_finished_total",
				Help:      "Number of flows that finished, by outcome",
			},
			[]string{"flow_type", "outcome"},
		),
		flowsRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "flows_running",
				Help:      "Flows whose handler is currently running in this process",
			},
			[]string{"flow_type"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Time from launching a step to its checkpoint",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"flow_type"},
		),
		tasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Number of jobs, child flows and inline functions that finished",
			},
			[]string{"flow_type", "task_type", "status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"flow_type", "task_type"},
		),
	}
}

func (o *Observer) OnFlowStart(ctx context.Context, rec *api.FlowRecord) {
	o.flowsStarted.WithLabelValues(rec.Type).Inc()
	o.flowsRunning.WithLabelValues(rec.Type).Inc()
}

func (o *Observer) OnFlowCompleted(ctx context.Context, rec *api.FlowRecord) {
	o.finish(rec, "completed")
}

func (o *Observer) OnFlowFailed(ctx context.Context, rec *api.FlowRecord, err error) {
	o.finish(rec, "failed")
}

// OnFlowCancelled also fires for flows cancelled through the store, which
// were never counted as running here.
func (o *Observer) OnFlowCancelled(ctx context.Context, rec *api.FlowRecord, reason string) {
	o.flowsFinished.WithLabelValues(rec.Type, "cancelled").Inc()
}

func (o *Observer) finish(rec *api.FlowRecord, outcome string) {
	o.flowsFinished.WithLabelValues(rec.Type, outcome).Inc()
	o.flowsRunning.WithLabelValues(rec.Type).Dec()
}

func (o *Observer) OnStepCompleted(ctx context.Context, rec *api.FlowRecord, step int, d time.Duration) {
	o.stepDuration.WithLabelValues(rec.Type).Observe(d.Seconds())
}

func (o *Observer) OnTaskCompleted(ctx context.Context, rec *api.FlowRecord, task api.TaskHandle, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.tasksCompleted.WithLabelValues(rec.Type, task.Type, status).Inc()
	o.taskDuration.WithLabelValues(rec.Type, task.Type).Observe(d.Seconds())
}
