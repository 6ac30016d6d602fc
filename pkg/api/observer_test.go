package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// testObserver counts callbacks to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts    int
	completes int
	fails     int
	cancels   int
	steps     int
	tasks     int

	lastErr    error
	lastReason string
}

func (o *testObserver) OnFlowStart(ctx context.Context, rec *FlowRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *testObserver) OnFlowCompleted(ctx context.Context, rec *FlowRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
}

func (o *testObserver) OnFlowFailed(ctx context.Context, rec *FlowRecord, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastErr = err
}

func (o *testObserver) OnFlowCancelled(ctx context.Context, rec *FlowRecord, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels++
	o.lastReason = reason
}

func (o *testObserver) OnStepCompleted(ctx context.Context, rec *FlowRecord, step int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps++
}

func (o *testObserver) OnTaskCompleted(ctx context.Context, rec *FlowRecord, task TaskHandle, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks++
}

func newTestRecord() *FlowRecord {
	return &FlowRecord{
		UUID: "0b7c8f1e-4f5e-4c59-9d0e-6a0a3a0f6f10",
		Type: "order",
	}
}

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	var o Observer = NoopObserver{}
	ctx := context.Background()
	rec := newTestRecord()

	o.OnFlowStart(ctx, rec)
	o.OnFlowCompleted(ctx, rec)
	o.OnFlowFailed(ctx, rec, errors.New("boom"))
	o.OnFlowCancelled(ctx, rec, "stop")
	o.OnStepCompleted(ctx, rec, 1, time.Millisecond)
	o.OnTaskCompleted(ctx, rec, TaskHandle{Type: "charge"}, nil, time.Millisecond)
}

func TestNewCompositeObserver_Collapses(t *testing.T) {
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver for no observers")
	}
	if _, ok := NewCompositeObserver(nil, nil).(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver for nil observers")
	}

	single := &testObserver{}
	if got := NewCompositeObserver(nil, single); got != single {
		t.Fatalf("expected the single observer to be returned as-is")
	}
}

func TestCompositeObserver_FansOut(t *testing.T) {
	a, b := &testObserver{}, &testObserver{}
	o := NewCompositeObserver(a, b)

	ctx := context.Background()
	rec := newTestRecord()
	boom := errors.New("boom")

	o.OnFlowStart(ctx, rec)
	o.OnStepCompleted(ctx, rec, 1, time.Millisecond)
	o.OnTaskCompleted(ctx, rec, TaskHandle{Type: "charge", Step: 1, Substep: 1}, nil, time.Millisecond)
	o.OnFlowFailed(ctx, rec, boom)
	o.OnFlowCancelled(ctx, rec, "operator")
	o.OnFlowCompleted(ctx, rec)

	for _, obs := range []*testObserver{a, b} {
		if obs.starts != 1 || obs.steps != 1 || obs.tasks != 1 || obs.fails != 1 || obs.cancels != 1 || obs.completes != 1 {
			t.Fatalf("unexpected counts: %+v", obs)
		}
		if obs.lastErr != boom {
			t.Fatalf("expected error to be forwarded, got %v", obs.lastErr)
		}
		if obs.lastReason != "operator" {
			t.Fatalf("expected reason to be forwarded, got %q", obs.lastReason)
		}
	}
}

func TestLoggingObserver_WritesStructuredEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	o := NewLoggingObserver(zap.New(core))

	ctx := context.Background()
	rec := newTestRecord()

	o.OnFlowStart(ctx, rec)
	o.OnTaskCompleted(ctx, rec, TaskHandle{UUID: "t-1", Type: "charge", Step: 1, Substep: 1}, errors.New("declined"), time.Millisecond)
	o.OnFlowCancelled(ctx, rec, "operator")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}

	start := entries[0]
	if start.Message != "flow_start" || start.Level != zapcore.InfoLevel {
		t.Fatalf("unexpected start entry: %+v", start)
	}
	if got := start.ContextMap()["flow_uuid"]; got != rec.UUID {
		t.Fatalf("expected flow_uuid %q, got %v", rec.UUID, got)
	}

	task := entries[1]
	if task.Level != zapcore.ErrorLevel {
		t.Fatalf("failed task should log at error level, got %v", task.Level)
	}
	if got := task.ContextMap()["task_type"]; got != "charge" {
		t.Fatalf("expected task_type charge, got %v", got)
	}

	if entries[2].ContextMap()["reason"] != "operator" {
		t.Fatalf("expected cancel reason in log, got %v", entries[2].ContextMap())
	}
}
