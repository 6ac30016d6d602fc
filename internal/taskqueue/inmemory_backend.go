package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InMemoryBackend is a Backend that keeps tasks in process memory. Each task
// type gets a buffered channel of task ids drained by its processor's workers.
// It is safe for concurrent use.
type InMemoryBackend struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	queues   map[string]chan string
	subs     map[string]map[int]chan Notification
	nextSub  int
	capacity int
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Ensure InMemoryBackend implements Backend.
var _ Backend = (*InMemoryBackend)(nil)

// NewInMemoryBackend creates a backend whose per-type queues hold up to
// capacity pending tasks. For tests and small deployments, a modest capacity
// (e.g. 1024) is fine.
func NewInMemoryBackend(capacity int, logger *zap.Logger) *InMemoryBackend {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryBackend{
		tasks:    make(map[string]*Task),
		queues:   make(map[string]chan string),
		subs:     make(map[string]map[int]chan Notification),
		capacity: capacity,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *InMemoryBackend) NewTask(taskType string, payload map[string]any) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Payload:     payload,
		MaxAttempts: 1,
	}
}

// queue returns the channel for taskType. Caller holds b.mu.
func (b *InMemoryBackend) queue(taskType string) chan string {
	q, ok := b.queues[taskType]
	if !ok {
		q = make(chan string, b.capacity)
		b.queues[taskType] = q
	}
	return q
}

func (b *InMemoryBackend) Enqueue(ctx context.Context, t *Task) error {
	if b.ctx.Err() != nil {
		return ErrBackendClosed
	}

	now := time.Now()
	b.mu.Lock()
	if _, exists := b.tasks[t.ID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("task %s already enqueued", t.ID)
	}
	stored := cloneTask(t)
	stored.State = StateInactive
	stored.CreatedAt = now
	stored.UpdatedAt = now
	b.tasks[t.ID] = stored
	q := b.queue(t.Type)
	b.mu.Unlock()

	t.State = StateInactive
	t.CreatedAt = now
	t.UpdatedAt = now

	b.publish(Notification{TaskID: t.ID, Event: EventEnqueued})
	return b.push(ctx, q, t.ID)
}

func (b *InMemoryBackend) push(ctx context.Context, q chan string, id string) error {
	select {
	case q <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBackendClosed
	}
}

func (b *InMemoryBackend) Watch(ctx context.Context, id string) (<-chan Notification, func(), error) {
	ch := make(chan Notification, 64)

	b.mu.Lock()
	subID := b.nextSub
	b.nextSub++
	if b.subs[id] == nil {
		b.subs[id] = make(map[int]chan Notification)
	}
	b.subs[id][subID] = ch
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[id], subID)
			if len(b.subs[id]) == 0 {
				delete(b.subs, id)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, stop, nil
}

// publish delivers n without blocking; a subscriber with a full buffer misses it.
func (b *InMemoryBackend) publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[n.TaskID] {
		select {
		case ch <- n:
		default:
			b.logger.Warn("dropping task notification",
				zap.String("task_id", n.TaskID),
				zap.String("event", string(n.Event)),
			)
		}
	}
}

func (b *InMemoryBackend) Wait(ctx context.Context, id string) (*Task, error) {
	return waitTask(ctx, b, id)
}

func (b *InMemoryBackend) RegisterProcessor(taskType string, concurrency int, p Processor) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if b.ctx.Err() != nil {
		return ErrBackendClosed
	}

	b.mu.Lock()
	q := b.queue(taskType)
	b.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-b.ctx.Done():
					return
				case id := <-q:
					runTask(b.ctx, b, id, p, b.logger)
				}
			}
		}()
	}
	return nil
}

func (b *InMemoryBackend) Progress(ctx context.Context, id string, progress int) error {
	if _, err := b.Get(ctx, id); err != nil {
		return err
	}
	b.publish(Notification{TaskID: id, Event: EventProgress, Progress: progress})
	return nil
}

func (b *InMemoryBackend) Get(ctx context.Context, id string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (b *InMemoryBackend) List(ctx context.Context, state State) ([]*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Task
	for _, t := range b.tasks {
		if t.State == state {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *InMemoryBackend) transition(ctx context.Context, id string, trig trigger, mutate func(*Task)) (*Task, error) {
	b.mu.Lock()
	t, ok := b.tasks[id]
	if !ok {
		b.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	next, err := nextState(t.State, trig)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	changed := next != t.State
	t.State = next
	t.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(t)
	}
	out := cloneTask(t)
	b.mu.Unlock()

	if changed {
		b.publish(Notification{TaskID: id, Event: triggerEvents[trig], Result: out.Result, Error: out.Error})
	}
	return out, nil
}

func (b *InMemoryBackend) requeue(ctx context.Context, t *Task) error {
	b.mu.Lock()
	q := b.queue(t.Type)
	b.mu.Unlock()
	return b.push(ctx, q, t.ID)
}

func (b *InMemoryBackend) Fail(ctx context.Context, id string, reason string) error {
	_, err := b.transition(ctx, id, triggerFail, func(t *Task) {
		t.Error = reason
	})
	return err
}

func (b *InMemoryBackend) Reactivate(ctx context.Context, id string) error {
	current, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	t, err := b.transition(ctx, id, triggerReactivate, func(t *Task) {
		t.Attempts = 0
		t.Result = nil
		t.Error = ""
	})
	if err != nil {
		return err
	}
	if current.State == StateInactive {
		return nil
	}
	return b.requeue(ctx, t)
}

func (b *InMemoryBackend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	_, ok := b.tasks[id]
	delete(b.tasks, id)
	b.mu.Unlock()

	if ok {
		b.publish(Notification{TaskID: id, Event: EventRemoved})
	}
	return nil
}

// Close stops all workers and waits for running processors to return.
func (b *InMemoryBackend) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

func cloneTask(t *Task) *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// waitTask implements Backend.Wait on top of Watch and Get. The subscription
// is opened before the state check so a settle in between is not missed.
func waitTask(ctx context.Context, b Backend, id string) (*Task, error) {
	events, stop, err := b.Watch(ctx, id)
	if err != nil {
		return nil, err
	}
	defer stop()

	t, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return settled(t)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case n, ok := <-events:
			if !ok {
				return nil, ErrBackendClosed
			}
			switch n.Event {
			case EventRemoved:
				return nil, ErrTaskRemoved
			case EventCompleted, EventFailed:
				t, err := b.Get(ctx, id)
				if err != nil {
					return nil, err
				}
				if t.State.Terminal() {
					return settled(t)
				}
			}
		}
	}
}

func settled(t *Task) (*Task, error) {
	if t.State == StateFailed {
		return t, failedError(t)
	}
	return t, nil
}
