package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// RedisBackend implements Backend using Redis.
//
// Key layout:
//
//	<prefix>task:<id>        => JSON task
//	<prefix>queue:<type>     => LIST of task ids waiting for a worker
//	<prefix>state:<state>    => SET of task ids in that state
//	<prefix>events:<id>      => pub/sub channel of JSON notifications
//
// State changes run in WATCH/MULTI transactions so a processor completing a
// task cannot overwrite a concurrent Fail.
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	// popTimeout bounds each BRPOP so workers notice Close.
	popTimeout time.Duration

	mu      sync.Mutex
	poppers []*redis.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Ensure RedisBackend implements Backend.
var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend constructs a Redis-backed Backend.
// prefix is optional but recommended (e.g. "flough:").
func NewRedisBackend(client *redis.Client, prefix string, logger *zap.Logger) *RedisBackend {
	if prefix == "" {
		prefix = "flough:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBackend{
		client:     client,
		prefix:     prefix,
		logger:     logger,
		popTimeout: time.Second,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *RedisBackend) keyTask(id string) string {
	return b.prefix + "task:" + id
}

func (b *RedisBackend) keyQueue(taskType string) string {
	return b.prefix + "queue:" + taskType
}

func (b *RedisBackend) keyState(s State) string {
	return b.prefix + "state:" + string(s)
}

func (b *RedisBackend) channel(id string) string {
	return b.prefix + "events:" + id
}

func (b *RedisBackend) NewTask(taskType string, payload map[string]any) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Payload:     payload,
		MaxAttempts: 1,
	}
}

func (b *RedisBackend) Enqueue(ctx context.Context, t *Task) error {
	now := time.Now()
	t.State = StateInactive
	t.CreatedAt = now
	t.UpdatedAt = now

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	ok, err := b.client.SetNX(ctx, b.keyTask(t.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s already enqueued", t.ID)
	}

	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, b.keyState(StateInactive), t.ID)
	pipe.LPush(ctx, b.keyQueue(t.Type), t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	b.publish(ctx, Notification{TaskID: t.ID, Event: EventEnqueued})
	return nil
}

func (b *RedisBackend) publish(ctx context.Context, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		b.logger.Error("encoding notification", zap.String("task_id", n.TaskID), zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, b.channel(n.TaskID), data).Err(); err != nil {
		b.logger.Warn("publishing notification",
			zap.String("task_id", n.TaskID),
			zap.String("event", string(n.Event)),
			zap.Error(err),
		)
	}
}

func (b *RedisBackend) Watch(ctx context.Context, id string) (<-chan Notification, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(id))
	// Wait for the subscription to be confirmed so no event is missed after
	// Watch returns.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Notification, 64)
	done := make(chan struct{})
	msgs := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					b.logger.Warn("decoding notification", zap.String("task_id", id), zap.Error(err))
					continue
				}
				select {
				case out <- n:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, stop, nil
}

func (b *RedisBackend) Wait(ctx context.Context, id string) (*Task, error) {
	return waitTask(ctx, b, id)
}

// RegisterProcessor starts a dispatcher for taskType that pops one id at a
// time and runs up to concurrency tasks in parallel. The dispatcher blocks in
// BRPOP on a dedicated single-connection client, so workers never hold
// connections from the shared pool the store and state transitions use.
func (b *RedisBackend) RegisterProcessor(taskType string, concurrency int, p Processor) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if b.ctx.Err() != nil {
		return ErrBackendClosed
	}

	popper := b.newPopClient()
	b.mu.Lock()
	b.poppers = append(b.poppers, popper)
	b.mu.Unlock()

	key := b.keyQueue(taskType)
	slots := make(chan struct{}, concurrency)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		var running sync.WaitGroup
		defer running.Wait()

		for b.ctx.Err() == nil {
			select {
			case slots <- struct{}{}:
			case <-b.ctx.Done():
				return
			}

			id, ok := b.pop(popper, key)
			if !ok {
				<-slots
				continue
			}
			running.Add(1)
			go func() {
				defer running.Done()
				defer func() { <-slots }()
				runTask(b.ctx, b, id, p, b.logger)
			}()
		}
	}()
	return nil
}

// newPopClient clones the shared client's options into a client with a
// single connection for blocking pops.
func (b *RedisBackend) newPopClient() *redis.Client {
	opts := *b.client.Options()
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	opts.MaxIdleConns = 1
	if opts.MaintNotificationsConfig != nil {
		cfg := *opts.MaintNotificationsConfig
		opts.MaintNotificationsConfig = &cfg
	}
	return redis.NewClient(&opts)
}

// pop waits up to popTimeout for the next task id on key.
func (b *RedisBackend) pop(popper *redis.Client, key string) (string, bool) {
	// BRPop returns [key, value]
	res, err := popper.BRPop(b.ctx, b.popTimeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || b.ctx.Err() != nil {
			return "", false
		}
		b.logger.Warn("BRPOP failed", zap.String("queue", key), zap.Error(err))
		select {
		case <-time.After(b.popTimeout):
		case <-b.ctx.Done():
		}
		return "", false
	}
	if len(res) != 2 {
		b.logger.Warn("BRPOP returned unexpected result", zap.Any("result", res))
		return "", false
	}
	return res[1], true
}

func (b *RedisBackend) Progress(ctx context.Context, id string, progress int) error {
	if _, err := b.Get(ctx, id); err != nil {
		return err
	}
	b.publish(ctx, Notification{TaskID: id, Event: EventProgress, Progress: progress})
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*Task, error) {
	data, err := b.client.Get(ctx, b.keyTask(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *RedisBackend) List(ctx context.Context, state State) ([]*Task, error) {
	ids, err := b.client.SMembers(ctx, b.keyState(state)).Result()
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, id := range ids {
		t, err := b.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *RedisBackend) transition(ctx context.Context, id string, trig trigger, mutate func(*Task)) (*Task, error) {
	key := b.keyTask(id)
	backoff := retry.WithMaxRetries(50, retry.NewConstant(2*time.Millisecond))

	var out *Task
	var changed bool
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrTaskNotFound
				}
				return err
			}
			var t Task
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}

			prev := t.State
			next, err := nextState(prev, trig)
			if err != nil {
				return err
			}
			t.State = next
			t.UpdatedAt = time.Now()
			if mutate != nil {
				mutate(&t)
			}
			encoded, err := json.Marshal(&t)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				if prev != next {
					pipe.SRem(ctx, b.keyState(prev), id)
					pipe.SAdd(ctx, b.keyState(next), id)
				}
				return nil
			})
			if err == nil {
				out = &t
				changed = prev != next
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		b.publish(ctx, Notification{TaskID: id, Event: triggerEvents[trig], Result: out.Result, Error: out.Error})
	}
	return out, nil
}

func (b *RedisBackend) requeue(ctx context.Context, t *Task) error {
	return b.client.LPush(ctx, b.keyQueue(t.Type), t.ID).Err()
}

func (b *RedisBackend) Fail(ctx context.Context, id string, reason string) error {
	_, err := b.transition(ctx, id, triggerFail, func(t *Task) {
		t.Error = reason
	})
	return err
}

func (b *RedisBackend) Reactivate(ctx context.Context, id string) error {
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

func (b *RedisBackend) Remove(ctx context.Context, id string) error {
	t, err := b.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil
		}
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.keyTask(id))
	pipe.SRem(ctx, b.keyState(t.State), id)
	pipe.LRem(ctx, b.keyQueue(t.Type), 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	b.publish(ctx, Notification{TaskID: id, Event: EventRemoved})
	return nil
}

// Close stops all workers, waits for running processors to return and
// closes the pop clients. The Redis client passed to NewRedisBackend is owned
// by the caller.
func (b *RedisBackend) Close() error {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	poppers := b.poppers
	b.poppers = nil
	b.mu.Unlock()

	var errs []error
	for _, c := range poppers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
