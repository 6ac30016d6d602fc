package taskqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMiniredisBackend(t *testing.T) Backend {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	b := NewRedisBackend(client, "flough:test:", zaptest.NewLogger(t))
	b.popTimeout = 50 * time.Millisecond
	return b
}

func TestRedisBackendSuite(t *testing.T) {
	runBackendSuite(t, newMiniredisBackend)
}

func TestRedisBackend_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewRedisBackend(client, "", nil)
	defer b.Close()

	task := b.NewTask("flow:order", map[string]any{"orderId": "42"})
	require.NoError(t, b.Enqueue(context.Background(), task))

	require.True(t, mr.Exists("flough:task:"+task.ID))

	queued, err := mr.List("flough:queue:flow:order")
	require.NoError(t, err)
	require.Equal(t, []string{task.ID}, queued)

	inactive, err := mr.SMembers("flough:state:inactive")
	require.NoError(t, err)
	require.Equal(t, []string{task.ID}, inactive)
}

func TestRedisBackend_WorkersLeaveSharedPoolFree(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 2})
	defer client.Close()

	b := NewRedisBackend(client, "flough:pool:", zaptest.NewLogger(t))
	b.popTimeout = 200 * time.Millisecond
	defer b.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.RegisterProcessor(fmt.Sprintf("type-%d", i), 50, func(ctx context.Context, task *Task) (any, error) {
			return task.Type, nil
		}))
	}

	// Every worker is idle in BRPOP now; the shared pool must still serve
	// short commands well within its pool timeout.
	time.Sleep(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	task := b.NewTask("type-7", nil)
	require.NoError(t, b.Enqueue(ctx, task))
	done, err := b.Wait(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "type-7", done.Result)
}
