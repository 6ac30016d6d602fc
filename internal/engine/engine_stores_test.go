package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flough/internal/taskqueue"
	"github.com/petrijr/flough/internal/testutil"
	"github.com/petrijr/flough/pkg/api"
)

// runNestedOrder drives a parent flow with a child flow and a leaf job
// through eng and checks what ends up in the store.
func runNestedOrder(t *testing.T, eng api.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	impl := eng.(*engineImpl)
	t.Cleanup(func() { _ = eng.Close() })

	require.NoError(t, impl.backend.RegisterProcessor("charge", 2, func(ctx context.Context, task *taskqueue.Task) (any, error) {
		return "charged-" + task.Payload["amount"].(string), nil
	}))
	require.NoError(t, eng.Register("payment", api.FlowOptions{}, func(ctx context.Context, f api.Flow) (any, error) {
		if err := f.Job(1, "charge", map[string]any{"amount": f.Data()["amount"]}); err != nil {
			return nil, err
		}
		rec, err := f.End(ctx)
		if err != nil {
			return nil, err
		}
		return rec.Ancestors.Results(1)[1], nil
	}, nil))
	require.NoError(t, eng.Register("checkout", api.FlowOptions{}, func(ctx context.Context, f api.Flow) (any, error) {
		if err := f.SubFlow(1, "payment", map[string]any{"amount": f.Data()["amount"]}); err != nil {
			return nil, err
		}
		err := f.Exec(2, func(ctx context.Context, a api.Ancestors) (any, error) {
			return "receipt:" + a.Results(1)[1].(string), nil
		})
		if err != nil {
			return nil, err
		}
		rec, err := f.End(ctx)
		if err != nil {
			return nil, err
		}
		return rec.Ancestors.Results(2)[1], nil
	}, nil))

	f, err := eng.Start(ctx, "checkout", map[string]any{"amount": "12"})
	require.NoError(t, err)

	rec, err := eng.Wait(ctx, f.UUID())
	require.NoError(t, err)
	require.True(t, rec.IsCompleted)
	require.True(t, rec.IsParent)
	require.Equal(t, 2, rec.StepsTaken)
	require.Equal(t, "receipt:charged-12", rec.Result)

	children, err := eng.Search(ctx, api.SearchFilter{ParentUUID: f.UUID()})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.True(t, children[0].IsChild)
	require.True(t, children[0].IsCompleted)
	require.Equal(t, "charged-12", children[0].Result)
}

// runFanout completes one step of eight sibling jobs through eng. Every
// sibling's result must be recorded.
func runFanout(t *testing.T, eng api.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	impl := eng.(*engineImpl)
	t.Cleanup(func() { _ = eng.Close() })

	const siblings = 8
	require.NoError(t, impl.backend.RegisterProcessor("leaf", siblings, func(ctx context.Context, task *taskqueue.Task) (any, error) {
		return "leaf-" + task.Payload["n"].(string), nil
	}))
	require.NoError(t, eng.Register("fanout", api.FlowOptions{}, func(ctx context.Context, f api.Flow) (any, error) {
		for i := 1; i <= siblings; i++ {
			if err := f.Job(1, "leaf", map[string]any{"n": fmt.Sprint(i)}); err != nil {
				return nil, err
			}
		}
		_, err := f.End(ctx)
		return nil, err
	}, nil))

	f, err := eng.Start(ctx, "fanout", nil)
	require.NoError(t, err)

	rec, err := eng.Wait(ctx, f.UUID())
	require.NoError(t, err)
	require.True(t, rec.IsCompleted)
	require.Equal(t, 1, rec.StepsTaken)

	results := rec.Ancestors.Results(1)
	require.Len(t, results, siblings)
	for i := 1; i <= siblings; i++ {
		require.Equal(t, fmt.Sprintf("leaf-%d", i), results[i])
	}
}

// openSQLiteFile opens a file database with database/sql's default pool
// settings.
func openSQLiteFile(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "flough.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteEngine_NestedFlow(t *testing.T) {
	eng, err := NewSQLiteEngine(openSQLiteFile(t), zap.NewNop())
	require.NoError(t, err)
	runNestedOrder(t, eng)
}

func TestSQLiteEngine_SiblingJobsOnFileDatabase(t *testing.T) {
	eng, err := NewSQLiteEngine(openSQLiteFile(t), zap.NewNop())
	require.NoError(t, err)
	runFanout(t, eng)
}

// newSmallPoolClient returns a client whose pool is far smaller than the
// number of queue workers the engine starts.
func newSmallPoolClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 2})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisEngine_NestedFlow(t *testing.T) {
	eng, err := NewRedisEngine(newSmallPoolClient(t), "flough:engine:", zap.NewNop())
	require.NoError(t, err)
	runNestedOrder(t, eng)
}

func TestRedisEngine_SiblingJobsWithSmallPool(t *testing.T) {
	eng, err := NewRedisEngine(newSmallPoolClient(t), "flough:fanout:", zap.NewNop())
	require.NoError(t, err)
	runFanout(t, eng)
}

func TestPostgresEngine_NestedFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db, err := sql.Open("pgx", testutil.GetPostgresEndpoint(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := NewPostgresEngine(db, zap.NewNop())
	require.NoError(t, err)
	runNestedOrder(t, eng)
}

func TestMongoEngine_NestedFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.GetMongoURI(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	eng, err := NewMongoEngine(client, zap.NewNop())
	require.NoError(t, err)
	runNestedOrder(t, eng)
}
