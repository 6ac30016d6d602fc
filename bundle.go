package flough

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flough/internal/engine"
	"github.com/petrijr/flough/internal/persistence"
	"github.com/petrijr/flough/internal/taskqueue"
	"github.com/petrijr/flough/pkg/config"
	"github.com/petrijr/flough/pkg/metrics"
	workerpkg "github.com/petrijr/flough/pkg/worker"
)

// Bundle wires together a flow store, a task queue backend, an Engine and a
// Worker that runs leaf jobs from the same backend.
type Bundle struct {
	Engine Engine
	Worker *workerpkg.Worker
	Logger *zap.Logger

	// Registry holds the Prometheus metrics when cfg.Metrics.Enabled is set.
	Registry *prometheus.Registry

	closers []func() error
}

// connectBackoff bounds how long NewBundle waits for a store to answer.
func connectBackoff() retry.Backoff {
	return retry.WithMaxRetries(5, retry.WithCappedDuration(2*time.Second, retry.NewExponential(100*time.Millisecond)))
}

// NewBundle builds a Bundle from cfg.
//
// Typical usage:
//
//	cfg, _ := config.Load("flough.yaml", nil)
//	bundle, err := flough.NewBundle(ctx, cfg)
//	// register job handlers on bundle.Worker and flow types on bundle.Engine
//	defer bundle.Close()
//	n, _ := bundle.Engine.Recover(ctx)
func NewBundle(ctx context.Context, cfg config.Config) (*Bundle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, err
	}

	b := &Bundle{Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = b.Close()
		}
	}()

	store, storeRedis, err := b.openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	backend, err := b.openBackend(ctx, cfg, storeRedis)
	if err != nil {
		return nil, err
	}

	observers := []Observer{NewLoggingObserver(logger)}
	if cfg.Metrics.Enabled {
		b.Registry = prometheus.NewRegistry()
		observers = append(observers, metrics.NewObserver(cfg.Metrics.Namespace, b.Registry))
	}

	eng, err := engine.NewEngine(engine.Config{
		Store:       store,
		Backend:     backend,
		Logger:      logger,
		Observer:    NewCompositeObserver(observers...),
		Concurrency: cfg.Engine.Concurrency,
		JobAttempts: cfg.Engine.JobAttempts,
		Strict:      cfg.Engine.Strict,
	})
	if err != nil {
		return nil, err
	}
	b.Engine = eng
	b.Worker = workerpkg.NewWithConfig(backend, workerpkg.Config{
		Concurrency: cfg.Engine.WorkerConcurrency,
		Logger:      logger,
	})

	logger.Info("bundle ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Driver),
	)
	ok = true
	return b, nil
}

func (b *Bundle) openStore(ctx context.Context, cfg config.StoreConfig) (persistence.FlowStore, *redis.Client, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := b.openSQL(ctx, "sqlite", cfg.URI)
		if err != nil {
			return nil, nil, err
		}
		store, err := persistence.NewSQLiteFlowStore(db)
		return store, nil, err

	case config.DriverPostgres:
		db, err := b.openSQL(ctx, "pgx", cfg.URI)
		if err != nil {
			return nil, nil, err
		}
		store, err := persistence.NewPostgresFlowStore(db)
		return store, nil, err

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("flough: connect mongo: %w", err)
		}
		b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })
		if err := ping(ctx, func(ctx context.Context) error { return client.Ping(ctx, nil) }); err != nil {
			return nil, nil, fmt.Errorf("flough: ping mongo: %w", err)
		}
		return persistence.NewMongoFlowStore(client, cfg.Database, cfg.Collection), nil, nil

	case config.DriverRedis:
		client, err := b.openRedis(ctx, cfg.URI)
		if err != nil {
			return nil, nil, err
		}
		return persistence.NewRedisFlowStore(client, cfg.Prefix), client, nil
	}
	return persistence.NewInMemoryStore(), nil, nil
}

func (b *Bundle) openBackend(ctx context.Context, cfg config.Config, storeRedis *redis.Client) (taskqueue.Backend, error) {
	if cfg.Queue.Driver != config.DriverRedis {
		return taskqueue.NewInMemoryBackend(cfg.Queue.Capacity, b.Logger), nil
	}
	client := storeRedis
	if client == nil || cfg.Queue.Addr != "" && cfg.Queue.Addr != cfg.Store.URI {
		var err error
		if client, err = b.openRedis(ctx, cfg.QueueAddr()); err != nil {
			return nil, err
		}
	}
	return taskqueue.NewRedisBackend(client, cfg.Queue.Prefix, b.Logger), nil
}

func (b *Bundle) openSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("flough: open %s: %w", driver, err)
	}
	b.closers = append(b.closers, db.Close)
	if err := ping(ctx, db.PingContext); err != nil {
		return nil, fmt.Errorf("flough: ping %s: %w", driver, err)
	}
	return db, nil
}

// openRedis accepts either a host:port address or a redis:// URL.
func (b *Bundle) openRedis(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		var err error
		if opts, err = redis.ParseURL(addr); err != nil {
			return nil, fmt.Errorf("flough: redis url: %w", err)
		}
	}
	client := redis.NewClient(opts)
	b.closers = append(b.closers, client.Close)
	if err := ping(ctx, func(ctx context.Context) error { return client.Ping(ctx).Err() }); err != nil {
		return nil, fmt.Errorf("flough: ping redis: %w", err)
	}
	return client, nil
}

func ping(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, connectBackoff(), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Close stops the engine and releases every connection the bundle opened.
func (b *Bundle) Close() error {
	var errs []error
	if b.Engine != nil {
		errs = append(errs, b.Engine.Close())
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	_ = b.Logger.Sync()
	return errors.Join(errs...)
}
