package engine

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/petrijr/flough/internal/persistence"
	"github.com/petrijr/flough/internal/taskqueue"
	"github.com/petrijr/flough/pkg/api"
)

// engineImpl is the orchestrator: a registry of flow types, a table of live
// flow instances, and the cancellation bus connecting them. All durable state
// lives in the store; every in-memory structure is a cache of it.
type engineImpl struct {
	store    persistence.FlowStore
	backend  taskqueue.Backend
	logger   *zap.Logger
	observer api.Observer
	strict   bool

	defaultConcurrency int
	defaultJobAttempts int

	registry *flowRegistry
	live     *liveTable
	bus      *cancelBus
}

// Config describes how to construct an engineImpl.
// Only used inside this module; external callers use the flough package.
type Config struct {
	Store   persistence.FlowStore
	Backend taskqueue.Backend

	// Logger defaults to zap.NewNop().
	Logger   *zap.Logger
	Observer api.Observer

	// Concurrency and JobAttempts replace the FlowOptions defaults for flow
	// types registered without them.
	Concurrency int
	JobAttempts int

	// Strict reports handler failures with Logger.DPanic and lets handler
	// panics propagate. Under a development logger both crash the worker.
	Strict bool
}

// Ensure engineImpl implements api.Engine.
var _ api.Engine = (*engineImpl)(nil)

// NewEngine creates a new Engine using the given configuration.
func NewEngine(cfg Config) (api.Engine, error) {
	return newEngine(cfg)
}

func newEngine(cfg Config) (*engineImpl, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("engine: backend is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = api.DefaultConcurrency
	}
	if cfg.JobAttempts <= 0 {
		cfg.JobAttempts = 1
	}

	return &engineImpl{
		store:              cfg.Store,
		backend:            cfg.Backend,
		logger:             logger,
		observer:           obs,
		strict:             cfg.Strict,
		defaultConcurrency: cfg.Concurrency,
		defaultJobAttempts: cfg.JobAttempts,
		registry:           newFlowRegistry(),
		live:               newLiveTable(),
		bus:                newCancelBus(),
	}, nil
}

// NewInMemoryEngine returns an Engine backed by an in-memory store and an
// in-memory task queue backend.
func NewInMemoryEngine(logger *zap.Logger) api.Engine {
	e, _ := newEngine(Config{
		Store:   persistence.NewInMemoryStore(),
		Backend: taskqueue.NewInMemoryBackend(0, logger),
		Logger:  logger,
	})
	return e
}

// NewSQLiteEngine stores flow records in db, which is limited to a single
// connection. Tasks stay in memory, so a restarted process relies on Recover
// and resume-by-uuid.
func NewSQLiteEngine(db *sql.DB, logger *zap.Logger) (api.Engine, error) {
	store, err := persistence.NewSQLiteFlowStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{
		Store:   store,
		Backend: taskqueue.NewInMemoryBackend(0, logger),
		Logger:  logger,
	})
}

func NewPostgresEngine(db *sql.DB, logger *zap.Logger) (api.Engine, error) {
	store, err := persistence.NewPostgresFlowStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{
		Store:   store,
		Backend: taskqueue.NewInMemoryBackend(0, logger),
		Logger:  logger,
	})
}

func NewMongoEngine(client *mongo.Client, logger *zap.Logger) (api.Engine, error) {
	return NewEngine(Config{
		Store:   persistence.NewMongoFlowStore(client, "", ""),
		Backend: taskqueue.NewInMemoryBackend(0, logger),
		Logger:  logger,
	})
}

// NewRedisEngine keeps both flow records and tasks in Redis, so any number of
// processes can share the same flows. client's pool serves the store and task
// state changes; queue workers block on one extra connection per task type.
func NewRedisEngine(client *redis.Client, prefix string, logger *zap.Logger) (api.Engine, error) {
	return NewEngine(Config{
		Store:   persistence.NewRedisFlowStore(client, prefix),
		Backend: taskqueue.NewRedisBackend(client, prefix, logger),
		Logger:  logger,
	})
}

func (e *engineImpl) Register(flowType string, opts api.FlowOptions, fn api.HandlerFunc, dyn api.DynamicPropertyFunc) error {
	if flowType == "" {
		return api.NewValidationError("flowType", "must not be empty")
	}
	if fn == nil {
		return api.NewValidationError("handler", "must not be nil")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = e.defaultConcurrency
	}
	if opts.JobAttempts <= 0 {
		opts.JobAttempts = e.defaultJobAttempts
	}

	def := &flowDefinition{
		flowType: flowType,
		opts:     opts,
		handler:  fn,
		dynamic:  dyn,
	}
	if err := e.registry.Register(def); err != nil {
		return err
	}

	if err := e.backend.RegisterProcessor(api.FlowTaskType(flowType), opts.Concurrency, e.flowProcessor(def)); err != nil {
		e.registry.Unregister(flowType)
		return err
	}

	e.logger.Debug("flow type registered",
		zap.String("flow_type", flowType),
		zap.Int("concurrency", opts.Concurrency),
	)
	return nil
}

// Close stops the task queue workers. Live instances are dropped; their
// records stay in the store and resume on next pickup.
func (e *engineImpl) Close() error {
	err := e.backend.Close()
	for _, inst := range e.live.All() {
		inst.release()
	}
	return err
}
