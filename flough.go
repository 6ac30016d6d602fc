package flough

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/petrijr/flough/internal/engine"
	"github.com/petrijr/flough/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine              = api.Engine
	Flow                = api.Flow
	FlowRecord          = api.FlowRecord
	FlowOptions         = api.FlowOptions
	Ancestor            = api.Ancestor
	Ancestors           = api.Ancestors
	TaskHandle          = api.TaskHandle
	SearchFilter        = api.SearchFilter
	HandlerFunc         = api.HandlerFunc
	DataFunc            = api.DataFunc
	ExecFunc            = api.ExecFunc
	DynamicPropertyFunc = api.DynamicPropertyFunc
	Observer            = api.Observer
	NoopObserver        = api.NoopObserver
	CompositeObserver   = api.CompositeObserver
	LoggingObserver     = api.LoggingObserver
	ValidationError     = api.ValidationError
	PersistenceError    = api.PersistenceError
	TaskFailure         = api.TaskFailure
)

// Re-export sentinel errors.

var (
	ErrFlowNotFound      = api.ErrFlowNotFound
	ErrUnknownFlowType   = api.ErrUnknownFlowType
	ErrAlreadyRegistered = api.ErrAlreadyRegistered
	ErrStepsOutOfOrder   = api.ErrStepsOutOfOrder
	ErrNotTopLevel       = api.ErrNotTopLevel
	ErrFlowRunning       = api.ErrFlowRunning
)

// Re-export observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	IsValidationError    = api.IsValidationError
)

// Fields the engine keeps in a flow's data. FieldUUID may be set on Start to
// resume an existing flow.
const (
	FieldUUID       = api.FieldUUID
	FieldType       = api.FieldType
	FieldParentUUID = api.FieldParentUUID
	NoParent        = api.NoParent
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages. A nil logger disables logging.

// NewInMemoryEngine returns an Engine backed entirely by memory. Nothing
// survives the process.
func NewInMemoryEngine(logger *zap.Logger) Engine {
	return engine.NewInMemoryEngine(logger)
}

// NewSQLiteEngine returns an Engine that persists flow records in a SQLite
// database. Tasks are queued in memory.
func NewSQLiteEngine(db *sql.DB, logger *zap.Logger) (Engine, error) {
	return engine.NewSQLiteEngine(db, logger)
}

// NewPostgresEngine returns an Engine that persists flow records in PostgreSQL.
func NewPostgresEngine(db *sql.DB, logger *zap.Logger) (Engine, error) {
	return engine.NewPostgresEngine(db, logger)
}

// NewMongoEngine returns an Engine that persists flow records in MongoDB.
func NewMongoEngine(client *mongo.Client, logger *zap.Logger) (Engine, error) {
	return engine.NewMongoEngine(client, logger)
}

// NewRedisEngine returns an Engine that keeps flow records and the task queue
// in Redis under prefix.
func NewRedisEngine(client *redis.Client, prefix string, logger *zap.Logger) (Engine, error) {
	return engine.NewRedisEngine(client, prefix, logger)
}
