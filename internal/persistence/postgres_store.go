package persistence

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresFlowStore is a FlowStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses the pgx driver. The caller is
// responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open("pgx", dsn).
//
// Updates lock the row with SELECT ... FOR UPDATE, so concurrent path
// updates on one flow serialize.
type PostgresFlowStore struct {
	sqlDocStore
}

// Ensure PostgresFlowStore implements FlowStore.
var _ FlowStore = (*PostgresFlowStore)(nil)

const pgUniqueViolation = "23505"

// NewPostgresFlowStore initializes the required schema in the given
// database and returns a new PostgresFlowStore.
func NewPostgresFlowStore(db *sql.DB) (*PostgresFlowStore, error) {
	s := &PostgresFlowStore{
		sqlDocStore: sqlDocStore{
			db: db,
			dialect: sqlDialect{
				placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
				lockSuffix:  " FOR UPDATE",
				isDuplicate: func(err error) bool {
					var pgErr *pgconn.PgError
					return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
				},
			},
		},
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresFlowStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			uuid TEXT PRIMARY KEY,
			flow_type TEXT NOT NULL,
			parent_uuid TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			is_completed BOOLEAN NOT NULL DEFAULT FALSE,
			is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			doc BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS flows_type_idx ON flows (flow_type);
		CREATE INDEX IF NOT EXISTS flows_parent_idx ON flows (parent_uuid);
	`)
	return err
}
