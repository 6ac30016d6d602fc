package persistence

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLiteFlowStore is a FlowStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite allows a single writer. NewSQLiteFlowStore limits db to one open
// connection so concurrent updates queue in database/sql instead of failing
// with SQLITE_BUSY, and sets a busy timeout for other processes sharing the
// file.
type SQLiteFlowStore struct {
	sqlDocStore
}

// Ensure SQLiteFlowStore implements FlowStore.
var _ FlowStore = (*SQLiteFlowStore)(nil)

// sqliteBusyTimeout is how long a connection waits for another process's
// write lock before returning SQLITE_BUSY.
const sqliteBusyTimeout = 5 * time.Second

// NewSQLiteFlowStore initializes the required schema in the given
// database and returns a new SQLiteFlowStore. It takes over db's pool
// settings: one open connection that is never recycled.
func NewSQLiteFlowStore(db *sql.DB) (*SQLiteFlowStore, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &SQLiteFlowStore{
		sqlDocStore: sqlDocStore{
			db: db,
			dialect: sqlDialect{
				placeholder: func(int) string { return "?" },
				isDuplicate: func(err error) bool {
					return strings.Contains(err.Error(), "UNIQUE constraint failed")
				},
			},
		},
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteFlowStore) initSchema() error {
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			uuid TEXT PRIMARY KEY,
			flow_type TEXT NOT NULL,
			parent_uuid TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			is_completed BOOLEAN NOT NULL DEFAULT 0,
			is_cancelled BOOLEAN NOT NULL DEFAULT 0,
			doc BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS flows_type_idx ON flows (flow_type);
		CREATE INDEX IF NOT EXISTS flows_parent_idx ON flows (parent_uuid);`,
	)
	return err
}
