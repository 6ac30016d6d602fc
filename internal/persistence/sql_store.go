package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/flough/pkg/api"
)

// sqlDialect captures the differences between the SQL backends.
type sqlDialect struct {
	// placeholder returns the bind marker for the n-th argument (1-based).
	placeholder func(n int) string
	// lockSuffix is appended to the SELECT that precedes an update.
	lockSuffix string
	// isDuplicate reports whether err is a primary key violation.
	isDuplicate func(err error) bool
}

// sqlDocStore keeps each flow as a JSON document plus a few denormalized
// columns used for filtering. Updates read the document, patch it and write it
// back inside one transaction.
type sqlDocStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func (s *sqlDocStore) bind(n int) string {
	return s.dialect.placeholder(n)
}

func (s *sqlDocStore) Create(ctx context.Context, rec *api.FlowRecord) error {
	doc, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO flows (uuid, flow_type, parent_uuid, task_id, is_completed, is_cancelled, doc)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5), s.bind(6), s.bind(7))

	_, err = s.db.ExecContext(ctx, query,
		rec.UUID,
		rec.Type,
		rec.ParentUUID,
		rec.TaskHandleID,
		rec.IsCompleted,
		rec.IsCancelled,
		doc,
	)
	if err != nil && s.dialect.isDuplicate(err) {
		return ErrFlowExists
	}
	return err
}

func (s *sqlDocStore) FindByID(ctx context.Context, uuid string) (*api.FlowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM flows WHERE uuid = %s`, s.bind(1)),
		uuid,
	)

	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return DecodeRecord(doc)
}

func (s *sqlDocStore) Update(ctx context.Context, uuid string, u *Update) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var doc []byte
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM flows WHERE uuid = %s%s`, s.bind(1), s.dialect.lockSuffix),
		uuid,
	)
	if err = row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFlowNotFound
		}
		return err
	}

	patched, err := ApplyUpdate(doc, u)
	if err != nil {
		return err
	}
	rec, err := DecodeRecord(patched)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE flows
		SET task_id = %s, is_completed = %s, is_cancelled = %s, doc = %s
		WHERE uuid = %s`,
		s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5)),
		rec.TaskHandleID,
		rec.IsCompleted,
		rec.IsCancelled,
		patched,
		uuid,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlDocStore) Find(ctx context.Context, f Filter) ([]*api.FlowRecord, error) {
	query := `SELECT doc FROM flows`
	var args []any
	var clauses []string

	add := func(column string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("%s = %s", column, s.bind(len(args))))
	}

	if f.UUID != "" {
		add("uuid", f.UUID)
	}
	if f.Type != "" {
		add("flow_type", f.Type)
	}
	if f.ParentUUID != "" {
		add("parent_uuid", f.ParentUUID)
	}
	if f.TaskID != "" {
		add("task_id", f.TaskID)
	}
	if f.IsCompleted != nil {
		add("is_completed", *f.IsCompleted)
	}
	if f.IsCancelled != nil {
		add("is_cancelled", *f.IsCancelled)
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY uuid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*api.FlowRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		rec, err := DecodeRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func (s *sqlDocStore) Delete(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM flows WHERE uuid = %s`, s.bind(1)),
		uuid,
	)
	return err
}
