// Package store wraps the embedded analytical database (component I) the
// QuerySpec compiler targets. It is backed by DuckDB through
// database/sql: a thin client wrapping a single handle, the same shape
// as a SaaS HTTP client, except the "client" here is an in-process
// driver instead of a network call.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/raindrop/tabagent/internal/errs"
)

// Table is the tabular result every compiled query and every sample
// returns.
type Table struct {
	Columns   []string
	Rows      [][]any
	RowCount  int
	Truncated bool
}

// Store owns the single DuckDB handle for the process. Connection
// acquisition is bounded by a small pool; each query runs under its own
// statement timeout.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the DuckDB file at path. An empty path or
// ":memory:" opens an in-memory database, which is adequate for a
// process-lifetime Dataset lifecycle.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// Small bounded pool: the store serializes concurrent requests
	// internally, so a handful of connections is enough.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the ingest collaborator's
// Appender-based bulk load.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Query runs a parameterized SQL statement under timeout and materializes
// the result into a Table. Driver errors are translated into the
// QUERY_FAILED/QUERY_TIMEOUT taxonomy; no other package is allowed to
// call database/sql directly against this handle for query execution.
func (s *Store) Query(ctx context.Context, query string, args []any, timeout time.Duration) (Table, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := s.db.QueryContext(qctx, query, args...)
	if err != nil {
		if qctx.Err() == context.DeadlineExceeded {
			return Table{}, errs.New(errs.QueryTimeout, err.Error())
		}
		return Table{}, errs.New(errs.QueryFailed, err.Error())
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Table{}, errs.New(errs.QueryFailed, err.Error())
	}

	var out Table
	out.Columns = cols
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Table{}, errs.New(errs.QueryFailed, err.Error())
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		if qctx.Err() == context.DeadlineExceeded {
			return Table{}, errs.New(errs.QueryTimeout, err.Error())
		}
		return Table{}, errs.New(errs.QueryFailed, err.Error())
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

// Exec runs a non-query statement (DDL/DML used by the ingest
// collaborator), under the same timeout discipline as Query.
func (s *Store) Exec(ctx context.Context, query string, args []any, timeout time.Duration) error {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := s.db.ExecContext(qctx, query, args...)
	if err != nil {
		if qctx.Err() == context.DeadlineExceeded {
			return errs.New(errs.QueryTimeout, err.Error())
		}
		return errs.New(errs.QueryFailed, err.Error())
	}
	return nil
}
