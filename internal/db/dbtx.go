package db

import (
	"context"
	"database/sql"
)

// DBTX is what the record and queue stores run their statements on. The
// cache and the sync queue hand them a *sql.Tx for multi-row writes and the
// plain *sql.DB for single reads.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
)
