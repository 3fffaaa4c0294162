package testutil

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/alexanderramin/dayplan/internal/db"
)

// FaultyUoW runs every transaction through the real SQLite unit of work but
// makes the FailOn-th write of each one return Err. Cache saves and queue
// completions use it to show a failed write leaves no partial records.
// Writes are counted from 1 per transaction; reads are never failed.
type FaultyUoW struct {
	FailOn int32
	Err    error

	inner    *db.SQLiteUnitOfWork
	disarmed atomic.Bool
}

func NewFaultyUoW(database *sql.DB, failOn int32, err error) *FaultyUoW {
	return &FaultyUoW{FailOn: failOn, Err: err, inner: db.NewSQLiteUnitOfWork(database)}
}

// Disarm lets later transactions commit normally.
func (u *FaultyUoW) Disarm() {
	u.disarmed.Store(true)
}

func (u *FaultyUoW) WithinTx(ctx context.Context, fn func(ctx context.Context, tx db.DBTX) error) error {
	return u.inner.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		if u.disarmed.Load() {
			return fn(ctx, tx)
		}
		return fn(ctx, &faultyTx{DBTX: tx, failOn: u.FailOn, err: u.Err})
	})
}

type faultyTx struct {
	db.DBTX
	writes int32
	failOn int32
	err    error
}

func (f *faultyTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.writes++
	if f.writes == f.failOn {
		return nil, f.err
	}
	return f.DBTX.ExecContext(ctx, query, args...)
}
