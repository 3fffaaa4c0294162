package db

import (
	"context"
	"database/sql"
	"fmt"
)

// UnitOfWork scopes a group of writes to one transaction. A cache save of a
// plan with its events and a queue completion with its audit row and rebased
// followers each commit or roll back as a whole.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error
}

type SQLiteUnitOfWork struct {
	db *sql.DB
}

func NewSQLiteUnitOfWork(db *sql.DB) *SQLiteUnitOfWork {
	return &SQLiteUnitOfWork{db: db}
}

// DB returns the non-transactional handle for single-statement reads.
// Never call it from inside WithinTx: in-memory databases run on a single
// connection and the call would block on the open transaction.
func (u *SQLiteUnitOfWork) DB() DBTX {
	return u.db
}

// WithinTx commits when fn returns nil and rolls back on an error or panic.
// A failed rollback is reported alongside the original error.
func (u *SQLiteUnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
