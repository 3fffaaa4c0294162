package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alexanderramin/dayplan/internal/db"
	"github.com/alexanderramin/dayplan/internal/domain"
)

// SQLiteIDMappingRepo remembers which canonical id replaced a provisional one.
type SQLiteIDMappingRepo struct {
	db db.DBTX
}

func NewSQLiteIDMappingRepo(conn db.DBTX) *SQLiteIDMappingRepo {
	return &SQLiteIDMappingRepo{db: conn}
}

func (r *SQLiteIDMappingRepo) Put(ctx context.Context, kind domain.EntityKind, provisionalID, canonicalID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO id_mappings (kind, provisional_id, canonical_id, mapped_at) VALUES (?, ?, ?, ?)`,
		string(kind), provisionalID, canonicalID, formatTime(at))
	if err != nil {
		return fmt.Errorf("mapping %s %s: %w", kind, provisionalID, err)
	}
	return nil
}

func (r *SQLiteIDMappingRepo) Resolve(ctx context.Context, kind domain.EntityKind, id string) (string, error) {
	var canonical string
	err := r.db.QueryRowContext(ctx,
		`SELECT canonical_id FROM id_mappings WHERE kind = ? AND provisional_id = ?`, string(kind), id).Scan(&canonical)
	if err == sql.ErrNoRows {
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving %s %s: %w", kind, id, err)
	}
	return canonical, nil
}
