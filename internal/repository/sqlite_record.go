package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/alexanderramin/dayplan/internal/db"
	"github.com/alexanderramin/dayplan/internal/domain"
)

// SQLiteRecordRepo implements RecordRepo on the cache_records table.
type SQLiteRecordRepo struct {
	db db.DBTX
}

// NewSQLiteRecordRepo creates a new SQLiteRecordRepo.
func NewSQLiteRecordRepo(conn db.DBTX) *SQLiteRecordRepo {
	return &SQLiteRecordRepo{db: conn}
}

const recordColumns = `kind, id, tenant_id, parent_id, plan_date, pinned, version, body, sealed, key_id, updated_at`

func (r *SQLiteRecordRepo) Get(ctx context.Context, kind domain.EntityKind, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM cache_records WHERE kind = ? AND id = ?`
	row := r.db.QueryRowContext(ctx, query, string(kind), id)
	return r.scanRecord(row)
}

func (r *SQLiteRecordRepo) Put(ctx context.Context, rec *Record) error {
	query := `INSERT INTO cache_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			parent_id = excluded.parent_id,
			plan_date = excluded.plan_date,
			pinned = excluded.pinned,
			version = excluded.version,
			body = excluded.body,
			sealed = excluded.sealed,
			key_id = excluded.key_id,
			updated_at = excluded.updated_at`
	_, err := r.db.ExecContext(ctx, query,
		string(rec.Kind),
		rec.ID,
		rec.TenantID,
		rec.ParentID,
		rec.PlanDate,
		boolToInt(rec.Pinned),
		rec.Version,
		rec.Body,
		rec.Sealed,
		rec.KeyID,
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting %s %s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

func (r *SQLiteRecordRepo) Delete(ctx context.Context, kind domain.EntityKind, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_records WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("deleting %s %s: %w", kind, id, err)
	}
	return nil
}

func (r *SQLiteRecordRepo) DeleteByParent(ctx context.Context, parentID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cache_records WHERE parent_id = ?`, parentID)
	if err != nil {
		return 0, fmt.Errorf("deleting children of %s: %w", parentID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *SQLiteRecordRepo) List(ctx context.Context, q RecordQuery) ([]*Record, error) {
	var where []string
	var args []any
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, q.ParentID)
	}
	if q.PlanDate != "" {
		where = append(where, "plan_date = ?")
		args = append(args, q.PlanDate)
	}
	if q.Before != "" {
		where = append(where, "plan_date != '' AND plan_date < ?")
		args = append(args, q.Before)
	}

	query := `SELECT ` + recordColumns + ` FROM cache_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY plan_date, updated_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cache records: %w", err)
	}
	defer rows.Close()
	return r.scanRecords(rows)
}

func (r *SQLiteRecordRepo) Rename(ctx context.Context, kind domain.EntityKind, oldID, newID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE cache_records SET id = ? WHERE kind = ? AND id = ?`, newID, string(kind), oldID)
	if err != nil {
		return fmt.Errorf("renaming %s %s: %w", kind, oldID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", kind, oldID, ErrNotFound)
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE cache_records SET parent_id = ? WHERE parent_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("re-parenting children of %s: %w", oldID, err)
	}
	return nil
}

func (r *SQLiteRecordRepo) UsedBytes(ctx context.Context) (int64, error) {
	var used int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(length(body) + COALESCE(length(sealed), 0)), 0) FROM cache_records`).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("measuring cache size: %w", err)
	}
	return used, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteRecordRepo) scanRecord(row *sql.Row) (*Record, error) {
	rec, err := r.populateRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("cache record: %w", ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

func (r *SQLiteRecordRepo) scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := r.populateRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cache records: %w", err)
	}
	return out, nil
}

func (r *SQLiteRecordRepo) populateRecord(s rowScanner) (*Record, error) {
	var rec Record
	var kind, updatedAt string
	var pinned int
	err := s.Scan(&kind, &rec.ID, &rec.TenantID, &rec.ParentID, &rec.PlanDate, &pinned,
		&rec.Version, &rec.Body, &rec.Sealed, &rec.KeyID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cache record: %w", err)
	}
	rec.Kind = domain.EntityKind(kind)
	rec.Pinned = intToBool(pinned)
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for %s: %w", rec.ID, err)
	}
	return &rec, nil
}
var _ RecordRepo = (*SQLiteRecordRepo)(nil)
