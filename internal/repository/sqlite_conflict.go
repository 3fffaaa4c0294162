package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alexanderramin/dayplan/internal/db"
	"github.com/alexanderramin/dayplan/internal/domain"
)

// SQLiteConflictAuditRepo records automatic conflict resolutions.
type SQLiteConflictAuditRepo struct {
	db db.DBTX
}

func NewSQLiteConflictAuditRepo(conn db.DBTX) *SQLiteConflictAuditRepo {
	return &SQLiteConflictAuditRepo{db: conn}
}

func (r *SQLiteConflictAuditRepo) Append(ctx context.Context, c *domain.ConflictResolution) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conflict_audit (entity_id, operation_id, winning_role, reason_code, merged_fields, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.EntityID, c.OperationID, string(c.WinningRole), c.ReasonCode, joinFields(c.MergedFields), formatTime(c.ResolvedAt))
	if err != nil {
		return fmt.Errorf("recording conflict resolution for %s: %w", c.EntityID, err)
	}
	return nil
}

func (r *SQLiteConflictAuditRepo) ListByEntity(ctx context.Context, entityID string) ([]*domain.ConflictResolution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_id, operation_id, winning_role, reason_code, merged_fields, resolved_at
		FROM conflict_audit WHERE entity_id = ? ORDER BY id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("listing conflict audit for %s: %w", entityID, err)
	}
	defer rows.Close()
	return scanResolutions(rows)
}

func (r *SQLiteConflictAuditRepo) ListRecent(ctx context.Context, limit int) ([]*domain.ConflictResolution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_id, operation_id, winning_role, reason_code, merged_fields, resolved_at
		FROM conflict_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conflict audit: %w", err)
	}
	defer rows.Close()
	return scanResolutions(rows)
}

func scanResolutions(rows *sql.Rows) ([]*domain.ConflictResolution, error) {
	var out []*domain.ConflictResolution
	for rows.Next() {
		var c domain.ConflictResolution
		var role, fields, resolvedAt string
		if err := rows.Scan(&c.EntityID, &c.OperationID, &role, &c.ReasonCode, &fields, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scanning conflict resolution: %w", err)
		}
		c.WinningRole = domain.Role(role)
		c.MergedFields = splitFields(fields)
		t, err := parseTime(resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing resolved_at: %w", err)
		}
		c.ResolvedAt = t
		out = append(out, &c)
	}
	return out, rows.Err()
}
