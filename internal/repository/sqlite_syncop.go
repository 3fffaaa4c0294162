package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alexanderramin/dayplan/internal/db"
	"github.com/alexanderramin/dayplan/internal/domain"
)

// SQLiteSyncOpRepo implements SyncOpRepo on the sync_operations table.
type SQLiteSyncOpRepo struct {
	db db.DBTX
}

// NewSQLiteSyncOpRepo creates a new SQLiteSyncOpRepo.
func NewSQLiteSyncOpRepo(conn db.DBTX) *SQLiteSyncOpRepo {
	return &SQLiteSyncOpRepo{db: conn}
}

const syncOpColumns = `seq, id, entity_kind, entity_id, parent_id, op_kind, payload, key_id,
	base_version, tenant_id, actor_id, actor_role, enqueued_at, state, attempts,
	next_attempt_at, last_error, conflict_fields`

func (r *SQLiteSyncOpRepo) Append(ctx context.Context, op *OpRecord) error {
	if op.State == "" {
		op.State = domain.SyncOpPending
	}
	query := `INSERT INTO sync_operations (id, entity_kind, entity_id, parent_id, op_kind, payload,
		key_id, base_version, tenant_id, actor_id, actor_role, enqueued_at, state, attempts,
		next_attempt_at, last_error, conflict_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		op.ID,
		string(op.EntityKind),
		op.EntityID,
		op.ParentID,
		string(op.Kind),
		[]byte(op.Payload),
		op.KeyID,
		op.BaseVersion,
		op.TenantID,
		op.ActorID,
		string(op.ActorRole),
		formatTime(op.EnqueuedAt),
		string(op.State),
		op.Attempts,
		nullableTimeToString(op.NextAttemptAt, time.RFC3339Nano),
		op.LastError,
		joinFields(op.ConflictFields),
	)
	if err != nil {
		return fmt.Errorf("appending sync operation %s: %w", op.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading sync operation seq: %w", err)
	}
	op.Seq = seq
	return nil
}

func (r *SQLiteSyncOpRepo) GetByID(ctx context.Context, id string) (*OpRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+syncOpColumns+` FROM sync_operations WHERE id = ?`, id)
	op, err := r.populateOp(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync operation: %w", ErrNotFound)
	}
	return op, err
}

func (r *SQLiteSyncOpRepo) List(ctx context.Context) ([]*OpRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+syncOpColumns+` FROM sync_operations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	defer rows.Close()
	return r.scanOps(rows)
}

func (r *SQLiteSyncOpRepo) ListByState(ctx context.Context, state domain.SyncOpState) ([]*OpRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+syncOpColumns+` FROM sync_operations WHERE state = ? ORDER BY seq`, string(state))
	if err != nil {
		return nil, fmt.Errorf("listing %s sync operations: %w", state, err)
	}
	defer rows.Close()
	return r.scanOps(rows)
}

func (r *SQLiteSyncOpRepo) ListAfter(ctx context.Context, seq int64) ([]*OpRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+syncOpColumns+` FROM sync_operations WHERE seq > ? ORDER BY seq`, seq)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations after %d: %w", seq, err)
	}
	defer rows.Close()
	return r.scanOps(rows)
}

func (r *SQLiteSyncOpRepo) Update(ctx context.Context, op *OpRecord) error {
	query := `UPDATE sync_operations SET entity_id = ?, parent_id = ?, payload = ?, key_id = ?,
		base_version = ?, state = ?, attempts = ?, next_attempt_at = ?, last_error = ?,
		conflict_fields = ?
		WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query,
		op.EntityID,
		op.ParentID,
		[]byte(op.Payload),
		op.KeyID,
		op.BaseVersion,
		string(op.State),
		op.Attempts,
		nullableTimeToString(op.NextAttemptAt, time.RFC3339Nano),
		op.LastError,
		joinFields(op.ConflictFields),
		op.ID,
	)
	if err != nil {
		return fmt.Errorf("updating sync operation %s: %w", op.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync operation %s: %w", op.ID, ErrNotFound)
	}
	return nil
}

func (r *SQLiteSyncOpRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting sync operation %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteSyncOpRepo) CountForPlan(ctx context.Context, planID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_operations WHERE entity_id = ? OR parent_id = ?`, planID, planID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting sync operations for %s: %w", planID, err)
	}
	return n, nil
}

func (r *SQLiteSyncOpRepo) scanOps(rows *sql.Rows) ([]*OpRecord, error) {
	var out []*OpRecord
	for rows.Next() {
		op, err := r.populateOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync operations: %w", err)
	}
	return out, nil
}

func (r *SQLiteSyncOpRepo) populateOp(s rowScanner) (*OpRecord, error) {
	var op OpRecord
	var entityKind, opKind, role, enqueuedAt, state, conflictFields string
	var payload []byte
	var nextAttempt sql.NullString

	err := s.Scan(&op.Seq, &op.ID, &entityKind, &op.EntityID, &op.ParentID, &opKind, &payload,
		&op.KeyID, &op.BaseVersion, &op.TenantID, &op.ActorID, &role, &enqueuedAt, &state,
		&op.Attempts, &nextAttempt, &op.LastError, &conflictFields)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync operation: %w", err)
	}

	op.EntityKind = domain.EntityKind(entityKind)
	op.Kind = domain.OpKind(opKind)
	op.ActorRole = domain.Role(role)
	op.State = domain.SyncOpState(state)
	op.Payload = payload
	op.NextAttemptAt = parseNullableTime(nextAttempt, time.RFC3339Nano)
	op.ConflictFields = splitFields(conflictFields)
	if op.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, fmt.Errorf("parsing enqueued_at for %s: %w", op.ID, err)
	}
	return &op, nil
}
