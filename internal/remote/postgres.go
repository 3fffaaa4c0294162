package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/repository"
	"github.com/alexanderramin/dayplan/internal/syncq"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Schema creates the backing-store tables.
const Schema = `
CREATE TABLE IF NOT EXISTS dayplan_records (
	kind        TEXT NOT NULL,
	id          TEXT NOT NULL,
	tenant_id   TEXT NOT NULL DEFAULT '',
	parent_id   TEXT NOT NULL DEFAULT '',
	plan_date   TEXT NOT NULL DEFAULT '',
	version     BIGINT NOT NULL DEFAULT 1,
	body        JSONB NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	actor_role  TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS idx_dayplan_records_parent ON dayplan_records(parent_id);
CREATE TABLE IF NOT EXISTS dayplan_applied_ops (
	op_id       TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	version     BIGINT NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Postgres is the relational backing store. It applies queued operations
// with optimistic version checks and doubles as a plain record store.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ syncq.Remote     = (*Postgres)(nil)
	_ repository.Store = (*Postgres)(nil)
)

// OpenPostgres connects to the backing store and checks the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening backing store: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging backing store: %w", err)
	}
	return conn, nil
}

func NewPostgres(conn *sql.DB) *Postgres {
	return &Postgres{db: conn, now: time.Now}
}

// Ping reports whether the backing store is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrating backing store: %w", err)
	}
	return nil
}

// Apply runs one operation in its own transaction. Replays of an already
// applied operation id return the recorded result.
func (p *Postgres) Apply(ctx context.Context, op domain.SyncOperation) (res *syncq.ApplyResult, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning apply of %s: %w", op.ID, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var prev syncq.ApplyResult
	err = tx.QueryRowContext(ctx,
		`SELECT entity_id, version FROM dayplan_applied_ops WHERE op_id = $1`, op.ID,
	).Scan(&prev.CanonicalID, &prev.Version)
	switch {
	case err == nil:
		prev.Duplicate = true
		return &prev, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("checking applied operation %s: %w", op.ID, err)
	}

	switch op.Kind {
	case domain.OpCreate:
		res, err = p.create(ctx, tx, op)
	case domain.OpUpdate, domain.OpDelete:
		res, err = p.change(ctx, tx, op)
	default:
		err = domain.NewValidationError("bad_op", "kind", "unknown operation kind %q", op.Kind)
	}
	if err != nil {
		return nil, err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO dayplan_applied_ops (op_id, entity_id, version, applied_at) VALUES ($1, $2, $3, $4)`,
		op.ID, res.CanonicalID, res.Version, p.now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("recording operation %s: %w", op.ID, err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing operation %s: %w", op.ID, err)
	}
	return res, nil
}

func (p *Postgres) create(ctx context.Context, tx *sql.Tx, op domain.SyncOperation) (*syncq.ApplyResult, error) {
	id := op.EntityID
	if domain.IsProvisionalID(id) {
		id = uuid.New().String()
	}
	body, err := domain.RewriteIDs(op.Payload, id, "")
	if err != nil {
		return nil, domain.NewValidationError("bad_payload", "payload", "%v", err)
	}
	meta := recordMeta(op.EntityKind, body)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dayplan_records (kind, id, tenant_id, parent_id, plan_date, version, body, actor_id, actor_role, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9)
		ON CONFLICT (kind, id) DO NOTHING`,
		string(op.EntityKind), id, op.TenantID, meta.parentID, meta.planDate, string(body),
		op.ActorID, string(op.ActorRole), p.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting %s %s: %w", op.EntityKind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.NewValidationError("duplicate_id", "id", "%s %s already exists", op.EntityKind, id)
	}
	return &syncq.ApplyResult{CanonicalID: id, Version: 1}, nil
}

func (p *Postgres) change(ctx context.Context, tx *sql.Tx, op domain.SyncOperation) (*syncq.ApplyResult, error) {
	var (
		version int64
		body    []byte
		actorID string
		role    string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT version, body, actor_id, actor_role FROM dayplan_records WHERE kind = $1 AND id = $2 FOR UPDATE`,
		string(op.EntityKind), op.EntityID,
	).Scan(&version, &body, &actorID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		if op.Kind == domain.OpDelete {
			return &syncq.ApplyResult{CanonicalID: op.EntityID}, nil
		}
		return nil, domain.NewValidationError("not_found", "id", "%s %s does not exist", op.EntityKind, op.EntityID)
	}
	if err != nil {
		return nil, fmt.Errorf("locking %s %s: %w", op.EntityKind, op.EntityID, err)
	}

	if version != op.BaseVersion {
		return nil, &syncq.VersionConflictError{
			EntityID:       op.EntityID,
			BaseVersion:    op.BaseVersion,
			CurrentVersion: version,
			Current:        json.RawMessage(body),
			CurrentRole:    domain.Role(role),
			CurrentActorID: actorID,
		}
	}

	if op.Kind == domain.OpDelete {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dayplan_records WHERE kind = $1 AND id = $2`, string(op.EntityKind), op.EntityID,
		); err != nil {
			return nil, fmt.Errorf("deleting %s %s: %w", op.EntityKind, op.EntityID, err)
		}
		return &syncq.ApplyResult{CanonicalID: op.EntityID, Version: version}, nil
	}

	meta := recordMeta(op.EntityKind, op.Payload)
	next := version + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE dayplan_records SET body = $1, version = $2, parent_id = $3, plan_date = $4,
			actor_id = $5, actor_role = $6, updated_at = $7
		WHERE kind = $8 AND id = $9`,
		string(op.Payload), next, meta.parentID, meta.planDate,
		op.ActorID, string(op.ActorRole), p.now().UTC(),
		string(op.EntityKind), op.EntityID,
	); err != nil {
		return nil, fmt.Errorf("updating %s %s: %w", op.EntityKind, op.EntityID, err)
	}
	return &syncq.ApplyResult{CanonicalID: op.EntityID, Version: next}, nil
}

func (p *Postgres) Get(ctx context.Context, kind domain.EntityKind, id string) (*repository.Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT kind, id, tenant_id, parent_id, plan_date, version, body, updated_at
		FROM dayplan_records WHERE kind = $1 AND id = $2`, string(kind), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return rec, err
}

// Put upserts a record as written by a trusted process, bumping its version.
func (p *Postgres) Put(ctx context.Context, rec *repository.Record) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO dayplan_records (kind, id, tenant_id, parent_id, plan_date, version, body, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kind, id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id, parent_id = EXCLUDED.parent_id, plan_date = EXCLUDED.plan_date,
			version = dayplan_records.version + 1, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		string(rec.Kind), rec.ID, rec.TenantID, rec.ParentID, rec.PlanDate, max(rec.Version, 1),
		string(rec.Body), p.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing %s %s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, kind domain.EntityKind, id string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM dayplan_records WHERE kind = $1 AND id = $2`, string(kind), id,
	); err != nil {
		return fmt.Errorf("deleting %s %s: %w", kind, id, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, q repository.RecordQuery) ([]*repository.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	add("kind = $%d", string(q.Kind))
	add("tenant_id = $%d", q.TenantID)
	add("parent_id = $%d", q.ParentID)
	add("plan_date = $%d", q.PlanDate)
	add("plan_date < $%d", q.Before)

	query := `SELECT kind, id, tenant_id, parent_id, plan_date, version, body, updated_at FROM dayplan_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY plan_date, id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var out []*repository.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*repository.Record, error) {
	var (
		rec  repository.Record
		kind string
		body []byte
	)
	if err := s.Scan(&kind, &rec.ID, &rec.TenantID, &rec.ParentID, &rec.PlanDate, &rec.Version, &body, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Kind = domain.EntityKind(kind)
	rec.Body = body
	return &rec, nil
}

type meta struct {
	parentID string
	planDate string
}

// recordMeta pulls the indexed columns out of a snapshot.
func recordMeta(kind domain.EntityKind, body json.RawMessage) meta {
	var fields struct {
		DayPlanID string `json:"day_plan_id"`
		PlanDate  string `json:"plan_date"`
	}
	_ = json.Unmarshal(body, &fields)
	if kind == domain.EntityDayPlan {
		return meta{planDate: fields.PlanDate}
	}
	return meta{parentID: fields.DayPlanID}
}
