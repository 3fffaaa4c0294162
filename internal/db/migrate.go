package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// Migrate runs all schema migrations.
func Migrate(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			// Tolerate "duplicate column name" errors from ALTER TABLE
			// since the migration system re-runs all statements.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

var migrations = []string{
	// cache_records holds every locally cached entity. body is the cleartext
	// snapshot without sensitive fields; sealed is the encrypted remainder.
	`CREATE TABLE IF NOT EXISTS cache_records (
		kind        TEXT NOT NULL CHECK(kind IN ('day_plan','schedule_event')),
		id          TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		parent_id   TEXT NOT NULL DEFAULT '',
		plan_date   TEXT NOT NULL DEFAULT '',
		pinned      INTEGER NOT NULL DEFAULT 0,
		version     INTEGER NOT NULL DEFAULT 0,
		body        BLOB NOT NULL,
		sealed      BLOB,
		key_id      TEXT NOT NULL DEFAULT '',
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_records_parent ON cache_records(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_records_plan_date ON cache_records(kind, plan_date)`,

	`CREATE TABLE IF NOT EXISTS sync_operations (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		entity_kind     TEXT NOT NULL CHECK(entity_kind IN ('day_plan','schedule_event')),
		entity_id       TEXT NOT NULL,
		parent_id       TEXT NOT NULL DEFAULT '',
		op_kind         TEXT NOT NULL CHECK(op_kind IN ('create','update','delete')),
		payload         BLOB NOT NULL,
		key_id          TEXT NOT NULL DEFAULT '',
		base_version    INTEGER NOT NULL DEFAULT 0,
		tenant_id       TEXT NOT NULL,
		actor_id        TEXT NOT NULL,
		actor_role      TEXT NOT NULL,
		enqueued_at     TEXT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'pending'
		                CHECK(state IN ('pending','failed','review')),
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT,
		last_error      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operations_entity ON sync_operations(entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operations_parent ON sync_operations(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_operations_state ON sync_operations(state)`,

	`CREATE TABLE IF NOT EXISTS conflict_audit (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id     TEXT NOT NULL,
		operation_id  TEXT NOT NULL,
		winning_role  TEXT NOT NULL,
		reason_code   TEXT NOT NULL,
		merged_fields TEXT NOT NULL DEFAULT '',
		resolved_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflict_audit_entity ON conflict_audit(entity_id)`,

	// id_mappings lets lookups by a provisional id keep working after the
	// backing store assigned the canonical one.
	`CREATE TABLE IF NOT EXISTS id_mappings (
		kind           TEXT NOT NULL,
		provisional_id TEXT NOT NULL,
		canonical_id   TEXT NOT NULL,
		mapped_at      TEXT NOT NULL,
		PRIMARY KEY (kind, provisional_id)
	)`,

	// Conflicting field names for operations parked in review.
	`ALTER TABLE sync_operations ADD COLUMN conflict_fields TEXT NOT NULL DEFAULT ''`,
}
