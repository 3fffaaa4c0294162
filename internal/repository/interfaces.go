package repository

import (
	"context"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
)

// Record is one stored entity snapshot. In the device cache Body is the
// snapshot with sensitive fields removed and Sealed holds those fields
// encrypted under the session key identified by KeyID.
type Record struct {
	Kind      domain.EntityKind
	ID        string
	TenantID  string
	ParentID  string
	PlanDate  string
	Pinned    bool
	Version   int64
	Body      []byte
	Sealed    []byte
	KeyID     string
	UpdatedAt time.Time
}

// Size is the number of bytes the record counts against the storage budget.
func (r *Record) Size() int64 {
	return int64(len(r.Body) + len(r.Sealed))
}

// RecordQuery filters List. Empty fields match everything.
type RecordQuery struct {
	Kind     domain.EntityKind
	TenantID string
	ParentID string
	PlanDate string
	// Before restricts day plans to plan dates strictly earlier than it.
	Before string
}

// Store is the narrow storage capability shared by the device cache and
// the backing-store adapter.
type Store interface {
	Get(ctx context.Context, kind domain.EntityKind, id string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, kind domain.EntityKind, id string) error
	List(ctx context.Context, q RecordQuery) ([]*Record, error)
}

type RecordRepo interface {
	Store
	DeleteByParent(ctx context.Context, parentID string) (int64, error)
	// Rename moves a record to a new id and re-parents its children.
	Rename(ctx context.Context, kind domain.EntityKind, oldID, newID string) error
	UsedBytes(ctx context.Context) (int64, error)
}

// OpRecord is a queued sync operation as persisted. Payload holds the
// sealed snapshot.
type OpRecord struct {
	domain.SyncOperation
	KeyID          string
	ConflictFields []string
}

type SyncOpRepo interface {
	Append(ctx context.Context, op *OpRecord) error
	GetByID(ctx context.Context, id string) (*OpRecord, error)
	// List returns every queued operation in enqueue order.
	List(ctx context.Context) ([]*OpRecord, error)
	ListByState(ctx context.Context, state domain.SyncOpState) ([]*OpRecord, error)
	// ListAfter returns the operations enqueued after seq, in order.
	ListAfter(ctx context.Context, seq int64) ([]*OpRecord, error)
	Update(ctx context.Context, op *OpRecord) error
	Delete(ctx context.Context, id string) error
	// CountForPlan counts operations on the plan or any of its events.
	CountForPlan(ctx context.Context, planID string) (int, error)
}

type ConflictAuditRepo interface {
	Append(ctx context.Context, r *domain.ConflictResolution) error
	ListByEntity(ctx context.Context, entityID string) ([]*domain.ConflictResolution, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.ConflictResolution, error)
}

type IDMappingRepo interface {
	Put(ctx context.Context, kind domain.EntityKind, provisionalID, canonicalID string, at time.Time) error
	// Resolve returns the canonical id for a provisional one, or id itself
	// when no mapping exists.
	Resolve(ctx context.Context, kind domain.EntityKind, id string) (string, error)
}
