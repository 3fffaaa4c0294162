// Package syncq records local mutations and replays them against the
// backing store in enqueue order.
package syncq

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexanderramin/dayplan/internal/db"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/logger"
	"github.com/alexanderramin/dayplan/internal/repository"
	"github.com/google/uuid"
)

// sealKind is the associated-data namespace for queued payloads.
const sealKind = "sync_op"

// Queue is the persisted operation log plus its flush loop. Only one flush
// runs at a time.
type Queue struct {
	uow     db.UnitOfWork
	reader  db.DBTX
	sealer  Sealer
	remote  Remote
	local   LocalStore
	policy  RetryPolicy
	metrics Metrics
	log     logger.Logger
	now     func() time.Time

	online   atomic.Bool
	flushMu  sync.Mutex
	// commitMu orders a flush recording its results against local writers.
	commitMu sync.Mutex
	kick     chan struct{}
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(q *Queue) { q.log = l }
}

func WithMetrics(m Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithUnitOfWork replaces the transaction runner used to record results.
func WithUnitOfWork(uow db.UnitOfWork) Option {
	return func(q *Queue) { q.uow = uow }
}

func New(database *sql.DB, sealer Sealer, remote Remote, local LocalStore, opts ...Option) *Queue {
	q := &Queue{
		uow:     db.NewSQLiteUnitOfWork(database),
		reader:  database,
		sealer:  sealer,
		remote:  remote,
		local:   local,
		policy:  DefaultRetryPolicy(),
		metrics: nopMetrics{},
		log:     logger.NopLogger{},
		now:     time.Now,
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends an operation. A missing id or timestamp is filled in.
// The payload is sealed before it is written.
func (q *Queue) Enqueue(ctx context.Context, op domain.SyncOperation) (*domain.SyncOperation, error) {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now()
	}
	op.State = domain.SyncOpPending

	sealed, err := q.sealer.Seal(sealKind, op.ID, op.Payload)
	if err != nil {
		return nil, err
	}
	rec := &repository.OpRecord{SyncOperation: op, KeyID: q.sealer.KeyID()}
	rec.Payload = sealed

	if err := repository.NewSQLiteSyncOpRepo(q.reader).Append(ctx, rec); err != nil {
		return nil, err
	}
	op.Seq = rec.Seq

	q.log.Debugw("enqueued sync operation", map[string]any{
		"op_id":       op.ID,
		"entity":      op.EntityID,
		"kind":        op.Kind,
		"entity_kind": op.EntityKind,
	})
	q.Kick()
	return &op, nil
}

// Pending lists every queued operation, whatever its state, in enqueue
// order. Payloads are omitted.
func (q *Queue) Pending(ctx context.Context) ([]*repository.OpRecord, error) {
	ops, err := repository.NewSQLiteSyncOpRepo(q.reader).List(ctx)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		op.Payload = nil
	}
	return ops, nil
}

// HasPendingForPlan reports whether the plan or any of its events still has
// queued operations. The cache uses it to protect unsynced plans from
// eviction.
func (q *Queue) HasPendingForPlan(ctx context.Context, planID string) (bool, error) {
	n, err := repository.NewSQLiteSyncOpRepo(q.reader).CountForPlan(ctx, planID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Requeue returns a failed or review operation to pending with a fresh
// retry budget.
func (q *Queue) Requeue(ctx context.Context, opID string) error {
	repo := repository.NewSQLiteSyncOpRepo(q.reader)
	op, err := repo.GetByID(ctx, opID)
	if err != nil {
		return err
	}
	op.State = domain.SyncOpPending
	op.Attempts = 0
	op.NextAttemptAt = nil
	op.LastError = ""
	op.ConflictFields = nil
	if err := repo.Update(ctx, op); err != nil {
		return err
	}
	q.Kick()
	return nil
}

// Discard drops an operation without applying it, for manual resolution of
// conflicts in favour of the remote copy.
func (q *Queue) Discard(ctx context.Context, opID string) error {
	repo := repository.NewSQLiteSyncOpRepo(q.reader)
	if _, err := repo.GetByID(ctx, opID); err != nil {
		return err
	}
	return repo.Delete(ctx, opID)
}

// Resolutions returns the conflict audit trail for an entity, or the most
// recent resolutions when entityID is empty.
func (q *Queue) Resolutions(ctx context.Context, entityID string) ([]*domain.ConflictResolution, error) {
	repo := repository.NewSQLiteConflictAuditRepo(q.reader)
	if entityID == "" {
		return repo.ListRecent(ctx, 50)
	}
	return repo.ListByEntity(ctx, entityID)
}

// Hold keeps a running flush from recording results until the returned
// function is called. Local writers hold it across read, save and enqueue so
// the ids and base versions they read cannot go stale before the operation
// is queued. A flush never holds it while talking to the backing store.
func (q *Queue) Hold() func() {
	q.commitMu.Lock()
	return q.commitMu.Unlock
}

// SetOnline records connectivity. Going online requests a flush.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		q.log.Infof("connectivity restored")
		q.Kick()
	}
}

func (q *Queue) Online() bool {
	return q.online.Load()
}

// Kick requests a flush without blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Kicks delivers flush requests to the background worker.
func (q *Queue) Kicks() <-chan struct{} {
	return q.kick
}

func (q *Queue) openPayload(op *repository.OpRecord) ([]byte, error) {
	if op.KeyID != "" && op.KeyID != q.sealer.KeyID() {
		return nil, &domain.EncryptionError{
			EntityID: op.EntityID,
			Op:       "open",
			Err:      fmt.Errorf("operation %s sealed under a different session key", op.ID),
		}
	}
	return q.sealer.Open(sealKind, op.ID, op.Payload)
}

func (q *Queue) sealPayload(op *repository.OpRecord, plain []byte) error {
	sealed, err := q.sealer.Seal(sealKind, op.ID, plain)
	if err != nil {
		return err
	}
	op.Payload = sealed
	op.KeyID = q.sealer.KeyID()
	return nil
}
