// Package cache is the device-local durable store for day plans and their
// events. Sensitive event fields are sealed before they reach disk, and the
// cache evicts past, unpinned, fully synchronized plans to stay inside its
// storage budget.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alexanderramin/dayplan/internal/db"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/logger"
	"github.com/alexanderramin/dayplan/internal/repository"
)

// Sealer encrypts sensitive payloads. *vault.Sealer implements it.
type Sealer interface {
	Seal(kind, id string, plaintext []byte) ([]byte, error)
	Open(kind, id string, sealed []byte) ([]byte, error)
	KeyID() string
}

// EvictionGuard reports whether a plan still has operations waiting to
// sync. Guarded plans are never evicted.
type EvictionGuard interface {
	HasPendingForPlan(ctx context.Context, planID string) (bool, error)
}

// Config sets the storage budget and the eviction watermarks, as
// percentages of the budget.
type Config struct {
	BudgetBytes  int64   `json:"budget_bytes"`
	HighWaterPct float64 `json:"high_water_pct"`
	LowWaterPct  float64 `json:"low_water_pct"`
}

func DefaultConfig() Config {
	return Config{
		BudgetBytes:  50 << 20,
		HighWaterPct: 80,
		LowWaterPct:  60,
	}
}

// StorageStatus describes cache usage after an operation. Warning is set
// when usage stays above the high-water mark after eviction; the write that
// produced it still succeeded.
type StorageStatus struct {
	UsedBytes   int64
	BudgetBytes int64
	Percent     float64
	Evicted     []string
	Warning     *domain.StorageBudgetExceededError
}

// Cache is safe for concurrent use.
type Cache struct {
	uow    db.UnitOfWork
	reader db.DBTX
	sealer Sealer
	guard  EvictionGuard
	cfg    Config
	now    func() time.Time
	log    logger.Logger
	locks  *keyedMutex
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func WithEvictionGuard(g EvictionGuard) Option {
	return func(c *Cache) { c.guard = g }
}

// WithUnitOfWork replaces the transaction runner, mainly for failure
// injection in tests.
func WithUnitOfWork(u db.UnitOfWork) Option {
	return func(c *Cache) { c.uow = u }
}

func New(database *sql.DB, sealer Sealer, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		uow:    db.NewSQLiteUnitOfWork(database),
		reader: database,
		sealer: sealer,
		cfg:    cfg,
		now:    time.Now,
		log:    logger.NopLogger{},
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetEvictionGuard installs the guard after construction. The sync queue
// depends on the cache, so the guard is usually wired second.
func (c *Cache) SetEvictionGuard(g EvictionGuard) {
	c.guard = g
}

// Save writes a plan and any number of its events in one transaction. Either
// all records are written or none are. plan may be nil.
func (c *Cache) Save(ctx context.Context, plan *domain.DayPlan, events ...*domain.ScheduleEvent) (StorageStatus, error) {
	keys := make([]string, 0, len(events)+1)
	var recs []*repository.Record

	if plan != nil {
		rec, err := c.planRecord(plan)
		if err != nil {
			return StorageStatus{}, err
		}
		recs = append(recs, rec)
		keys = append(keys, lockKey(domain.EntityDayPlan, plan.ID))
	}
	for _, e := range events {
		rec, err := c.eventRecord(e)
		if err != nil {
			return StorageStatus{}, err
		}
		recs = append(recs, rec)
		keys = append(keys, lockKey(domain.EntityScheduleEvent, e.ID))
	}

	unlock := c.locks.LockAll(keys...)
	err := c.uow.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		repo := repository.NewSQLiteRecordRepo(tx)
		for _, rec := range recs {
			if err := repo.Put(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	unlock()
	if err != nil {
		return StorageStatus{}, fmt.Errorf("saving to cache: %w", err)
	}

	return c.enforceBudget(ctx)
}

func (c *Cache) SavePlan(ctx context.Context, plan *domain.DayPlan) (StorageStatus, error) {
	return c.Save(ctx, plan)
}

func (c *Cache) SaveEvent(ctx context.Context, e *domain.ScheduleEvent) (StorageStatus, error) {
	return c.Save(ctx, nil, e)
}

// GetPlan loads a plan by id. Provisional ids that were since replaced by a
// canonical id still resolve.
func (c *Cache) GetPlan(ctx context.Context, id string) (*domain.DayPlan, error) {
	rec, err := c.get(ctx, domain.EntityDayPlan, id)
	if err != nil {
		return nil, err
	}
	return domain.UnmarshalPlan(rec.Body)
}

func (c *Cache) GetEvent(ctx context.Context, id string) (*domain.ScheduleEvent, error) {
	rec, err := c.get(ctx, domain.EntityScheduleEvent, id)
	if err != nil {
		return nil, err
	}
	return c.decodeEvent(rec)
}

// ListEvents returns the plan's events ordered by sequence.
func (c *Cache) ListEvents(ctx context.Context, planID string) ([]*domain.ScheduleEvent, error) {
	planID, err := repository.NewSQLiteIDMappingRepo(c.reader).Resolve(ctx, domain.EntityDayPlan, planID)
	if err != nil {
		return nil, err
	}
	recs, err := repository.NewSQLiteRecordRepo(c.reader).List(ctx, repository.RecordQuery{
		Kind:     domain.EntityScheduleEvent,
		ParentID: planID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.ScheduleEvent, 0, len(recs))
	for _, rec := range recs {
		e, err := c.decodeEvent(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SequenceOrder != out[j].SequenceOrder {
			return out[i].SequenceOrder < out[j].SequenceOrder
		}
		return out[i].ScheduledStart.Before(out[j].ScheduledStart)
	})
	return out, nil
}

// FindPlan returns the user's plan for a date, or an error wrapping
// domain.ErrNotFound.
func (c *Cache) FindPlan(ctx context.Context, tenantID, userID string, date time.Time) (*domain.DayPlan, error) {
	recs, err := repository.NewSQLiteRecordRepo(c.reader).List(ctx, repository.RecordQuery{
		Kind:     domain.EntityDayPlan,
		TenantID: tenantID,
		PlanDate: date.Format(domain.DateLayout),
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		p, err := domain.UnmarshalPlan(rec.Body)
		if err != nil {
			return nil, err
		}
		if p.UserID == userID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("day plan for %s on %s: %w", userID, date.Format(domain.DateLayout), domain.ErrNotFound)
}

// ListPlans returns all cached plans for the tenant, oldest date first.
func (c *Cache) ListPlans(ctx context.Context, tenantID string) ([]*domain.DayPlan, error) {
	recs, err := repository.NewSQLiteRecordRepo(c.reader).List(ctx, repository.RecordQuery{
		Kind:     domain.EntityDayPlan,
		TenantID: tenantID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.DayPlan, 0, len(recs))
	for _, rec := range recs {
		p, err := domain.UnmarshalPlan(rec.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Cache) DeleteEvent(ctx context.Context, id string) error {
	unlock := c.locks.Lock(lockKey(domain.EntityScheduleEvent, id))
	defer unlock()
	return repository.NewSQLiteRecordRepo(c.reader).Delete(ctx, domain.EntityScheduleEvent, id)
}

// SetVersion records the version the backing store assigned to an entity.
// The read and the write happen under the entity lock in one transaction,
// so a concurrent local save is never reverted. A version is never lowered.
func (c *Cache) SetVersion(ctx context.Context, kind domain.EntityKind, id string, version int64) error {
	if kind != domain.EntityDayPlan && kind != domain.EntityScheduleEvent {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	resolved, err := repository.NewSQLiteIDMappingRepo(c.reader).Resolve(ctx, kind, id)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(lockKey(kind, resolved))
	defer unlock()

	return c.uow.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		records := repository.NewSQLiteRecordRepo(tx)
		rec, err := records.Get(ctx, kind, resolved)
		if err != nil {
			return fmt.Errorf("%s %s: %w", kind, id, err)
		}
		if rec.Version >= version {
			return nil
		}
		body, err := bodyWithVersion(kind, rec.Body, version)
		if err != nil {
			return err
		}
		rec.Body = body
		rec.Version = version
		rec.UpdatedAt = c.now()
		return records.Put(ctx, rec)
	})
}

// bodyWithVersion rewrites the version inside an encoded record body. Event
// bodies never carry sensitive fields, so nothing is unsealed.
func bodyWithVersion(kind domain.EntityKind, body []byte, version int64) ([]byte, error) {
	if kind == domain.EntityDayPlan {
		p, err := domain.UnmarshalPlan(body)
		if err != nil {
			return nil, err
		}
		p.Version = version
		return domain.MarshalPlan(p)
	}
	e, err := domain.UnmarshalEvent(body)
	if err != nil {
		return nil, err
	}
	e.Version = version
	return domain.MarshalEvent(e)
}

// ApplySnapshot stores an encoded snapshot, such as the merged result of a
// conflict resolution. It is a single locked write, like Save.
func (c *Cache) ApplySnapshot(ctx context.Context, kind domain.EntityKind, payload json.RawMessage) error {
	switch kind {
	case domain.EntityDayPlan:
		p, err := domain.UnmarshalPlan(payload)
		if err != nil {
			return err
		}
		_, err = c.Save(ctx, p)
		return err
	case domain.EntityScheduleEvent:
		e, err := domain.UnmarshalEvent(payload)
		if err != nil {
			return err
		}
		_, err = c.Save(ctx, nil, e)
		return err
	}
	return fmt.Errorf("unknown entity kind %q", kind)
}

// RemapID replaces a provisional id with the canonical one. Event records
// are re-sealed because the ciphertext is bound to the id, and a plan's
// events are re-parented. Later lookups by the provisional id still work.
func (c *Cache) RemapID(ctx context.Context, kind domain.EntityKind, provisionalID, canonicalID string) error {
	if provisionalID == canonicalID {
		return nil
	}
	unlock := c.locks.LockAll(lockKey(kind, provisionalID), lockKey(kind, canonicalID))
	defer unlock()

	return c.uow.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		records := repository.NewSQLiteRecordRepo(tx)

		rec, err := records.Get(ctx, kind, provisionalID)
		if err != nil {
			return fmt.Errorf("remapping %s %s: %w", kind, provisionalID, err)
		}
		if err := records.Delete(ctx, kind, provisionalID); err != nil {
			return err
		}
		if err := c.rekey(rec, canonicalID, ""); err != nil {
			return err
		}
		if err := records.Put(ctx, rec); err != nil {
			return err
		}

		if kind == domain.EntityDayPlan {
			children, err := records.List(ctx, repository.RecordQuery{ParentID: provisionalID})
			if err != nil {
				return err
			}
			for _, child := range children {
				if err := c.rekey(child, "", canonicalID); err != nil {
					return err
				}
				if err := records.Put(ctx, child); err != nil {
					return err
				}
			}
		}

		return repository.NewSQLiteIDMappingRepo(tx).Put(ctx, kind, provisionalID, canonicalID, c.now())
	})
}

// rekey rewrites a record's id or parent in both its columns and its body.
func (c *Cache) rekey(rec *repository.Record, newID, newParent string) error {
	body, err := domain.RewriteIDs(rec.Body, newID, newParent)
	if err != nil {
		return fmt.Errorf("rewriting ids for %s: %w", rec.ID, err)
	}
	rec.Body = body
	if newParent != "" {
		rec.ParentID = newParent
	}
	if newID == "" || newID == rec.ID {
		return nil
	}
	if len(rec.Sealed) > 0 {
		plain, err := c.open(rec)
		if err != nil {
			return err
		}
		sealed, err := c.sealer.Seal(string(rec.Kind), newID, plain)
		if err != nil {
			return err
		}
		rec.Sealed = sealed
	}
	rec.ID = newID
	return nil
}

// Status reports current usage without evicting.
func (c *Cache) Status(ctx context.Context) (StorageStatus, error) {
	used, err := repository.NewSQLiteRecordRepo(c.reader).UsedBytes(ctx)
	if err != nil {
		return StorageStatus{}, err
	}
	return c.status(used), nil
}

func (c *Cache) get(ctx context.Context, kind domain.EntityKind, id string) (*repository.Record, error) {
	resolved, err := repository.NewSQLiteIDMappingRepo(c.reader).Resolve(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	rec, err := repository.NewSQLiteRecordRepo(c.reader).Get(ctx, kind, resolved)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, id, err)
	}
	return rec, nil
}

func (c *Cache) planRecord(p *domain.DayPlan) (*repository.Record, error) {
	body, err := domain.MarshalPlan(p)
	if err != nil {
		return nil, err
	}
	return &repository.Record{
		Kind:      domain.EntityDayPlan,
		ID:        p.ID,
		TenantID:  p.TenantID,
		PlanDate:  p.DateKey(),
		Pinned:    p.Pinned,
		Version:   p.Version,
		Body:      body,
		UpdatedAt: c.now(),
	}, nil
}

func (c *Cache) eventRecord(e *domain.ScheduleEvent) (*repository.Record, error) {
	body, err := domain.MarshalEvent(e.WithoutSensitive())
	if err != nil {
		return nil, err
	}
	rec := &repository.Record{
		Kind:      domain.EntityScheduleEvent,
		ID:        e.ID,
		TenantID:  e.TenantID,
		ParentID:  e.DayPlanID,
		Version:   e.Version,
		Body:      body,
		UpdatedAt: c.now(),
	}
	if s := e.Sensitive(); !s.IsZero() {
		plain, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encoding sensitive fields for %s: %w", e.ID, err)
		}
		sealed, err := c.sealer.Seal(string(domain.EntityScheduleEvent), e.ID, plain)
		if err != nil {
			return nil, err
		}
		rec.Sealed = sealed
		rec.KeyID = c.sealer.KeyID()
	}
	return rec, nil
}

func (c *Cache) decodeEvent(rec *repository.Record) (*domain.ScheduleEvent, error) {
	e, err := domain.UnmarshalEvent(rec.Body)
	if err != nil {
		return nil, err
	}
	if len(rec.Sealed) == 0 {
		return e, nil
	}
	plain, err := c.open(rec)
	if err != nil {
		return nil, err
	}
	var s domain.SensitiveFields
	if err := json.Unmarshal(plain, &s); err != nil {
		return nil, &domain.EncryptionError{EntityID: rec.ID, Op: "decode", Err: err}
	}
	e.ApplySensitive(s)
	return e, nil
}

func (c *Cache) open(rec *repository.Record) ([]byte, error) {
	if rec.KeyID != "" && rec.KeyID != c.sealer.KeyID() {
		return nil, &domain.EncryptionError{
			EntityID: rec.ID,
			Op:       "open",
			Err:      errors.New("record sealed under a different session key"),
		}
	}
	return c.sealer.Open(string(rec.Kind), rec.ID, rec.Sealed)
}

func (c *Cache) status(used int64) StorageStatus {
	st := StorageStatus{UsedBytes: used, BudgetBytes: c.cfg.BudgetBytes}
	if c.cfg.BudgetBytes > 0 {
		st.Percent = float64(used) * 100 / float64(c.cfg.BudgetBytes)
	}
	return st
}

func lockKey(kind domain.EntityKind, id string) string {
	return string(kind) + ":" + id
}
