package syncq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexanderramin/dayplan/internal/conflict"
	"github.com/alexanderramin/dayplan/internal/db"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/repository"
)

// OpError is one operation that did not reach the backing store this pass.
type OpError struct {
	OperationID string
	EntityID    string
	Err         error
}

func (e OpError) Error() string {
	return fmt.Sprintf("operation %s on %s: %v", e.OperationID, e.EntityID, e.Err)
}

// Result summarises one flush. Synced operations were applied as written;
// Conflicts were applied after an automatic merge; Retrying, Failed and
// Review operations are still queued.
type Result struct {
	Synced    int
	Conflicts int
	Retrying  int
	Failed    int
	Review    int
	// Deferred operations were skipped because they are not due yet or an
	// earlier operation on the same entity is still held.
	Deferred int
	Errors   []OpError
	// Mappings maps provisional ids to the canonical ids assigned this pass.
	Mappings    map[string]string
	Resolutions []*domain.ConflictResolution
}

// Sync flushes the queue in enqueue order. Operations on an entity are never
// reordered: once one is held back, every later operation on that entity
// (and, for a day plan, on its events) waits for the next pass. A cancelled
// context stops the pass between operations; anything not yet applied stays
// queued.
func (q *Queue) Sync(ctx context.Context) (*Result, error) {
	if !q.Online() {
		return nil, ErrOffline
	}
	if !q.flushMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer q.flushMu.Unlock()

	started := time.Now()
	res := &Result{Mappings: map[string]string{}}

	repo := repository.NewSQLiteSyncOpRepo(q.reader)
	ops, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sync queue: %w", err)
	}

	blocked := map[string]bool{}
	block := func(op *repository.OpRecord) {
		blocked[op.EntityID] = true
	}

	var passErr error
	for _, queued := range ops {
		if err := ctx.Err(); err != nil {
			passErr = err
			break
		}
		// Earlier pushes in this pass may have rewritten or discarded it.
		op, err := repo.GetByID(ctx, queued.ID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			passErr = fmt.Errorf("reloading queued operation %s: %w", queued.ID, err)
			break
		}
		if blocked[op.EntityID] || (op.ParentID != "" && blocked[op.ParentID]) {
			res.Deferred++
			block(op)
			continue
		}
		switch op.State {
		case domain.SyncOpFailed, domain.SyncOpReview:
			block(op)
			continue
		}
		if op.NextAttemptAt != nil && q.now().Before(*op.NextAttemptAt) {
			res.Deferred++
			block(op)
			continue
		}

		applied, err := q.push(ctx, op, res)
		if err != nil {
			passErr = err
			break
		}
		if !applied {
			block(op)
		}
	}

	if remaining, err := repo.List(ctx); err == nil {
		q.metrics.SetQueueDepth(len(remaining))
	}
	q.metrics.ObserveFlush(time.Since(started), res)
	q.log.Infow("sync pass finished", map[string]any{
		"synced":    res.Synced,
		"conflicts": res.Conflicts,
		"retrying":  res.Retrying,
		"failed":    res.Failed,
		"review":    res.Review,
		"deferred":  res.Deferred,
	})
	return res, passErr
}

// push sends one operation. It reports whether the operation left the
// queue. A non-nil error aborts the pass.
func (q *Queue) push(ctx context.Context, op *repository.OpRecord, res *Result) (bool, error) {
	plain, err := q.openPayload(op)
	if err != nil {
		return false, q.fail(ctx, op, err, res)
	}
	sop := op.SyncOperation
	sop.Payload = plain

	ar, err := q.apply(ctx, sop)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var vc *VersionConflictError
		if errors.As(err, &vc) {
			return q.resolve(ctx, op, sop, vc, res)
		}
		if errors.Is(err, domain.ErrValidation) {
			return false, q.fail(ctx, op, err, res)
		}
		return false, q.retry(ctx, op, err, res)
	}

	if ar.Duplicate {
		q.log.Debugw("operation already applied", map[string]any{"op_id": op.ID})
	}
	if err := q.complete(ctx, op, ar, nil, nil, res); err != nil {
		return false, err
	}
	res.Synced++
	return true, nil
}

// apply calls the backing store under the per-push timeout.
func (q *Queue) apply(ctx context.Context, sop domain.SyncOperation) (*ApplyResult, error) {
	pctx := ctx
	if q.policy.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, q.policy.Timeout)
		defer cancel()
	}
	ar, err := q.remote.Apply(pctx, sop)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, &domain.SyncTimeoutError{OperationID: sop.ID, Attempt: sop.Attempts + 1, Err: err}
		}
		return nil, err
	}
	if ar == nil {
		ar = &ApplyResult{}
	}
	return ar, nil
}

// resolve handles a version conflict. Automatic resolutions are re-applied
// against the current remote version and audited; anything else is parked
// for manual review.
func (q *Queue) resolve(ctx context.Context, op *repository.OpRecord, sop domain.SyncOperation, vc *VersionConflictError, res *Result) (bool, error) {
	if op.Kind == domain.OpDelete {
		return q.resolveDelete(ctx, op, sop, vc, res)
	}

	local := conflict.Version{Role: op.ActorRole, ActorID: op.ActorID, Payload: sop.Payload}
	remote := conflict.Version{Role: vc.CurrentRole, ActorID: vc.CurrentActorID, Payload: vc.Current}
	resolution, err := conflict.Resolve(op.EntityID, local, remote)
	if err != nil {
		var unresolved *domain.ConflictUnresolvedError
		if errors.As(err, &unresolved) {
			return false, q.review(ctx, op, unresolved, res)
		}
		return false, q.fail(ctx, op, err, res)
	}

	audit := &domain.ConflictResolution{
		EntityID:     op.EntityID,
		OperationID:  op.ID,
		WinningRole:  resolution.WinningRole,
		ReasonCode:   resolution.ReasonCode,
		MergedFields: resolution.MergedFields,
		ResolvedAt:   q.now(),
	}

	ar := &ApplyResult{CanonicalID: op.EntityID, Version: vc.CurrentVersion}
	if resolution.ReasonCode != domain.ReasonIdentical && !bytes.Equal(resolution.Merged, vc.Current) {
		retry := sop
		retry.Payload = resolution.Merged
		retry.BaseVersion = vc.CurrentVersion
		ar, err = q.apply(ctx, retry)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, q.retry(ctx, op, err, res)
		}
	}

	if err := q.complete(ctx, op, ar, resolution.Merged, audit, res); err != nil {
		return false, err
	}
	res.Conflicts++
	res.Resolutions = append(res.Resolutions, audit)
	q.log.Infow("conflict resolved", map[string]any{
		"entity":  op.EntityID,
		"op_id":   op.ID,
		"winner":  resolution.WinningRole,
		"reason":  resolution.ReasonCode,
		"merged":  resolution.MergedFields,
		"version": ar.Version,
	})
	return true, nil
}

// resolveDelete decides a delete against a concurrent remote edit by
// authority alone: a higher local role deletes anyway, a higher remote role
// restores the remote copy locally, and equal roles go to review.
func (q *Queue) resolveDelete(ctx context.Context, op *repository.OpRecord, sop domain.SyncOperation, vc *VersionConflictError, res *Result) (bool, error) {
	la, ra := op.ActorRole.Authority(), vc.CurrentRole.Authority()
	if la == ra {
		return false, q.review(ctx, op, &domain.ConflictUnresolvedError{
			EntityID:   op.EntityID,
			Fields:     []string{"deleted"},
			LocalRole:  op.ActorRole,
			RemoteRole: vc.CurrentRole,
		}, res)
	}

	audit := &domain.ConflictResolution{
		EntityID:     op.EntityID,
		OperationID:  op.ID,
		ReasonCode:   domain.ReasonRolePriority,
		MergedFields: []string{"deleted"},
		ResolvedAt:   q.now(),
	}
	var snapshot []byte
	ar := &ApplyResult{CanonicalID: op.EntityID}

	if la > ra {
		audit.WinningRole = op.ActorRole
		retry := sop
		retry.BaseVersion = vc.CurrentVersion
		var err error
		ar, err = q.apply(ctx, retry)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, q.retry(ctx, op, err, res)
		}
	} else {
		audit.WinningRole = vc.CurrentRole
		snapshot = vc.Current
		ar.Version = vc.CurrentVersion
	}

	if err := q.complete(ctx, op, ar, snapshot, audit, res); err != nil {
		return false, err
	}
	res.Conflicts++
	res.Resolutions = append(res.Resolutions, audit)
	return true, nil
}

// complete removes an applied operation and carries its outcome forward:
// every operation queued after it, including ones enqueued while the push
// was in flight, is rewritten to the canonical id and rebased on the new
// version, then the cache is remapped and updated. Local writers are held
// off until the cache reflects the result.
func (q *Queue) complete(ctx context.Context, op *repository.OpRecord, ar *ApplyResult, snapshot []byte, audit *domain.ConflictResolution, res *Result) error {
	canonical := ar.CanonicalID
	if canonical == "" {
		canonical = op.EntityID
	}
	remapped := canonical != op.EntityID
	if audit != nil {
		audit.EntityID = canonical
	}

	release := q.Hold()
	defer release()

	// A local edit still queued on the entity supersedes the snapshot.
	superseded := false
	err := q.uow.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		ops := repository.NewSQLiteSyncOpRepo(tx)
		if err := ops.Delete(ctx, op.ID); err != nil {
			return err
		}
		if audit != nil {
			if err := repository.NewSQLiteConflictAuditRepo(tx).Append(ctx, audit); err != nil {
				return err
			}
		}
		later, err := ops.ListAfter(ctx, op.Seq)
		if err != nil {
			return err
		}
		for _, l := range later {
			changed, err := q.carryForward(l, op, canonical, ar.Version)
			if err != nil {
				return err
			}
			if l.EntityID == canonical && l.EntityKind == op.EntityKind {
				superseded = true
			}
			if !changed {
				continue
			}
			if err := ops.Update(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording sync of %s: %w", op.ID, err)
	}

	if remapped {
		res.Mappings[op.EntityID] = canonical
		if err := q.local.RemapID(ctx, op.EntityKind, op.EntityID, canonical); err != nil && !errors.Is(err, domain.ErrNotFound) {
			q.localError(op, err, res)
		}
	}
	if len(snapshot) > 0 && !superseded {
		body, err := domain.RewriteIDs(snapshot, canonical, "")
		if err == nil {
			err = q.local.ApplySnapshot(ctx, op.EntityKind, body)
		}
		if err != nil {
			q.localError(op, err, res)
		}
	}
	if ar.Version > 0 && (op.Kind != domain.OpDelete || len(snapshot) > 0) {
		if err := q.local.SetVersion(ctx, op.EntityKind, canonical, ar.Version); err != nil && !errors.Is(err, domain.ErrNotFound) {
			q.localError(op, err, res)
		}
	}
	return nil
}

// carryForward rewrites a later operation after op was applied. It reports
// whether anything changed.
func (q *Queue) carryForward(l, op *repository.OpRecord, canonical string, version int64) (bool, error) {
	changed := false
	if canonical != op.EntityID {
		var newID, newParent string
		if l.EntityID == op.EntityID {
			newID = canonical
		}
		if l.ParentID == op.EntityID {
			newParent = canonical
		}
		if newID != "" || newParent != "" {
			if err := q.rewritePayload(l, newID, newParent); err != nil {
				return false, err
			}
			if newID != "" {
				l.EntityID = newID
			}
			if newParent != "" {
				l.ParentID = newParent
			}
			changed = true
		}
	}
	if version > 0 && l.EntityID == canonical && l.EntityKind == op.EntityKind && op.Kind != domain.OpDelete {
		l.BaseVersion = version
		changed = true
	}
	return changed, nil
}

func (q *Queue) rewritePayload(l *repository.OpRecord, newID, newParent string) error {
	plain, err := q.openPayload(l)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(plain)) > 0 {
		plain, err = domain.RewriteIDs(plain, newID, newParent)
		if err != nil {
			return fmt.Errorf("rewriting operation %s: %w", l.ID, err)
		}
	}
	return q.sealPayload(l, plain)
}

// retry records a transient failure. The operation keeps its place in the
// queue until its retries are exhausted, after which it is marked failed and
// stays visible until requeued.
func (q *Queue) retry(ctx context.Context, op *repository.OpRecord, cause error, res *Result) error {
	op.Attempts++
	op.LastError = cause.Error()
	q.metrics.IncRetry()
	if q.policy.Exhausted(op.Attempts) {
		op.State = domain.SyncOpFailed
		op.NextAttemptAt = nil
		res.Failed++
	} else {
		next := q.now().Add(q.policy.Backoff(op.Attempts))
		op.NextAttemptAt = &next
		res.Retrying++
	}
	res.Errors = append(res.Errors, OpError{OperationID: op.ID, EntityID: op.EntityID, Err: cause})
	q.log.Warnw("sync push failed", map[string]any{
		"op_id":    op.ID,
		"entity":   op.EntityID,
		"attempts": op.Attempts,
		"state":    op.State,
		"error":    cause.Error(),
	})
	return q.update(ctx, op)
}

// fail parks an operation the backing store will never accept as written.
func (q *Queue) fail(ctx context.Context, op *repository.OpRecord, cause error, res *Result) error {
	op.State = domain.SyncOpFailed
	op.LastError = cause.Error()
	op.NextAttemptAt = nil
	res.Failed++
	res.Errors = append(res.Errors, OpError{OperationID: op.ID, EntityID: op.EntityID, Err: cause})
	q.log.Warnw("sync operation rejected", map[string]any{
		"op_id":  op.ID,
		"entity": op.EntityID,
		"error":  cause.Error(),
	})
	return q.update(ctx, op)
}

func (q *Queue) review(ctx context.Context, op *repository.OpRecord, cause *domain.ConflictUnresolvedError, res *Result) error {
	op.State = domain.SyncOpReview
	op.LastError = cause.Error()
	op.ConflictFields = cause.Fields
	op.NextAttemptAt = nil
	res.Review++
	res.Errors = append(res.Errors, OpError{OperationID: op.ID, EntityID: op.EntityID, Err: cause})
	q.log.Warnw("conflict needs manual review", map[string]any{
		"op_id":  op.ID,
		"entity": op.EntityID,
		"fields": cause.Fields,
	})
	return q.update(ctx, op)
}

func (q *Queue) update(ctx context.Context, op *repository.OpRecord) error {
	if err := repository.NewSQLiteSyncOpRepo(q.reader).Update(ctx, op); err != nil {
		return fmt.Errorf("updating queued operation %s: %w", op.ID, err)
	}
	return nil
}

// localError records a cache write-back failure. The operation itself was
// applied remotely and is not retried.
func (q *Queue) localError(op *repository.OpRecord, err error, res *Result) {
	res.Errors = append(res.Errors, OpError{OperationID: op.ID, EntityID: op.EntityID, Err: err})
	q.log.Errorf("updating cache after sync of %s: %v", op.ID, err)
}
