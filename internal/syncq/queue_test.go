package syncq_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alexanderramin/dayplan/internal/cache"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/remote"
	"github.com/alexanderramin/dayplan/internal/syncq"
	"github.com/alexanderramin/dayplan/internal/testutil"
	"github.com/alexanderramin/dayplan/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	db     *sql.DB
	cache  *cache.Cache
	remote *remote.Memory
	queue  *syncq.Queue
	clock  *testutil.Clock
}

func testPolicy() syncq.RetryPolicy {
	return syncq.RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		Timeout:     50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, policy syncq.RetryPolicy) *harness {
	t.Helper()
	database := testutil.NewTestDB(t)
	sealer, err := vault.NewSealer(vault.Session{TenantID: "tenant-1", DeviceID: "dev-1", Secret: []byte("0123456789abcdef0123")})
	require.NoError(t, err)

	clock := testutil.NewClock(testutil.Now)
	c := cache.New(database, sealer, cache.DefaultConfig(), cache.WithClock(clock.Now))
	mem := remote.NewMemory()
	q := syncq.New(database, sealer, mem, c,
		syncq.WithClock(clock.Now),
		syncq.WithRetryPolicy(policy),
	)
	c.SetEvictionGuard(q)
	q.SetOnline(true)
	return &harness{db: database, cache: c, remote: mem, queue: q, clock: clock}
}

func (h *harness) enqueuePlan(t *testing.T, p *domain.DayPlan, kind domain.OpKind, actor domain.Role) *domain.SyncOperation {
	t.Helper()
	payload, err := domain.MarshalPlan(p)
	require.NoError(t, err)
	op, err := h.queue.Enqueue(context.Background(), domain.SyncOperation{
		EntityKind:  domain.EntityDayPlan,
		EntityID:    p.ID,
		Kind:        kind,
		Payload:     payload,
		BaseVersion: p.Version,
		TenantID:    p.TenantID,
		ActorID:     p.UserID,
		ActorRole:   actor,
	})
	require.NoError(t, err)
	return op
}

func (h *harness) enqueueEvent(t *testing.T, e *domain.ScheduleEvent, kind domain.OpKind, actorID string, actor domain.Role) *domain.SyncOperation {
	t.Helper()
	payload, err := domain.MarshalEvent(e)
	require.NoError(t, err)
	op, err := h.queue.Enqueue(context.Background(), domain.SyncOperation{
		EntityKind:  domain.EntityScheduleEvent,
		EntityID:    e.ID,
		ParentID:    e.DayPlanID,
		Kind:        kind,
		Payload:     payload,
		BaseVersion: e.Version,
		TenantID:    e.TenantID,
		ActorID:     actorID,
		ActorRole:   actor,
	})
	require.NoError(t, err)
	return op
}

// seedRemoteEvent stores an event both remotely and locally at version 1.
func (h *harness) seedRemoteEvent(t *testing.T, e *domain.ScheduleEvent) {
	t.Helper()
	payload, err := domain.MarshalEvent(e)
	require.NoError(t, err)
	e.Version = h.remote.Edit(domain.EntityScheduleEvent, e.ID, payload, domain.RoleTechnician, "tech-1")
	_, err = h.cache.SaveEvent(context.Background(), e)
	require.NoError(t, err)
}

func TestSync_OfflineCreateRetrievableByCanonicalID(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	plan := testutil.NewTestPlan("tech-1")
	plan.ID = domain.ProvisionalPrefix + "plan"
	ev := testutil.NewTestJob(plan.ID, testutil.WithLocation("12 Elm St", "4321"), testutil.WithNotes("side gate"))
	ev.ID = domain.ProvisionalPrefix + "ev"
	_, err := h.cache.Save(ctx, plan, ev)
	require.NoError(t, err)

	h.enqueuePlan(t, plan, domain.OpCreate, domain.RoleTechnician)
	h.enqueueEvent(t, ev, domain.OpCreate, "tech-1", domain.RoleTechnician)

	res, err := h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Empty(t, res.Errors)

	planID := res.Mappings[plan.ID]
	evID := res.Mappings[ev.ID]
	require.NotEmpty(t, planID)
	require.NotEmpty(t, evID)
	assert.False(t, domain.IsProvisionalID(planID))

	gotPlan, err := h.cache.GetPlan(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, plan.UserID, gotPlan.UserID)
	assert.Equal(t, plan.DateKey(), gotPlan.DateKey())

	gotEv, err := h.cache.GetEvent(ctx, evID)
	require.NoError(t, err)
	assert.Equal(t, planID, gotEv.DayPlanID)
	assert.Equal(t, "side gate", gotEv.Notes)
	require.NotNil(t, gotEv.Location)
	assert.Equal(t, "12 Elm St", gotEv.Location.Address)
	assert.Equal(t, ev.ScheduledStart, gotEv.ScheduledStart)
	assert.Equal(t, int64(1), gotEv.Version)

	body, _, ok := h.remote.Get(domain.EntityScheduleEvent, evID)
	require.True(t, ok)
	var remoteEv struct {
		DayPlanID string `json:"day_plan_id"`
	}
	require.NoError(t, json.Unmarshal(body, &remoteEv))
	assert.Equal(t, planID, remoteEv.DayPlanID, "queued child must reference the canonical parent")

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSync_FailedCompletionKeepsQueueConsistent(t *testing.T) {
	database := testutil.NewTestDB(t)
	sealer, err := vault.NewSealer(vault.Session{TenantID: "tenant-1", DeviceID: "dev-1", Secret: []byte("0123456789abcdef0123")})
	require.NoError(t, err)
	c := cache.New(database, sealer, cache.DefaultConfig())
	mem := remote.NewMemory()
	// The first write deletes the applied operation, the second rebases its child.
	faulty := testutil.NewFaultyUoW(database, 2, errors.New("disk full"))
	q := syncq.New(database, sealer, mem, c,
		syncq.WithRetryPolicy(testPolicy()),
		syncq.WithUnitOfWork(faulty),
	)
	q.SetOnline(true)
	h := &harness{db: database, cache: c, remote: mem, queue: q}
	ctx := context.Background()

	plan := testutil.NewTestPlan("tech-1")
	plan.ID = domain.ProvisionalPrefix + "plan"
	ev := testutil.NewTestJob(plan.ID)
	ev.ID = domain.ProvisionalPrefix + "ev"
	_, err = c.Save(ctx, plan, ev)
	require.NoError(t, err)
	h.enqueuePlan(t, plan, domain.OpCreate, domain.RoleTechnician)
	h.enqueueEvent(t, ev, domain.OpCreate, "tech-1", domain.RoleTechnician)

	_, err = q.Sync(ctx)
	require.Error(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2, "nothing is dequeued when recording fails")
	assert.Equal(t, plan.ID, pending[0].EntityID)
	assert.Equal(t, plan.ID, pending[1].ParentID)

	faulty.Disarm()
	res, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	planID := res.Mappings[plan.ID]
	require.NotEmpty(t, planID)

	got, err := c.GetEvent(ctx, res.Mappings[ev.ID])
	require.NoError(t, err)
	assert.Equal(t, planID, got.DayPlanID)
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSync_Offline(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.queue.SetOnline(false)

	_, err := h.queue.Sync(context.Background())
	assert.ErrorIs(t, err, syncq.ErrOffline)
}

func TestSync_ReplayOfAppliedOperationCountsAsSynced(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	plan := testutil.NewTestPlan("tech-1")
	_, err := h.cache.Save(ctx, plan)
	require.NoError(t, err)
	op := h.enqueuePlan(t, plan, domain.OpCreate, domain.RoleTechnician)

	// The push reached the backing store but the response was lost.
	_, err = h.remote.Apply(ctx, *op)
	require.NoError(t, err)

	res, err := h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSync_TimeoutIsRetriedWithBackoff(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	plan := testutil.NewTestPlan("tech-1")
	_, err := h.cache.Save(ctx, plan)
	require.NoError(t, err)
	h.enqueuePlan(t, plan, domain.OpCreate, domain.RoleTechnician)

	h.remote.SetHook(func(ctx context.Context, _ domain.SyncOperation) error {
		<-ctx.Done()
		return ctx.Err()
	})

	res, err := h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0].Err, domain.ErrSyncTimeout)

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, domain.SyncOpPending, pending[0].State)

	h.remote.SetHook(nil)

	res, err = h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred, "not due until the backoff elapses")
	assert.Zero(t, res.Synced)

	h.clock.Advance(time.Second)
	res, err = h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func TestSync_ExhaustedRetriesStayQueuedUntilRequeued(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	plan := testutil.NewTestPlan("tech-1")
	_, err := h.cache.Save(ctx, plan)
	require.NoError(t, err)
	op := h.enqueuePlan(t, plan, domain.OpCreate, domain.RoleTechnician)

	h.remote.SetHook(func(context.Context, domain.SyncOperation) error {
		return errors.New("connection refused")
	})

	var res *syncq.Result
	for i := 0; i < 3; i++ {
		res, err = h.queue.Sync(ctx)
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}
	assert.Equal(t, 1, res.Failed)

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.SyncOpFailed, pending[0].State)
	assert.Contains(t, pending[0].LastError, "connection refused")

	calls := h.remote.Calls()
	_, err = h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, calls, h.remote.Calls(), "failed operations are not retried automatically")

	has, err := h.queue.HasPendingForPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, has)

	h.remote.SetHook(nil)
	require.NoError(t, h.queue.Requeue(ctx, op.ID))
	res, err = h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	has, err = h.queue.HasPendingForPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSync_HeldEntityBlocksLaterOperationsOnIt(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	planID := "plan-1"
	a := testutil.NewTestJob(planID)
	a.ID = "ev-a"
	h.seedRemoteEvent(t, a)

	a.Notes = "first"
	first := h.enqueueEvent(t, a, domain.OpUpdate, "tech-1", domain.RoleTechnician)
	a.Notes = "second"
	h.enqueueEvent(t, a, domain.OpUpdate, "tech-1", domain.RoleTechnician)
	b := testutil.NewTestJob(planID)
	b.ID = "ev-b"
	h.enqueueEvent(t, b, domain.OpCreate, "tech-1", domain.RoleTechnician)

	h.remote.SetHook(func(_ context.Context, op domain.SyncOperation) error {
		if op.ID == first.ID {
			return errors.New("network unreachable")
		}
		return nil
	})

	res, err := h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 1, res.Synced)

	_, _, ok := h.remote.Get(domain.EntityScheduleEvent, "ev-b")
	assert.True(t, ok, "other entities are not blocked")
	_, version, _ := h.remote.Get(domain.EntityScheduleEvent, "ev-a")
	assert.Equal(t, int64(1), version)

	h.remote.SetHook(nil)
	h.clock.Advance(time.Second)
	res, err = h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)

	body, version, _ := h.remote.Get(domain.EntityScheduleEvent, "ev-a")
	assert.Equal(t, int64(3), version, "second update is rebased on the first")
	assert.Contains(t, string(body), `"notes":"second"`)
}

func TestSync_ConflictResolvedByRoleAndAudited(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	ev := testutil.NewTestJob("plan-1", testutil.WithDuration(60))
	ev.ID = "ev-1"
	h.seedRemoteEvent(t, ev)

	remoteCopy := *ev
	remoteCopy.ScheduledDurationMin = 45
	remoteCopy.Notes = "call ahead"
	remotePayload, err := domain.MarshalEvent(&remoteCopy)
	require.NoError(t, err)
	h.remote.Edit(domain.EntityScheduleEvent, ev.ID, remotePayload, domain.RoleSupervisor, "sup-1")

	ev.ScheduledDurationMin = 90
	ev.Notes = "gate locked"
	_, err = h.cache.SaveEvent(ctx, ev)
	require.NoError(t, err)
	h.enqueueEvent(t, ev, domain.OpUpdate, "tech-1", domain.RoleTechnician)

	res, err := h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	require.Len(t, res.Resolutions, 1)
	assert.Equal(t, domain.RoleSupervisor, res.Resolutions[0].WinningRole)
	assert.Equal(t, domain.ReasonRolePriority, res.Resolutions[0].ReasonCode)
	assert.Contains(t, res.Resolutions[0].MergedFields, "scheduled_duration_min")
	assert.Contains(t, res.Resolutions[0].MergedFields, "notes")

	got, err := h.cache.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, got.ScheduledDurationMin)
	assert.Contains(t, got.Notes, "call ahead")
	assert.Contains(t, got.Notes, "gate locked")
	assert.Equal(t, int64(3), got.Version)

	audit, err := h.queue.Resolutions(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, domain.RoleSupervisor, audit[0].WinningRole)
}

func TestSync_EqualAuthorityConflictNeedsReview(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	ev := testutil.NewTestJob("plan-1", testutil.WithDuration(60))
	ev.ID = "ev-1"
	h.seedRemoteEvent(t, ev)

	remoteCopy := *ev
	remoteCopy.ScheduledDurationMin = 45
	remotePayload, err := domain.MarshalEvent(&remoteCopy)
	require.NoError(t, err)
	h.remote.Edit(domain.EntityScheduleEvent, ev.ID, remotePayload, domain.RoleTechnician, "tech-2")

	ev.ScheduledDurationMin = 90
	op := h.enqueueEvent(t, ev, domain.OpUpdate, "tech-1", domain.RoleTechnician)

	res, err := h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Review)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0].Err, domain.ErrConflictUnresolved)

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.SyncOpReview, pending[0].State)
	assert.Equal(t, []string{"scheduled_duration_min"}, pending[0].ConflictFields)

	_, version, _ := h.remote.Get(domain.EntityScheduleEvent, ev.ID)
	assert.Equal(t, int64(2), version, "remote copy untouched")

	require.NoError(t, h.queue.Discard(ctx, op.ID))
	pending, err = h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSync_SecondFlushIsRejectedWhileOneRuns(t *testing.T) {
	policy := testPolicy()
	policy.Timeout = 0
	h := newHarness(t, policy)
	ctx := context.Background()

	plan := testutil.NewTestPlan("tech-1")
	_, err := h.cache.Save(ctx, plan)
	require.NoError(t, err)
	h.enqueuePlan(t, plan, domain.OpCreate, domain.RoleTechnician)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.remote.SetHook(func(context.Context, domain.SyncOperation) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.queue.Sync(ctx)
		done <- err
	}()

	<-entered
	_, err = h.queue.Sync(ctx)
	assert.ErrorIs(t, err, syncq.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestSync_EditQueuedDuringPushIsRebased(t *testing.T) {
	policy := testPolicy()
	policy.Timeout = 0
	h := newHarness(t, policy)
	ctx := context.Background()

	ev := testutil.NewTestJob("plan-1")
	ev.ID = "ev-1"
	h.seedRemoteEvent(t, ev)

	ev.Status = domain.EventInProgress
	_, err := h.cache.SaveEvent(ctx, ev)
	require.NoError(t, err)
	h.enqueueEvent(t, ev, domain.OpUpdate, "tech-1", domain.RoleTechnician)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.remote.SetHook(func(context.Context, domain.SyncOperation) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.queue.Sync(ctx)
		done <- err
	}()

	// The technician finishes the job while the first push is in flight.
	<-entered
	local, err := h.cache.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	local.Status = domain.EventCompleted
	_, err = h.cache.SaveEvent(ctx, local)
	require.NoError(t, err)
	h.enqueueEvent(t, local, domain.OpUpdate, "tech-1", domain.RoleTechnician)
	close(release)
	require.NoError(t, <-done)

	cached, err := h.cache.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventCompleted, cached.Status, "write-back keeps the newer local edit")
	assert.Equal(t, int64(2), cached.Version)

	res, err := h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Review)
	assert.Zero(t, res.Conflicts)
	assert.Empty(t, res.Errors)

	payload, version, ok := h.remote.Get(domain.EntityScheduleEvent, ev.ID)
	require.True(t, ok)
	assert.Equal(t, int64(3), version)
	got, err := domain.UnmarshalEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, domain.EventCompleted, got.Status)
}

func TestSync_HoldDefersRecordingUntilReleased(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	ev := testutil.NewTestJob("plan-1")
	ev.ID = "ev-1"
	h.seedRemoteEvent(t, ev)
	ev.Status = domain.EventInProgress
	_, err := h.cache.SaveEvent(ctx, ev)
	require.NoError(t, err)
	h.enqueueEvent(t, ev, domain.OpUpdate, "tech-1", domain.RoleTechnician)

	pushed := make(chan struct{})
	var once sync.Once
	h.remote.SetHook(func(context.Context, domain.SyncOperation) error {
		once.Do(func() { close(pushed) })
		return nil
	})

	release := h.queue.Hold()
	done := make(chan error, 1)
	go func() {
		_, err := h.queue.Sync(ctx)
		done <- err
	}()
	<-pushed

	select {
	case <-done:
		t.Fatal("flush recorded its result while a local write was in progress")
	case <-time.After(20 * time.Millisecond):
	}

	// A read-modify-enqueue that started before the result was recorded.
	local, err := h.cache.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), local.Version)
	local.Status = domain.EventCompleted
	_, err = h.cache.SaveEvent(ctx, local)
	require.NoError(t, err)
	h.enqueueEvent(t, local, domain.OpUpdate, "tech-1", domain.RoleTechnician)
	release()
	require.NoError(t, <-done)

	res, err := h.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Review)

	_, version, _ := h.remote.Get(domain.EntityScheduleEvent, ev.ID)
	assert.Equal(t, int64(3), version)
}

func TestSync_CancelledContextLeavesQueueIntact(t *testing.T) {
	h := newHarness(t, testPolicy())
	plan := testutil.NewTestPlan("tech-1")
	_, err := h.cache.Save(context.Background(), plan)
	require.NoError(t, err)
	h.enqueuePlan(t, plan, domain.OpCreate, domain.RoleTechnician)

	ctx, cancel := context.WithCancel(context.Background())
	h.remote.SetHook(func(context.Context, domain.SyncOperation) error {
		cancel()
		return context.Canceled
	})

	_, err = h.queue.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].Attempts)
}

func TestEnqueue_PayloadSealedAtRest(t *testing.T) {
	h := newHarness(t, testPolicy())
	ev := testutil.NewTestJob("plan-1", testutil.WithNotes("alarm code 7781"))
	op := h.enqueueEvent(t, ev, domain.OpCreate, "tech-1", domain.RoleTechnician)

	var payload []byte
	require.NoError(t, h.db.QueryRow(`SELECT payload FROM sync_operations WHERE id = ?`, op.ID).Scan(&payload))
	assert.NotEmpty(t, payload)
	assert.NotContains(t, string(payload), "7781")
}

func TestSetOnline_KicksFlush(t *testing.T) {
	h := newHarness(t, testPolicy())
	// Drain the kick from harness setup.
	select {
	case <-h.queue.Kicks():
	default:
	}

	h.queue.SetOnline(false)
	h.queue.SetOnline(true)

	select {
	case <-h.queue.Kicks():
	default:
		t.Fatal("expected a flush request after reconnecting")
	}
}
