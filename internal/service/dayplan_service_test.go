package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alexanderramin/dayplan/internal/cache"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/eventbus"
	"github.com/alexanderramin/dayplan/internal/remote"
	"github.com/alexanderramin/dayplan/internal/rules"
	"github.com/alexanderramin/dayplan/internal/syncq"
	"github.com/alexanderramin/dayplan/internal/testutil"
	"github.com/alexanderramin/dayplan/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tech       = Actor{ID: "tech-1", Role: domain.RoleTechnician, TenantID: "tenant-1"}
	supervisor = Actor{ID: "sup-1", Role: domain.RoleSupervisor, TenantID: "tenant-1"}
)

type recordingObserver struct {
	mu     sync.Mutex
	events []UseCaseEvent
}

func (r *recordingObserver) ObserveUseCase(_ context.Context, e UseCaseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingObserver) last() UseCaseEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeKit struct {
	required bool
	checked  []string
}

func (k *fakeKit) OverrideRequired(_ context.Context, e *domain.ScheduleEvent) (bool, error) {
	k.checked = append(k.checked, e.ID)
	return k.required, nil
}

type svcFixture struct {
	svc    DayPlanService
	cache  *cache.Cache
	queue  *syncq.Queue
	remote *remote.Memory
	clock  *testutil.Clock
	bus    *eventbus.Bus[eventbus.StatusChanged]
	kit    *fakeKit
	obs    *recordingObserver
}

func newSvcFixture(t *testing.T) *svcFixture {
	t.Helper()
	database := testutil.NewTestDB(t)
	sealer, err := vault.NewSealer(vault.Session{TenantID: "tenant-1", DeviceID: "dev-1", Secret: []byte("0123456789abcdef0123")})
	require.NoError(t, err)
	src, err := rules.NewStatic("", nil)
	require.NoError(t, err)

	clock := testutil.NewClock(testutil.ShiftStart)
	c := cache.New(database, sealer, cache.DefaultConfig(), cache.WithClock(clock.Now))
	mem := remote.NewMemory()
	q := syncq.New(database, sealer, mem, c, syncq.WithClock(clock.Now))
	c.SetEvictionGuard(q)

	f := &svcFixture{
		cache:  c,
		queue:  q,
		remote: mem,
		clock:  clock,
		bus:    eventbus.New[eventbus.StatusChanged](8),
		kit:    &fakeKit{},
		obs:    &recordingObserver{},
	}
	f.svc = NewDayPlanService(c, q, src,
		WithClock(clock.Now),
		WithKitVerifier(f.kit),
		WithStatusPublisher(f.bus),
		WithObservers(f.obs),
	)
	return f
}

func job(start time.Time, minutes int) *domain.ScheduleEvent {
	id := "job-ref"
	return &domain.ScheduleEvent{
		Type:                 domain.EventJob,
		JobID:                &id,
		ScheduledStart:       start,
		ScheduledDurationMin: minutes,
	}
}

func (f *svcFixture) createPlan(t *testing.T, auto bool, events ...*domain.ScheduleEvent) *PlanView {
	t.Helper()
	view, err := f.svc.CreateDayPlan(context.Background(), tech, CreateDayPlanRequest{
		SupervisorID:       "sup-1",
		PlanDate:           testutil.ShiftStart,
		Events:             events,
		AutoScheduleBreaks: auto,
	})
	require.NoError(t, err)
	return view
}

func sixJobs() []*domain.ScheduleEvent {
	var out []*domain.ScheduleEvent
	for i := 0; i < 6; i++ {
		out = append(out, job(testutil.ShiftStart.Add(time.Duration(i)*time.Hour), 45))
	}
	return out
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, code, ve.Code)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateDayPlan_AutoSchedulesBreaks(t *testing.T) {
	f := newSvcFixture(t)
	start := testutil.ShiftStart
	view := f.createPlan(t, true,
		job(start, 90),
		job(start.Add(90*time.Minute), 60),
		job(start.Add(150*time.Minute), 120),
		job(start.Add(270*time.Minute), 60),
	)

	assert.True(t, domain.IsProvisionalID(view.Plan.ID))
	assert.Equal(t, domain.PlanDraft, view.Plan.Status)
	assert.Equal(t, rules.DefaultJurisdiction, view.Plan.Jurisdiction)
	require.GreaterOrEqual(t, len(view.Inserted), 2)

	var rest, meal *domain.ScheduleEvent
	for _, b := range view.Inserted {
		assert.True(t, domain.IsProvisionalID(b.ID))
		assert.Equal(t, view.Plan.ID, b.DayPlanID)
		assert.True(t, b.Metadata.Required)
		switch b.Metadata.BreakKind {
		case domain.BreakRest:
			rest = b
		case domain.BreakMeal:
			meal = b
		}
	}
	require.NotNil(t, rest)
	require.NotNil(t, meal)
	offset := rest.ScheduledStart.Sub(start)
	assert.GreaterOrEqual(t, offset, 210*time.Minute)
	assert.LessOrEqual(t, offset, 270*time.Minute)
	assert.Equal(t, 15, rest.ScheduledDurationMin)
	assert.Equal(t, 30, meal.ScheduledDurationMin)
	assert.True(t, meal.ScheduledStart.Before(start.Add(6*time.Hour)))

	got, err := f.svc.GetDayPlan(context.Background(), view.Plan.ID)
	require.NoError(t, err)
	require.Len(t, got.Events, 6)
	for i, e := range got.Events {
		assert.Equal(t, i+1, e.SequenceOrder)
	}

	ops, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, ops, 7, "plan create plus one create per event")

	assert.Equal(t, "create-day-plan", f.obs.last().Name)
	assert.True(t, f.obs.last().Success)
}

func TestCreateDayPlan_RejectsSeventhJob(t *testing.T) {
	f := newSvcFixture(t)
	events := append(sixJobs(), job(testutil.ShiftStart.Add(7*time.Hour), 30))

	_, err := f.svc.CreateDayPlan(context.Background(), tech, CreateDayPlanRequest{
		PlanDate: testutil.ShiftStart,
		Events:   events,
	})
	requireCode(t, err, domain.CodeJobLimitExceeded)

	_, err = f.cache.FindPlan(context.Background(), "tenant-1", "tech-1", testutil.ShiftStart)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	ops, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.False(t, f.obs.last().Success)
}

func TestCreateDayPlan_OnePlanPerOwnerAndDate(t *testing.T) {
	f := newSvcFixture(t)
	f.createPlan(t, false)

	_, err := f.svc.CreateDayPlan(context.Background(), tech, CreateDayPlanRequest{PlanDate: testutil.ShiftStart})
	requireCode(t, err, domain.CodeDuplicatePlan)

	_, err = f.svc.CreateDayPlan(context.Background(), tech, CreateDayPlanRequest{PlanDate: testutil.ShiftStart.AddDate(0, 0, 1)})
	assert.NoError(t, err)
}

func TestCreateDayPlan_RejectsDuplicateSequence(t *testing.T) {
	f := newSvcFixture(t)
	a, b := job(testutil.ShiftStart, 30), job(testutil.ShiftStart.Add(time.Hour), 30)
	a.SequenceOrder, b.SequenceOrder = 2, 2

	_, err := f.svc.CreateDayPlan(context.Background(), tech, CreateDayPlanRequest{
		PlanDate: testutil.ShiftStart,
		Events:   []*domain.ScheduleEvent{a, b},
	})
	requireCode(t, err, domain.CodeMalformedSchedule)
}

func TestCreateDayPlan_RequiresKnownRole(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.svc.CreateDayPlan(context.Background(), Actor{ID: "x", TenantID: "tenant-1", Role: "guest"},
		CreateDayPlanRequest{PlanDate: testutil.ShiftStart})
	requireCode(t, err, domain.CodeMissingField)
}

func TestScheduleEvent_SeventhJobLeavesSix(t *testing.T) {
	f := newSvcFixture(t)
	view := f.createPlan(t, false, sixJobs()...)
	ctx := context.Background()

	_, err := f.svc.ScheduleEvent(ctx, tech, ScheduleEventRequest{
		DayPlanID: view.Plan.ID,
		Event:     job(testutil.ShiftStart.Add(7*time.Hour), 30),
	})
	requireCode(t, err, domain.CodeJobLimitExceeded)

	got, err := f.svc.GetDayPlan(ctx, view.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, domain.CountActiveJobs(got.Events))
	assert.Len(t, got.Events, 6)

	// A cancelled job frees a slot.
	_, err = f.svc.UpdateEventStatus(ctx, tech, got.Events[5].ID, domain.StatusUpdate{Status: domain.EventCancelled})
	require.NoError(t, err)
	res, err := f.svc.ScheduleEvent(ctx, tech, ScheduleEventRequest{
		DayPlanID: view.Plan.ID,
		Event:     job(testutil.ShiftStart.Add(7*time.Hour), 30),
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Event.SequenceOrder)

	got, err = f.svc.GetDayPlan(ctx, view.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, domain.CountActiveJobs(got.Events))
}

func TestScheduleEvent_PlacesChronologicallyAndRenumbers(t *testing.T) {
	f := newSvcFixture(t)
	start := testutil.ShiftStart
	view := f.createPlan(t, false, job(start, 60), job(start.Add(2*time.Hour), 60))
	ctx := context.Background()

	before, err := f.queue.Pending(ctx)
	require.NoError(t, err)

	res, err := f.svc.ScheduleEvent(ctx, tech, ScheduleEventRequest{
		DayPlanID: view.Plan.ID,
		Event:     job(start.Add(time.Hour), 30),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Event.SequenceOrder)

	got, err := f.svc.GetDayPlan(ctx, view.Plan.ID)
	require.NoError(t, err)
	require.Len(t, got.Events, 3)
	assert.Equal(t, res.Event.ID, got.Events[1].ID)
	assert.Equal(t, 3, got.Events[2].SequenceOrder)

	after, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+2, "create for the new event, update for the shifted one")
}

func TestScheduleEvent_ExplicitSequenceMustBeFree(t *testing.T) {
	f := newSvcFixture(t)
	view := f.createPlan(t, false, job(testutil.ShiftStart, 60))
	e := job(testutil.ShiftStart.Add(time.Hour), 30)
	e.SequenceOrder = 1

	_, err := f.svc.ScheduleEvent(context.Background(), tech, ScheduleEventRequest{DayPlanID: view.Plan.ID, Event: e})
	requireCode(t, err, domain.CodeMalformedSchedule)
}

func TestScheduleEvent_ClosedPlanRejected(t *testing.T) {
	f := newSvcFixture(t)
	view := f.createPlan(t, false, job(testutil.ShiftStart, 60))
	ctx := context.Background()

	_, err := f.svc.UpdateEventStatus(ctx, tech, view.Events[0].ID, domain.StatusUpdate{Status: domain.EventCompleted})
	require.NoError(t, err)
	got, err := f.svc.GetDayPlan(ctx, view.Plan.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PlanCompleted, got.Plan.Status)

	_, err = f.svc.ScheduleEvent(ctx, tech, ScheduleEventRequest{
		DayPlanID: view.Plan.ID,
		Event:     job(testutil.ShiftStart.Add(2*time.Hour), 30),
	})
	requireCode(t, err, domain.CodePlanClosed)
}

func TestUpdateEventStatus_RequiredBreakNeedsOverride(t *testing.T) {
	f := newSvcFixture(t)
	brk := &domain.ScheduleEvent{
		Type:                 domain.EventBreak,
		ScheduledStart:       testutil.ShiftStart.Add(4 * time.Hour),
		ScheduledDurationMin: 15,
		Metadata:             domain.EventMetadata{Required: true, BreakKind: domain.BreakRest},
	}
	view := f.createPlan(t, false, job(testutil.ShiftStart, 240), brk)
	breakID := view.Events[1].ID
	ctx := context.Background()

	_, err := f.svc.UpdateEventStatus(ctx, tech, breakID, domain.StatusUpdate{Status: domain.EventCancelled})
	var pv *domain.PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, domain.PolicyRequiredBreakOverride, pv.Code)
	assert.ErrorIs(t, err, domain.ErrPolicyViolation)

	unchanged, err := f.cache.GetEvent(ctx, breakID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPending, unchanged.Status)

	res, err := f.svc.UpdateEventStatus(ctx, supervisor, breakID, domain.StatusUpdate{
		Status:             domain.EventCancelled,
		SupervisorOverride: &domain.SupervisorOverride{ApproverID: "sup-1", Reason: "customer emergency"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EventCancelled, res.Event.Status)

	stored, err := f.cache.GetEvent(ctx, breakID)
	require.NoError(t, err)
	require.NotNil(t, stored.Metadata.SupervisorOverride)
	assert.Equal(t, "customer emergency", stored.Metadata.SupervisorOverride.Reason)
	assert.Equal(t, testutil.ShiftStart, stored.Metadata.SupervisorOverride.ApprovedAt)
}

func TestUpdateEventStatus_KitOverride(t *testing.T) {
	f := newSvcFixture(t)
	f.kit.required = true
	view := f.createPlan(t, false, job(testutil.ShiftStart, 60))
	jobID := view.Events[0].ID
	ctx := context.Background()

	_, err := f.svc.UpdateEventStatus(ctx, tech, jobID, domain.StatusUpdate{Status: domain.EventInProgress})
	var pv *domain.PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, domain.PolicyKitOverrideRequired, pv.Code)

	res, err := f.svc.UpdateEventStatus(ctx, tech, jobID, domain.StatusUpdate{
		Status:             domain.EventInProgress,
		SupervisorOverride: &domain.SupervisorOverride{ApproverID: "sup-1", Reason: "spare kit on van"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Event.Metadata.KitOverride)
	assert.Equal(t, "spare kit on van", res.Event.Metadata.KitOverride.Reason)
	assert.Equal(t, []string{jobID, jobID}, f.kit.checked)
}

func TestUpdateEventStatus_DrivesPlanLifecycleAndPublishes(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.bus.Subscribe()
	view := f.createPlan(t, false, job(testutil.ShiftStart, 60), &domain.ScheduleEvent{
		Type:                 domain.EventBreak,
		ScheduledStart:       testutil.ShiftStart.Add(time.Hour),
		ScheduledDurationMin: 15,
		Metadata:             domain.EventMetadata{BreakKind: domain.BreakRest},
	})
	ctx := context.Background()
	_, err := f.svc.TransitionPlan(ctx, tech, view.Plan.ID, domain.PlanPublished)
	require.NoError(t, err)

	res, err := f.svc.UpdateEventStatus(ctx, tech, view.Events[0].ID, domain.StatusUpdate{Status: domain.EventInProgress})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanInProgress, res.Plan.Status)
	msg := <-sub
	assert.Equal(t, domain.EventPending, msg.From)
	assert.Equal(t, domain.EventInProgress, msg.To)

	f.clock.Advance(time.Hour)
	_, err = f.svc.UpdateEventStatus(ctx, tech, view.Events[0].ID, domain.StatusUpdate{Status: domain.EventCompleted})
	require.NoError(t, err)
	<-sub

	_, err = f.svc.UpdateEventStatus(ctx, tech, view.Events[1].ID, domain.StatusUpdate{Status: domain.EventInProgress})
	require.NoError(t, err)
	<-sub
	f.clock.Advance(15 * time.Minute)
	res, err = f.svc.UpdateEventStatus(ctx, tech, view.Events[1].ID, domain.StatusUpdate{Status: domain.EventCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, res.Plan.Status)
	msg = <-sub
	assert.True(t, msg.BreakCompleted())

	report, err := f.svc.GetBreakCompliance(ctx, view.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.BreaksTaken)
	assert.Equal(t, 15, report.BreakMinutes)
	assert.InDelta(t, 1.0, report.TotalWorkHours, 0.001)
	assert.InDelta(t, 0.0, report.HoursSinceBreak, 0.001)
}

func TestUpdateEventStatus_SameStatusIsNoop(t *testing.T) {
	f := newSvcFixture(t)
	view := f.createPlan(t, false, job(testutil.ShiftStart, 60))
	ctx := context.Background()
	before, err := f.queue.Pending(ctx)
	require.NoError(t, err)

	_, err = f.svc.UpdateEventStatus(ctx, tech, view.Events[0].ID, domain.StatusUpdate{Status: domain.EventPending})
	require.NoError(t, err)

	after, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestHandleVoiceBreakRequest(t *testing.T) {
	f := newSvcFixture(t)
	sub := f.bus.Subscribe()
	view := f.createPlan(t, false, job(testutil.ShiftStart, 60), job(testutil.ShiftStart.Add(3*time.Hour), 60))
	ctx := context.Background()
	f.clock.Advance(2 * time.Hour)

	res, err := f.svc.HandleVoiceBreakRequest(ctx, tech, VoiceBreakRequest{DayPlanID: view.Plan.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.EventInProgress, res.Event.Status)
	assert.True(t, res.Event.Metadata.VoiceInitiated)
	assert.Equal(t, domain.BreakRest, res.Event.Metadata.BreakKind)
	assert.Equal(t, 15, res.Event.ScheduledDurationMin)
	require.NotNil(t, res.Event.ActualStart)
	assert.Equal(t, testutil.ShiftStart.Add(2*time.Hour), *res.Event.ActualStart)
	assert.Equal(t, 2, res.Event.SequenceOrder)
	assert.Equal(t, domain.PlanInProgress, res.Plan.Status)

	msg := <-sub
	assert.True(t, msg.VoiceInitiated)
	assert.Equal(t, domain.EventBreak, msg.EventType)

	_, err = f.svc.HandleVoiceBreakRequest(ctx, tech, VoiceBreakRequest{DayPlanID: view.Plan.ID, Kind: domain.BreakMeal})
	requireCode(t, err, domain.CodeBreakInProgress)

	f.clock.Advance(15 * time.Minute)
	_, err = f.svc.UpdateEventStatus(ctx, tech, res.Event.ID, domain.StatusUpdate{Status: domain.EventCompleted})
	require.NoError(t, err)
	report, err := f.svc.GetBreakCompliance(ctx, view.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.BreaksTaken)
	require.NotNil(t, report.LastBreakAt)
	assert.Equal(t, f.clock.Now(), *report.LastBreakAt)
}

func TestTransitionPlan_RejectsBackwards(t *testing.T) {
	f := newSvcFixture(t)
	view := f.createPlan(t, false)
	ctx := context.Background()

	_, err := f.svc.TransitionPlan(ctx, tech, view.Plan.ID, domain.PlanPublished)
	require.NoError(t, err)
	_, err = f.svc.TransitionPlan(ctx, tech, view.Plan.ID, domain.PlanDraft)
	requireCode(t, err, domain.CodeInvalidTransition)
}

func TestOfflineEditsSyncToCanonicalIDs(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	view := f.createPlan(t, false, job(testutil.ShiftStart, 60))
	_, err := f.svc.UpdateEventStatus(ctx, tech, view.Events[0].ID, domain.StatusUpdate{Status: domain.EventInProgress})
	require.NoError(t, err)

	_, err = f.queue.Sync(ctx)
	require.ErrorIs(t, err, syncq.ErrOffline)

	f.queue.SetOnline(true)
	res, err := f.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 4, res.Synced)

	planID := res.Mappings[view.Plan.ID]
	require.NotEmpty(t, planID)
	got, err := f.svc.GetDayPlan(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, planID, got.Plan.ID)
	assert.Equal(t, domain.PlanInProgress, got.Plan.Status)
	require.Len(t, got.Events, 1)
	assert.Equal(t, planID, got.Events[0].DayPlanID)
	assert.Equal(t, domain.EventInProgress, got.Events[0].Status)
	assert.False(t, domain.IsProvisionalID(got.Events[0].ID))

	// Later edits use the canonical ids directly.
	_, err = f.svc.UpdateEventStatus(ctx, tech, got.Events[0].ID, domain.StatusUpdate{Status: domain.EventCompleted})
	require.NoError(t, err)
	res, err = f.queue.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Zero(t, res.Conflicts)
}

func TestGetStorageStatus(t *testing.T) {
	f := newSvcFixture(t)
	f.createPlan(t, false, job(testutil.ShiftStart, 60))

	st, err := f.svc.GetStorageStatus(context.Background())
	require.NoError(t, err)
	assert.Positive(t, st.UsedBytes)
	assert.Equal(t, cache.DefaultConfig().BudgetBytes, st.BudgetBytes)
	assert.Nil(t, st.Warning)
}

func TestGetDayPlan_NotFound(t *testing.T) {
	f := newSvcFixture(t)
	_, err := f.svc.GetDayPlan(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestListDayPlans_ScopedToTenant(t *testing.T) {
	f := newSvcFixture(t)
	view := f.createPlan(t, false, job(testutil.ShiftStart, 60))

	plans, err := f.svc.ListDayPlans(context.Background(), tech)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, view.Plan.ID, plans[0].ID)

	other := Actor{ID: "tech-2", Role: domain.RoleTechnician, TenantID: "tenant-2"}
	plans, err = f.svc.ListDayPlans(context.Background(), other)
	require.NoError(t, err)
	assert.Empty(t, plans)
}
