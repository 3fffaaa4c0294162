package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexanderramin/dayplan/internal/cache"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/eventbus"
	"github.com/alexanderramin/dayplan/internal/logger"
	"github.com/alexanderramin/dayplan/internal/rules"
	"github.com/alexanderramin/dayplan/internal/scheduler"
)

type dayPlanService struct {
	store    LocalStore
	queue    OpQueue
	rules    rules.Source
	kit      KitVerifier
	events   StatusPublisher
	log      logger.Logger
	observer UseCaseObserver
	now      func() time.Time

	defaultJurisdiction string

	// Writes are serialized per device.
	writeMu sync.Mutex
}

type Option func(*dayPlanService)

func WithClock(now func() time.Time) Option {
	return func(s *dayPlanService) { s.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(s *dayPlanService) { s.log = logger.OrNop(l) }
}

func WithKitVerifier(k KitVerifier) Option {
	return func(s *dayPlanService) { s.kit = k }
}

func WithStatusPublisher(p StatusPublisher) Option {
	return func(s *dayPlanService) { s.events = p }
}

func WithDefaultJurisdiction(j string) Option {
	return func(s *dayPlanService) {
		if j != "" {
			s.defaultJurisdiction = j
		}
	}
}

func WithObservers(observers ...UseCaseObserver) Option {
	return func(s *dayPlanService) { s.observer = useCaseObserverOrNoop(observers) }
}

func NewDayPlanService(store LocalStore, queue OpQueue, src rules.Source, opts ...Option) DayPlanService {
	s := &dayPlanService{
		store:               store,
		queue:               queue,
		rules:               src,
		log:                 logger.NopLogger{},
		observer:            NoopUseCaseObserver{},
		now:                 time.Now,
		defaultJurisdiction: rules.DefaultJurisdiction,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *dayPlanService) observe(ctx context.Context, name string, startedAt time.Time, fields map[string]any, err error) {
	s.observer.ObserveUseCase(ctx, UseCaseEvent{
		Name:      name,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
		Success:   err == nil,
		Err:       err,
		Fields:    fields,
	})
}

func (s *dayPlanService) CreateDayPlan(ctx context.Context, actor Actor, req CreateDayPlanRequest) (view *PlanView, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"actor":     actor.ID,
		"events":    len(req.Events),
		"autobreak": req.AutoScheduleBreaks,
	}
	defer func() { s.observe(ctx, "create-day-plan", startedAt, fields, err) }()

	if err = actor.validate(); err != nil {
		return nil, err
	}
	if err = domain.CheckJobCeiling(req.Events, 0); err != nil {
		return nil, err
	}
	for _, e := range req.Events {
		if err = e.Validate(); err != nil {
			return nil, err
		}
	}

	now := s.now()
	owner := req.OwnerID
	if owner == "" {
		owner = actor.ID
	}
	jurisdiction := req.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = s.defaultJurisdiction
	}
	plan := &domain.DayPlan{
		ID:                   provisionalID(),
		TenantID:             actor.TenantID,
		UserID:               owner,
		SupervisorID:         req.SupervisorID,
		Jurisdiction:         jurisdiction,
		PlanDate:             req.PlanDate,
		Status:               domain.PlanDraft,
		RouteSummary:         req.RouteSummary,
		TotalDistanceKm:      req.TotalDistanceKm,
		EstimatedDurationMin: req.EstimatedDurationMin,
		Pinned:               req.Pinned,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err = plan.Validate(); err != nil {
		return nil, err
	}

	unlock := s.lockWrites()
	defer unlock()

	existing, findErr := s.store.FindPlan(ctx, plan.TenantID, plan.UserID, plan.PlanDate)
	switch {
	case findErr == nil:
		err = domain.NewValidationError(domain.CodeDuplicatePlan, "planDate",
			"%s already has day plan %s for %s", plan.UserID, existing.ID, plan.DateKey())
		return nil, err
	case !errors.Is(findErr, domain.ErrNotFound):
		err = fmt.Errorf("checking for existing plan: %w", findErr)
		return nil, err
	}

	events := cloneEvents(req.Events)
	for _, e := range events {
		stampNew(e, plan, now)
	}
	events, err = orderDay(events)
	if err != nil {
		return nil, err
	}

	var inserted []*domain.ScheduleEvent
	if req.AutoScheduleBreaks {
		events, inserted, err = s.scheduleBreaks(ctx, plan, events, now)
		if err != nil {
			return nil, err
		}
	}
	fields["plan"] = plan.ID
	fields["inserted_breaks"] = len(inserted)

	status, err := s.store.Save(ctx, plan, events...)
	if err != nil {
		return nil, err
	}
	if err = s.enqueuePlan(ctx, actor, plan, domain.OpCreate); err != nil {
		return nil, err
	}
	for _, e := range events {
		if err = s.enqueueEvent(ctx, actor, e, domain.OpCreate); err != nil {
			return nil, err
		}
	}

	return &PlanView{Plan: plan, Events: events, Inserted: inserted, StorageWarning: s.storageWarning(status)}, nil
}

func (s *dayPlanService) ScheduleEvent(ctx context.Context, actor Actor, req ScheduleEventRequest) (res *EventResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"actor": actor.ID, "plan": req.DayPlanID}
	defer func() { s.observe(ctx, "schedule-event", startedAt, fields, err) }()

	if err = actor.validate(); err != nil {
		return nil, err
	}
	if req.Event == nil {
		err = domain.NewValidationError(domain.CodeMissingField, "event", "event is required")
		return nil, err
	}
	if err = req.Event.Validate(); err != nil {
		return nil, err
	}

	unlock := s.lockWrites()
	defer unlock()

	plan, err := s.store.GetPlan(ctx, req.DayPlanID)
	if err != nil {
		return nil, err
	}
	if plan.IsClosed() {
		err = domain.NewValidationError(domain.CodePlanClosed, "dayPlanId", "day plan %s is %s", plan.ID, plan.Status)
		return nil, err
	}
	current, err := s.store.ListEvents(ctx, plan.ID)
	if err != nil {
		return nil, err
	}

	added := *req.Event
	if added.IsActiveJob() {
		if err = domain.CheckJobCeiling(current, 1); err != nil {
			fields["jobs"] = domain.CountActiveJobs(current)
			return nil, err
		}
	}
	now := s.now()
	stampNew(&added, plan, now)
	fields["event"] = added.ID

	day, err := placeEvent(current, &added)
	if err != nil {
		return nil, err
	}
	var inserted []*domain.ScheduleEvent
	if req.AutoScheduleBreaks {
		day, inserted, err = s.scheduleBreaks(ctx, plan, day, now)
		if err != nil {
			return nil, err
		}
	}
	fields["inserted_breaks"] = len(inserted)

	event := findEvent(day, added.ID)
	shifted := changedEvents(current, day)
	for _, e := range shifted {
		e.UpdatedAt = now
	}
	created := append([]*domain.ScheduleEvent{event}, inserted...)

	status, err := s.store.Save(ctx, nil, append(created, shifted...)...)
	if err != nil {
		return nil, err
	}
	for _, e := range created {
		if err = s.enqueueEvent(ctx, actor, e, domain.OpCreate); err != nil {
			return nil, err
		}
	}
	for _, e := range shifted {
		if err = s.enqueueEvent(ctx, actor, e, domain.OpUpdate); err != nil {
			return nil, err
		}
	}

	return &EventResult{Event: event, Plan: plan, Inserted: inserted, StorageWarning: s.storageWarning(status)}, nil
}

func (s *dayPlanService) UpdateEventStatus(ctx context.Context, actor Actor, eventID string, upd domain.StatusUpdate) (res *EventResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"actor": actor.ID, "event": eventID, "status": upd.Status}
	defer func() { s.observe(ctx, "update-event-status", startedAt, fields, err) }()

	if err = actor.validate(); err != nil {
		return nil, err
	}

	unlock := s.lockWrites()
	defer unlock()

	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	plan, err := s.store.GetPlan(ctx, event.DayPlanID)
	if err != nil {
		return nil, err
	}
	fields["plan"] = plan.ID
	from := event.Status
	if from == upd.Status {
		return &EventResult{Event: event, Plan: plan}, nil
	}

	if upd.Status == domain.EventInProgress && event.Type == domain.EventJob && s.kit != nil {
		var required bool
		required, err = s.kit.OverrideRequired(ctx, event)
		if err != nil {
			err = fmt.Errorf("checking kit for event %s: %w", event.ID, err)
			return nil, err
		}
		if required {
			if upd.SupervisorOverride == nil {
				err = &domain.PolicyViolationError{
					Code:    domain.PolicyKitOverrideRequired,
					EventID: event.ID,
					Message: "kit verification requires a supervisor override before this job starts",
				}
				return nil, err
			}
			if err = upd.SupervisorOverride.Validate(); err != nil {
				return nil, err
			}
			override := *upd.SupervisorOverride
			if override.ApprovedAt.IsZero() {
				override.ApprovedAt = s.now()
			}
			event.Metadata.KitOverride = &override
			fields["kit_override"] = override.ApproverID
		}
	}

	now := s.now()
	if err = event.Transition(upd, now); err != nil {
		return nil, err
	}
	if event.Metadata.SupervisorOverride != nil {
		fields["override"] = event.Metadata.SupervisorOverride.ApproverID
	}

	planChanged, err := s.advancePlan(ctx, plan, event, now)
	if err != nil {
		return nil, err
	}

	var status cache.StorageStatus
	if planChanged {
		status, err = s.store.Save(ctx, plan, event)
	} else {
		status, err = s.store.Save(ctx, nil, event)
	}
	if err != nil {
		return nil, err
	}
	if err = s.enqueueEvent(ctx, actor, event, domain.OpUpdate); err != nil {
		return nil, err
	}
	if planChanged {
		fields["plan_status"] = plan.Status
		if err = s.enqueuePlan(ctx, actor, plan, domain.OpUpdate); err != nil {
			return nil, err
		}
	}

	s.publish(eventbus.StatusChanged{
		PlanID:         plan.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		From:           from,
		To:             event.Status,
		ActorID:        actor.ID,
		At:             now,
		VoiceInitiated: event.Metadata.VoiceInitiated,
	})
	return &EventResult{Event: event, Plan: plan, StorageWarning: s.storageWarning(status)}, nil
}

func (s *dayPlanService) HandleVoiceBreakRequest(ctx context.Context, actor Actor, req VoiceBreakRequest) (res *EventResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"actor": actor.ID, "plan": req.DayPlanID}
	defer func() { s.observe(ctx, "voice-break", startedAt, fields, err) }()

	if err = actor.validate(); err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.BreakRest
	}
	if kind != domain.BreakRest && kind != domain.BreakMeal {
		err = domain.NewValidationError(domain.CodeInvalidMetadata, "kind", "unknown break kind %q", kind)
		return nil, err
	}
	fields["kind"] = kind

	unlock := s.lockWrites()
	defer unlock()

	plan, err := s.store.GetPlan(ctx, req.DayPlanID)
	if err != nil {
		return nil, err
	}
	if plan.IsClosed() {
		err = domain.NewValidationError(domain.CodePlanClosed, "dayPlanId", "day plan %s is %s", plan.ID, plan.Status)
		return nil, err
	}
	current, err := s.store.ListEvents(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	if running := breakInProgress(current); running != nil {
		err = domain.NewValidationError(domain.CodeBreakInProgress, "dayPlanId",
			"break %s is already in progress", running.ID)
		return nil, err
	}

	minutes := req.DurationMin
	if minutes <= 0 {
		rs, lookupErr := s.ruleSet(ctx, plan)
		if lookupErr != nil {
			err = lookupErr
			return nil, err
		}
		minutes = rs.RestBreakDurationMin
		if kind == domain.BreakMeal {
			minutes = rs.MealBreakDurationMin
		}
	}

	now := s.now()
	at := req.At
	if at.IsZero() {
		at = now
	}
	brk := &domain.ScheduleEvent{
		Type:                 domain.EventBreak,
		ScheduledStart:       at,
		ScheduledDurationMin: minutes,
		Status:               domain.EventInProgress,
		ActualStart:          &at,
		Metadata: domain.EventMetadata{
			BreakKind:      kind,
			VoiceInitiated: true,
		},
	}
	stampNew(brk, plan, now)
	fields["event"] = brk.ID

	day, err := placeEvent(current, brk)
	if err != nil {
		return nil, err
	}
	event := findEvent(day, brk.ID)
	shifted := changedEvents(current, day)
	for _, e := range shifted {
		e.UpdatedAt = now
	}

	planChanged, err := s.advancePlan(ctx, plan, event, now)
	if err != nil {
		return nil, err
	}
	writes := append([]*domain.ScheduleEvent{event}, shifted...)
	var status cache.StorageStatus
	if planChanged {
		status, err = s.store.Save(ctx, plan, writes...)
	} else {
		status, err = s.store.Save(ctx, nil, writes...)
	}
	if err != nil {
		return nil, err
	}
	if err = s.enqueueEvent(ctx, actor, event, domain.OpCreate); err != nil {
		return nil, err
	}
	for _, e := range shifted {
		if err = s.enqueueEvent(ctx, actor, e, domain.OpUpdate); err != nil {
			return nil, err
		}
	}
	if planChanged {
		if err = s.enqueuePlan(ctx, actor, plan, domain.OpUpdate); err != nil {
			return nil, err
		}
	}

	s.publish(eventbus.StatusChanged{
		PlanID:         plan.ID,
		EventID:        event.ID,
		EventType:      domain.EventBreak,
		From:           domain.EventPending,
		To:             domain.EventInProgress,
		ActorID:        actor.ID,
		At:             at,
		VoiceInitiated: true,
	})
	return &EventResult{Event: event, Plan: plan, StorageWarning: s.storageWarning(status)}, nil
}

func (s *dayPlanService) TransitionPlan(ctx context.Context, actor Actor, planID string, status domain.DayPlanStatus) (plan *domain.DayPlan, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"actor": actor.ID, "plan": planID, "status": status}
	defer func() { s.observe(ctx, "transition-plan", startedAt, fields, err) }()

	if err = actor.validate(); err != nil {
		return nil, err
	}

	unlock := s.lockWrites()
	defer unlock()

	plan, err = s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status == status {
		return plan, nil
	}
	if err = plan.TransitionTo(status, s.now()); err != nil {
		return nil, err
	}
	if _, err = s.store.Save(ctx, plan); err != nil {
		return nil, err
	}
	if err = s.enqueuePlan(ctx, actor, plan, domain.OpUpdate); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *dayPlanService) GetDayPlan(ctx context.Context, planID string) (*PlanView, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	return &PlanView{Plan: plan, Events: events}, nil
}

// GetBreakCompliance recomputes the report from the persisted events only.
func (s *dayPlanService) GetBreakCompliance(ctx context.Context, planID string) (domain.ComplianceReport, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return domain.ComplianceReport{}, err
	}
	events, err := s.store.ListEvents(ctx, plan.ID)
	if err != nil {
		return domain.ComplianceReport{}, err
	}
	rs, err := s.ruleSet(ctx, plan)
	if err != nil {
		return domain.ComplianceReport{}, err
	}
	return scheduler.BreakCompliance(events, rs, s.now()), nil
}

// ListDayPlans returns the cached plans of the actor's tenant.
func (s *dayPlanService) ListDayPlans(ctx context.Context, actor Actor) ([]*domain.DayPlan, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	return s.store.ListPlans(ctx, actor.TenantID)
}

func (s *dayPlanService) GetStorageStatus(ctx context.Context) (cache.StorageStatus, error) {
	return s.store.Status(ctx)
}

func (s *dayPlanService) ruleSet(ctx context.Context, plan *domain.DayPlan) (domain.LaborRuleSet, error) {
	jurisdiction := plan.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = s.defaultJurisdiction
	}
	rs, err := s.rules.Lookup(ctx, plan.TenantID, jurisdiction)
	if err != nil {
		return domain.LaborRuleSet{}, fmt.Errorf("loading labor rules for %s: %w", jurisdiction, err)
	}
	return rs, nil
}

// scheduleBreaks runs the labor rules over the day and stamps the breaks
// they insert.
func (s *dayPlanService) scheduleBreaks(ctx context.Context, plan *domain.DayPlan, day []*domain.ScheduleEvent, now time.Time) ([]*domain.ScheduleEvent, []*domain.ScheduleEvent, error) {
	rs, err := s.ruleSet(ctx, plan)
	if err != nil {
		return nil, nil, err
	}
	sched := scheduler.ComputeRequiredBreaks(day, rs)
	for _, b := range sched.Inserted {
		stampNew(b, plan, now)
	}
	if len(sched.Events) == 0 {
		return day, nil, nil
	}
	return sched.Events, sched.Inserted, nil
}

// advancePlan moves the plan forward after event changed: the first event
// under way starts the plan, and the plan completes once every event is
// terminal.
func (s *dayPlanService) advancePlan(ctx context.Context, plan *domain.DayPlan, event *domain.ScheduleEvent, now time.Time) (bool, error) {
	before := plan.Status
	started := event.Status == domain.EventInProgress || event.Status == domain.EventCompleted
	if started && (before == domain.PlanDraft || before == domain.PlanPublished) {
		if err := plan.TransitionTo(domain.PlanInProgress, now); err != nil {
			return false, err
		}
	}
	if event.IsTerminal() && plan.Status == domain.PlanInProgress {
		events, err := s.store.ListEvents(ctx, plan.ID)
		if err != nil {
			return false, err
		}
		for i, e := range events {
			if e.ID == event.ID {
				events[i] = event
			}
		}
		if allTerminal(events) {
			if err := plan.TransitionTo(domain.PlanCompleted, now); err != nil {
				return false, err
			}
		}
	}
	return plan.Status != before, nil
}

// lockWrites serializes local writers and keeps a running flush from
// recording results between a read and the matching enqueue.
func (s *dayPlanService) lockWrites() func() {
	s.writeMu.Lock()
	release := s.queue.Hold()
	return func() {
		release()
		s.writeMu.Unlock()
	}
}

func (s *dayPlanService) enqueuePlan(ctx context.Context, actor Actor, p *domain.DayPlan, kind domain.OpKind) error {
	payload, err := domain.MarshalPlan(p)
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, domain.SyncOperation{
		EntityKind:  domain.EntityDayPlan,
		EntityID:    p.ID,
		Kind:        kind,
		Payload:     payload,
		BaseVersion: p.Version,
		TenantID:    p.TenantID,
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
	})
	if err != nil {
		return fmt.Errorf("queueing %s of day plan %s: %w", kind, p.ID, err)
	}
	return nil
}

func (s *dayPlanService) enqueueEvent(ctx context.Context, actor Actor, e *domain.ScheduleEvent, kind domain.OpKind) error {
	payload, err := domain.MarshalEvent(e)
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, domain.SyncOperation{
		EntityKind:  domain.EntityScheduleEvent,
		EntityID:    e.ID,
		ParentID:    e.DayPlanID,
		Kind:        kind,
		Payload:     payload,
		BaseVersion: e.Version,
		TenantID:    e.TenantID,
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
	})
	if err != nil {
		return fmt.Errorf("queueing %s of event %s: %w", kind, e.ID, err)
	}
	return nil
}

func (s *dayPlanService) publish(e eventbus.StatusChanged) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

func (s *dayPlanService) storageWarning(status cache.StorageStatus) *domain.StorageBudgetExceededError {
	if status.Warning != nil {
		s.log.Warnw("cache over budget", map[string]any{
			"used_bytes":   status.UsedBytes,
			"budget_bytes": status.BudgetBytes,
			"percent":      status.Percent,
		})
	}
	return status.Warning
}
