package service

import (
	"context"
	"time"

	"github.com/alexanderramin/dayplan/internal/cache"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/eventbus"
)

// Actor is the authenticated caller of a use case.
type Actor struct {
	ID       string
	Role     domain.Role
	TenantID string
}

func (a Actor) validate() error {
	if a.ID == "" {
		return domain.NewValidationError(domain.CodeMissingField, "actor.id", "actor id is required")
	}
	if a.TenantID == "" {
		return domain.NewValidationError(domain.CodeMissingField, "actor.tenantId", "tenant id is required")
	}
	if !a.Role.Valid() {
		return domain.NewValidationError(domain.CodeMissingField, "actor.role", "unknown actor role %q", a.Role)
	}
	return nil
}

type CreateDayPlanRequest struct {
	// OwnerID defaults to the acting user.
	OwnerID              string
	SupervisorID         string
	Jurisdiction         string
	PlanDate             time.Time
	RouteSummary         string
	TotalDistanceKm      float64
	EstimatedDurationMin int
	Pinned               bool
	Events               []*domain.ScheduleEvent
	AutoScheduleBreaks   bool
}

type ScheduleEventRequest struct {
	DayPlanID string
	Event     *domain.ScheduleEvent
	// AutoScheduleBreaks reruns the labor rules over the whole day after
	// the event is placed.
	AutoScheduleBreaks bool
}

type VoiceBreakRequest struct {
	DayPlanID string
	// Kind defaults to a rest break.
	Kind domain.BreakKind
	// DurationMin defaults to the rule set's length for Kind.
	DurationMin int
	// At defaults to now.
	At time.Time
}

// PlanView is a day plan with its events in sequence order.
type PlanView struct {
	Plan   *domain.DayPlan
	Events []*domain.ScheduleEvent
	// Inserted lists breaks the labor rules added during this call.
	Inserted []*domain.ScheduleEvent
	// StorageWarning is set when the write left the cache over budget.
	StorageWarning *domain.StorageBudgetExceededError
}

type EventResult struct {
	Event          *domain.ScheduleEvent
	Plan           *domain.DayPlan
	Inserted       []*domain.ScheduleEvent
	StorageWarning *domain.StorageBudgetExceededError
}

// DayPlanService runs every day plan use case against the local cache and
// queues the resulting mutations for sync. No method waits on the network.
type DayPlanService interface {
	CreateDayPlan(ctx context.Context, actor Actor, req CreateDayPlanRequest) (*PlanView, error)
	ScheduleEvent(ctx context.Context, actor Actor, req ScheduleEventRequest) (*EventResult, error)
	UpdateEventStatus(ctx context.Context, actor Actor, eventID string, upd domain.StatusUpdate) (*EventResult, error)
	HandleVoiceBreakRequest(ctx context.Context, actor Actor, req VoiceBreakRequest) (*EventResult, error)
	TransitionPlan(ctx context.Context, actor Actor, planID string, status domain.DayPlanStatus) (*domain.DayPlan, error)
	GetDayPlan(ctx context.Context, planID string) (*PlanView, error)
	ListDayPlans(ctx context.Context, actor Actor) ([]*domain.DayPlan, error)
	GetBreakCompliance(ctx context.Context, planID string) (domain.ComplianceReport, error)
	GetStorageStatus(ctx context.Context) (cache.StorageStatus, error)
}

// LocalStore is the cache surface the service reads and writes.
type LocalStore interface {
	Save(ctx context.Context, plan *domain.DayPlan, events ...*domain.ScheduleEvent) (cache.StorageStatus, error)
	GetPlan(ctx context.Context, id string) (*domain.DayPlan, error)
	GetEvent(ctx context.Context, id string) (*domain.ScheduleEvent, error)
	ListEvents(ctx context.Context, planID string) ([]*domain.ScheduleEvent, error)
	FindPlan(ctx context.Context, tenantID, userID string, date time.Time) (*domain.DayPlan, error)
	ListPlans(ctx context.Context, tenantID string) ([]*domain.DayPlan, error)
	Status(ctx context.Context) (cache.StorageStatus, error)
}

// OpQueue records mutations for the sync queue. Hold blocks a running flush
// from recording results until the returned function is called.
type OpQueue interface {
	Enqueue(ctx context.Context, op domain.SyncOperation) (*domain.SyncOperation, error)
	Hold() func()
}

// KitVerifier is the equipment check consulted before a job starts.
type KitVerifier interface {
	OverrideRequired(ctx context.Context, event *domain.ScheduleEvent) (bool, error)
}

// StatusPublisher receives every persisted event status change.
type StatusPublisher interface {
	Publish(eventbus.StatusChanged)
}
