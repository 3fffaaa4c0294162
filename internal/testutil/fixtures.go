package testutil

import (
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/google/uuid"
)

// Now is the fixed instant tests treat as the current time.
var Now = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

// ShiftStart is 08:00 on Now's day.
var ShiftStart = time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)

// Day plan options
type PlanOption func(*domain.DayPlan)

func WithPlanDate(d time.Time) PlanOption {
	return func(p *domain.DayPlan) {
		p.PlanDate = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func WithPlanStatus(s domain.DayPlanStatus) PlanOption {
	return func(p *domain.DayPlan) {
		p.Status = s
	}
}

func WithSupervisor(id string) PlanOption {
	return func(p *domain.DayPlan) {
		p.SupervisorID = id
	}
}

func WithPinned() PlanOption {
	return func(p *domain.DayPlan) {
		p.Pinned = true
	}
}

func WithJurisdiction(j string) PlanOption {
	return func(p *domain.DayPlan) {
		p.Jurisdiction = j
	}
}

func NewTestPlan(userID string, opts ...PlanOption) *domain.DayPlan {
	p := &domain.DayPlan{
		ID:           uuid.New().String(),
		TenantID:     "tenant-1",
		UserID:       userID,
		SupervisorID: "sup-1",
		Jurisdiction: "default",
		PlanDate:     time.Date(Now.Year(), Now.Month(), Now.Day(), 0, 0, 0, 0, time.UTC),
		Status:       domain.PlanDraft,
		Version:      1,
		CreatedAt:    Now,
		UpdatedAt:    Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Schedule event options
type EventOption func(*domain.ScheduleEvent)

func WithStart(t time.Time) EventOption {
	return func(e *domain.ScheduleEvent) {
		e.ScheduledStart = t
	}
}

func WithDuration(min int) EventOption {
	return func(e *domain.ScheduleEvent) {
		e.ScheduledDurationMin = min
	}
}

func WithStatus(s domain.EventStatus) EventOption {
	return func(e *domain.ScheduleEvent) {
		e.Status = s
	}
}

func WithSequence(n int) EventOption {
	return func(e *domain.ScheduleEvent) {
		e.SequenceOrder = n
	}
}

func WithLocation(address, accessCode string) EventOption {
	return func(e *domain.ScheduleEvent) {
		e.Location = &domain.Location{Latitude: 37.77, Longitude: -122.41, Address: address, AccessCode: accessCode}
	}
}

func WithNotes(n string) EventOption {
	return func(e *domain.ScheduleEvent) {
		e.Notes = n
	}
}

func WithActual(start time.Time, end *time.Time) EventOption {
	return func(e *domain.ScheduleEvent) {
		e.ActualStart = &start
		e.ActualEnd = end
	}
}

func AsBreak(kind domain.BreakKind, required bool) EventOption {
	return func(e *domain.ScheduleEvent) {
		e.Type = domain.EventBreak
		e.JobID = nil
		e.Metadata.BreakKind = kind
		e.Metadata.Required = required
	}
}

func NewTestJob(planID string, opts ...EventOption) *domain.ScheduleEvent {
	jobID := "job-" + uuid.New().String()[:8]
	e := &domain.ScheduleEvent{
		ID:                   uuid.New().String(),
		DayPlanID:            planID,
		TenantID:             "tenant-1",
		Type:                 domain.EventJob,
		JobID:                &jobID,
		SequenceOrder:        1,
		ScheduledStart:       ShiftStart,
		ScheduledDurationMin: 60,
		Status:               domain.EventPending,
		Version:              1,
		CreatedAt:            Now,
		UpdatedAt:            Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
