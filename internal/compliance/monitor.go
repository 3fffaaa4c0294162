// Package compliance tracks live break compliance for each technician's day
// plan and raises warning and violation notifications.
package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/logger"
	"github.com/alexanderramin/dayplan/internal/notify"
	"github.com/alexanderramin/dayplan/internal/rules"
	"github.com/alexanderramin/dayplan/internal/scheduler"
)

type State string

const (
	StateCompliant       State = "compliant"
	StateWarningIssued   State = "warning_issued"
	StateViolationIssued State = "violation_issued"
)

// PlanReader is the read side of the local cache the monitor needs.
type PlanReader interface {
	GetPlan(ctx context.Context, id string) (*domain.DayPlan, error)
	ListEvents(ctx context.Context, planID string) ([]*domain.ScheduleEvent, error)
	ListPlans(ctx context.Context, tenantID string) ([]*domain.DayPlan, error)
}

// TransitionObserver is told about every state change.
type TransitionObserver interface {
	ComplianceTransition(from, to string)
}

// Status is the outcome of one evaluation.
type Status struct {
	PlanID  string
	ActorID string
	State   State
	// Previous is the state before this evaluation.
	Previous State
	Report   domain.ComplianceReport
}

func (s Status) Changed() bool { return s.State != s.Previous }

type tracker struct {
	state     State
	lastBreak *time.Time
}

// Monitor holds one tracker per (day plan, technician). The compliance
// report itself is always recomputed from persisted events; only the
// notification state lives here.
type Monitor struct {
	plans    PlanReader
	rules    rules.Source
	sink     notify.Sink
	log      logger.Logger
	now      func() time.Time
	observer TransitionObserver

	mu       sync.Mutex
	trackers map[string]*tracker
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

func WithObserver(o TransitionObserver) Option {
	return func(m *Monitor) { m.observer = o }
}

func NewMonitor(plans PlanReader, src rules.Source, sink notify.Sink, opts ...Option) *Monitor {
	m := &Monitor{
		plans:    plans,
		rules:    src,
		sink:     sink,
		log:      logger.NopLogger{},
		now:      time.Now,
		trackers: map[string]*tracker{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evaluate recomputes compliance for a plan and advances its tracker:
//
//	compliant -> warning_issued    rest interval reached, no break under way or due within the grace margin
//	warning_issued -> violation_issued    interval plus grace reached, no break under way
//	any -> compliant    a break completed since the last evaluation
//
// Each transition notifies once; repeated evaluations in the same state are
// silent.
func (m *Monitor) Evaluate(ctx context.Context, planID string) (*Status, error) {
	plan, err := m.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("loading plan %s: %w", planID, err)
	}
	events, err := m.plans.ListEvents(ctx, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("loading events for %s: %w", planID, err)
	}
	jurisdiction := plan.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = rules.DefaultJurisdiction
	}
	rs, err := m.rules.Lookup(ctx, plan.TenantID, jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("loading rules for %s: %w", planID, err)
	}

	now := m.now()
	report := scheduler.BreakCompliance(events, rs, now)
	key := plan.ID + "/" + plan.UserID

	m.mu.Lock()
	tr, ok := m.trackers[key]
	if !ok {
		tr = &tracker{state: StateCompliant, lastBreak: report.LastBreakAt}
		m.trackers[key] = tr
	}
	prev := tr.state

	if plan.Status == domain.PlanCompleted {
		delete(m.trackers, key)
		m.mu.Unlock()
		return &Status{PlanID: plan.ID, ActorID: plan.UserID, State: StateCompliant, Previous: prev, Report: report}, nil
	}

	if !sameInstant(tr.lastBreak, report.LastBreakAt) {
		tr.lastBreak = report.LastBreakAt
		tr.state = StateCompliant
	}

	since := time.Duration(report.HoursSinceBreak * float64(time.Hour))
	onBreak, breakDue := breakActivity(events, now, rs.Grace())
	var outgoing []notify.Notification

	switch tr.state {
	case StateCompliant:
		if since >= rs.RestInterval() && !onBreak && !breakDue {
			tr.state = StateWarningIssued
			outgoing = append(outgoing, warning(plan, report, rs))
		}
	case StateWarningIssued:
		if since >= rs.RestInterval()+rs.Grace() && !onBreak {
			tr.state = StateViolationIssued
			outgoing = append(outgoing, violations(plan, report, rs)...)
		}
	}
	state := tr.state
	m.mu.Unlock()

	if state != prev {
		m.log.Infow("compliance state changed", map[string]any{
			"plan":              plan.ID,
			"actor":             plan.UserID,
			"from":              prev,
			"to":                state,
			"hours_since_break": report.HoursSinceBreak,
		})
		if m.observer != nil {
			m.observer.ComplianceTransition(string(prev), string(state))
		}
	}
	for _, n := range outgoing {
		if err := m.sink.Send(ctx, n); err != nil {
			m.log.Errorf("sending %s to %s: %v", n.Type, n.RecipientID, err)
		}
	}

	return &Status{PlanID: plan.ID, ActorID: plan.UserID, State: state, Previous: prev, Report: report}, nil
}

// EvaluateActive evaluates every in-progress plan of a tenant.
func (m *Monitor) EvaluateActive(ctx context.Context, tenantID string) ([]*Status, error) {
	plans, err := m.plans.ListPlans(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []*Status
	for _, p := range plans {
		if p.Status != domain.PlanInProgress {
			continue
		}
		st, err := m.Evaluate(ctx, p.ID)
		if err != nil {
			m.log.Warnf("evaluating compliance for %s: %v", p.ID, err)
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// State returns the tracked state for a plan's technician.
func (m *Monitor) State(planID, actorID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.trackers[planID+"/"+actorID]; ok {
		return tr.state
	}
	return StateCompliant
}

// breakActivity reports whether a break is under way and whether a pending
// break is due within grace of now.
func breakActivity(events []*domain.ScheduleEvent, now time.Time, grace time.Duration) (onBreak, due bool) {
	for _, e := range events {
		if !e.IsBreak() {
			continue
		}
		switch e.Status {
		case domain.EventInProgress:
			onBreak = true
		case domain.EventPending:
			start := e.ScheduledStart
			if !start.Before(now.Add(-grace)) && !start.After(now.Add(grace)) {
				due = true
			}
		}
	}
	return onBreak, due
}

func warning(plan *domain.DayPlan, r domain.ComplianceReport, rs domain.LaborRuleSet) notify.Notification {
	return notify.Notification{
		RecipientID: plan.UserID,
		Type:        notify.TypeBreakWarning,
		Priority:    notify.PriorityHigh,
		Message: fmt.Sprintf("You have worked %.1f hours without a break. Take a %d minute break.",
			r.HoursSinceBreak, rs.RestBreakDurationMin),
		Data: data(plan, r),
	}
}

func violations(plan *domain.DayPlan, r domain.ComplianceReport, rs domain.LaborRuleSet) []notify.Notification {
	out := []notify.Notification{{
		RecipientID: plan.UserID,
		Type:        notify.TypeBreakViolation,
		Priority:    notify.PriorityUrgent,
		Message: fmt.Sprintf("Break violation: %.1f hours without a break (limit %.1f). Stop and take a break now.",
			r.HoursSinceBreak, rs.RestBreakIntervalHours),
		Data: data(plan, r),
	}}
	if plan.SupervisorID != "" {
		out = append(out, notify.Notification{
			RecipientID: plan.SupervisorID,
			Type:        notify.TypeBreakViolation,
			Priority:    notify.PriorityUrgent,
			Message: fmt.Sprintf("Technician %s has worked %.1f hours without a break.",
				plan.UserID, r.HoursSinceBreak),
			Data: data(plan, r),
		})
	}
	return out
}

func data(plan *domain.DayPlan, r domain.ComplianceReport) map[string]any {
	d := map[string]any{
		"day_plan_id":       plan.ID,
		"technician_id":     plan.UserID,
		"hours_since_break": r.HoursSinceBreak,
		"total_work_hours":  r.TotalWorkHours,
	}
	if r.LastBreakAt != nil {
		d["last_break_at"] = r.LastBreakAt.UTC().Format(time.RFC3339)
	}
	return d
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
