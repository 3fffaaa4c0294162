package service

import (
	"sort"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/google/uuid"
)

func provisionalID() string {
	return domain.ProvisionalPrefix + uuid.NewString()
}

// placeEvent adds e to the day. An explicit sequence order must be free;
// a zero one places e chronologically. Sequence orders are renumbered from
// 1 afterwards.
func placeEvent(events []*domain.ScheduleEvent, e *domain.ScheduleEvent) ([]*domain.ScheduleEvent, error) {
	if e.SequenceOrder > 0 {
		for _, other := range events {
			if other.SequenceOrder == e.SequenceOrder {
				return nil, domain.NewValidationError(domain.CodeMalformedSchedule, "sequenceOrder",
					"sequence order %d is already taken by event %s", e.SequenceOrder, other.ID)
			}
		}
		out := append(cloneEvents(events), e)
		sort.SliceStable(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
		return renumber(out), nil
	}

	out := cloneEvents(events)
	at := len(out)
	for i, other := range out {
		if e.ScheduledStart.Before(other.ScheduledStart) {
			at = i
			break
		}
	}
	out = append(out[:at], append([]*domain.ScheduleEvent{e}, out[at:]...)...)
	return renumber(out), nil
}

// orderDay numbers the events of a new plan. Explicit sequence orders must
// be unique; events without one follow in the order given.
func orderDay(events []*domain.ScheduleEvent) ([]*domain.ScheduleEvent, error) {
	seen := make(map[int]string, len(events))
	var explicit, implicit []*domain.ScheduleEvent
	for _, e := range events {
		if e.SequenceOrder == 0 {
			implicit = append(implicit, e)
			continue
		}
		if id, ok := seen[e.SequenceOrder]; ok {
			return nil, domain.NewValidationError(domain.CodeMalformedSchedule, "sequenceOrder",
				"sequence order %d is used by both %s and %s", e.SequenceOrder, id, e.ID)
		}
		seen[e.SequenceOrder] = e.ID
		explicit = append(explicit, e)
	}
	sort.SliceStable(explicit, func(i, j int) bool { return explicit[i].SequenceOrder < explicit[j].SequenceOrder })
	return renumber(append(explicit, implicit...)), nil
}

func renumber(events []*domain.ScheduleEvent) []*domain.ScheduleEvent {
	for i, e := range events {
		e.SequenceOrder = i + 1
	}
	return events
}

func cloneEvents(events []*domain.ScheduleEvent) []*domain.ScheduleEvent {
	out := make([]*domain.ScheduleEvent, len(events))
	for i, e := range events {
		cp := *e
		out[i] = &cp
	}
	return out
}

// changedEvents returns the events in after whose schedule differs from
// their counterpart in before. Events missing from before are skipped.
func changedEvents(before, after []*domain.ScheduleEvent) []*domain.ScheduleEvent {
	prev := make(map[string]*domain.ScheduleEvent, len(before))
	for _, e := range before {
		prev[e.ID] = e
	}
	var out []*domain.ScheduleEvent
	for _, e := range after {
		old, ok := prev[e.ID]
		if !ok {
			continue
		}
		if old.SequenceOrder != e.SequenceOrder || !old.ScheduledStart.Equal(e.ScheduledStart) {
			out = append(out, e)
		}
	}
	return out
}

// stampNew fills identity and bookkeeping fields on an event created on
// this device.
func stampNew(e *domain.ScheduleEvent, plan *domain.DayPlan, now time.Time) {
	if e.ID == "" {
		e.ID = provisionalID()
	}
	e.DayPlanID = plan.ID
	e.TenantID = plan.TenantID
	if e.Status == "" {
		e.Status = domain.EventPending
	}
	e.Version = 0
	e.CreatedAt = now
	e.UpdatedAt = now
}

func findEvent(events []*domain.ScheduleEvent, id string) *domain.ScheduleEvent {
	for _, e := range events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func allTerminal(events []*domain.ScheduleEvent) bool {
	if len(events) == 0 {
		return false
	}
	for _, e := range events {
		if !e.IsTerminal() {
			return false
		}
	}
	return true
}

func breakInProgress(events []*domain.ScheduleEvent) *domain.ScheduleEvent {
	for _, e := range events {
		if e.IsBreak() && e.Status == domain.EventInProgress {
			return e
		}
	}
	return nil
}
