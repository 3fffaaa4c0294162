package scheduler

import (
	"sort"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
)

// BreakSchedule is the outcome of applying a labor rule set to a day.
type BreakSchedule struct {
	// Events is the full day with breaks inserted, later events shifted and
	// sequence orders renumbered from 1.
	Events []*domain.ScheduleEvent
	// Inserted holds only the breaks created by this run. They carry no ID.
	Inserted []*domain.ScheduleEvent
}

// ComputeRequiredBreaks walks the day in order and inserts the rest and meal
// breaks the rule set requires. The input is not modified.
//
// Rest breaks go right after the job during which cumulative work since the
// last break reaches the rest interval, unless a break already follows or no
// work remains. One meal break is owed when the day's work span exceeds the
// meal threshold; it starts no later than the meal deadline measured from the
// first event. When a due rest break would end past that deadline the meal
// is taken in its place. Each insertion shifts everything after it. Running the
// function again on its own output inserts nothing.
func ComputeRequiredBreaks(events []*domain.ScheduleEvent, rules domain.LaborRuleSet) BreakSchedule {
	ordered := cloneOrdered(events)
	if len(ordered) == 0 {
		return BreakSchedule{}
	}

	span := workSpan(ordered)
	if span < rules.SmallestThreshold() {
		return BreakSchedule{Events: renumber(ordered)}
	}

	owesMeal := span > rules.MealThreshold()
	shiftStart := ordered[0].ScheduledStart
	deadline := shiftStart.Add(rules.MealDeadline())
	lastJob := lastActiveJob(ordered)

	out := make([]*domain.ScheduleEvent, 0, len(ordered)+2)
	var inserted []*domain.ScheduleEvent
	var offset, sinceBreak time.Duration
	mealTaken := false
	cursor := shiftStart

	for i, ev := range ordered {
		ev.ScheduledStart = ev.ScheduledStart.Add(offset)

		if ev.Status == domain.EventCancelled {
			out = append(out, ev)
			continue
		}

		if ev.IsBreak() {
			sinceBreak = 0
			if isMealBreak(ev, rules) {
				mealTaken = true
			}
			out = append(out, ev)
			cursor = later(cursor, ev.ScheduledEnd())
			continue
		}

		if owesMeal && !mealTaken && (ev.ScheduledEnd().After(deadline) || i == lastJob) {
			mealStart := ev.ScheduledStart
			if mealStart.After(deadline) {
				mealStart = deadline
			}
			mealStart = later(mealStart, cursor)

			meal := newBreak(ev, domain.BreakMeal, mealStart, rules.MealBreakDurationMin)
			out = append(out, meal)
			inserted = append(inserted, meal)
			mealTaken = true
			sinceBreak = 0

			if end := meal.ScheduledEnd(); end.After(ev.ScheduledStart) {
				offset += end.Sub(ev.ScheduledStart)
				ev.ScheduledStart = end
			}
			cursor = meal.ScheduledEnd()
		}

		out = append(out, ev)
		cursor = later(cursor, ev.ScheduledEnd())
		sinceBreak += duration(ev)

		if sinceBreak >= rules.RestInterval() && i < lastJob && !breakFollows(ordered, i) {
			kind, length := domain.BreakRest, rules.RestDuration()
			minutes := rules.RestBreakDurationMin
			// A rest ending past the deadline would push the owed meal late.
			if owesMeal && !mealTaken && ev.ScheduledEnd().Add(length).After(deadline) {
				kind, length = domain.BreakMeal, rules.MealDuration()
				minutes = rules.MealBreakDurationMin
				mealTaken = true
			}
			b := newBreak(ev, kind, ev.ScheduledEnd(), minutes)
			out = append(out, b)
			inserted = append(inserted, b)
			offset += length
			sinceBreak = 0
			cursor = b.ScheduledEnd()
		}
	}

	return BreakSchedule{Events: renumber(out), Inserted: inserted}
}

// cloneOrdered copies events and sorts them chronologically, falling back to
// sequence order for events that start together.
func cloneOrdered(events []*domain.ScheduleEvent) []*domain.ScheduleEvent {
	out := make([]*domain.ScheduleEvent, len(events))
	for i, e := range events {
		cp := *e
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ScheduledStart.Before(out[j].ScheduledStart)
		}
		return out[i].SequenceOrder < out[j].SequenceOrder
	})
	return out
}

// workSpan is the time from the first event to the last, minus break time.
// Excluding breaks keeps the meal decision stable across re-runs.
func workSpan(events []*domain.ScheduleEvent) time.Duration {
	var first, last time.Time
	var breaks time.Duration
	for _, e := range events {
		if e.Status == domain.EventCancelled {
			continue
		}
		if first.IsZero() || e.ScheduledStart.Before(first) {
			first = e.ScheduledStart
		}
		if end := e.ScheduledEnd(); end.After(last) {
			last = end
		}
		if e.IsBreak() {
			breaks += duration(e)
		}
	}
	if first.IsZero() {
		return 0
	}
	return last.Sub(first) - breaks
}

func lastActiveJob(events []*domain.ScheduleEvent) int {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].IsActiveJob() {
			return i
		}
	}
	return -1
}

func breakFollows(events []*domain.ScheduleEvent, i int) bool {
	for _, e := range events[i+1:] {
		if e.Status == domain.EventCancelled {
			continue
		}
		return e.IsBreak()
	}
	return false
}

func isMealBreak(e *domain.ScheduleEvent, rules domain.LaborRuleSet) bool {
	switch e.Metadata.BreakKind {
	case domain.BreakMeal:
		return true
	case domain.BreakRest:
		return false
	}
	return e.ScheduledDurationMin >= rules.MealBreakDurationMin
}

func newBreak(after *domain.ScheduleEvent, kind domain.BreakKind, start time.Time, minutes int) *domain.ScheduleEvent {
	return &domain.ScheduleEvent{
		DayPlanID:            after.DayPlanID,
		TenantID:             after.TenantID,
		Type:                 domain.EventBreak,
		ScheduledStart:       start,
		ScheduledDurationMin: minutes,
		Status:               domain.EventPending,
		Metadata: domain.EventMetadata{
			Required:      true,
			BreakKind:     kind,
			AutoScheduled: true,
		},
	}
}

func renumber(events []*domain.ScheduleEvent) []*domain.ScheduleEvent {
	for i, e := range events {
		e.SequenceOrder = i + 1
	}
	return events
}

func duration(e *domain.ScheduleEvent) time.Duration {
	return time.Duration(e.ScheduledDurationMin) * time.Minute
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
