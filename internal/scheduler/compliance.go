package scheduler

import (
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
)

// BreakCompliance computes a compliance report from recorded event
// timestamps. It holds no state, so the report can be recomputed for any
// past moment by passing that moment as now.
func BreakCompliance(events []*domain.ScheduleEvent, rules domain.LaborRuleSet, now time.Time) domain.ComplianceReport {
	var report domain.ComplianceReport
	var total time.Duration
	var lastBreak *time.Time
	mealTaken := false

	for _, e := range events {
		if !e.IsBreak() || e.Status != domain.EventCompleted || e.ActualEnd == nil {
			continue
		}
		if e.ActualEnd.After(now) {
			continue
		}
		report.BreaksTaken++
		if e.ActualStart != nil {
			report.BreakMinutes += int(e.ActualEnd.Sub(*e.ActualStart).Minutes())
		}
		if isMealBreak(e, rules) {
			mealTaken = true
		}
		if lastBreak == nil || e.ActualEnd.After(*lastBreak) {
			end := *e.ActualEnd
			lastBreak = &end
		}
	}

	var sinceBreak time.Duration
	for _, e := range events {
		start, end, ok := workedInterval(e, now)
		if !ok {
			continue
		}
		total += end.Sub(start)
		if lastBreak != nil && start.Before(*lastBreak) {
			start = *lastBreak
		}
		if end.After(start) {
			sinceBreak += end.Sub(start)
		}
	}

	report.TotalWorkHours = total.Hours()
	report.LastBreakAt = lastBreak
	report.HoursSinceBreak = sinceBreak.Hours()
	report.Compliant = sinceBreak < rules.RestInterval() &&
		!(total > rules.MealThreshold() && !mealTaken)
	return report
}

// workedInterval returns the recorded working time of a job event, clamped
// to now. In-progress jobs count up to now.
func workedInterval(e *domain.ScheduleEvent, now time.Time) (time.Time, time.Time, bool) {
	if e.Type != domain.EventJob || e.ActualStart == nil || e.Status == domain.EventPending {
		return time.Time{}, time.Time{}, false
	}
	start := *e.ActualStart
	if !start.Before(now) {
		return time.Time{}, time.Time{}, false
	}
	end := now
	if e.ActualEnd != nil && e.ActualEnd.Before(now) {
		end = *e.ActualEnd
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
