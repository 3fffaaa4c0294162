package domain

import "time"

type DayPlan struct {
	ID           string
	TenantID     string
	UserID       string
	SupervisorID string
	Jurisdiction string
	PlanDate     time.Time
	Status       DayPlanStatus

	RouteSummary         string
	TotalDistanceKm      float64
	EstimatedDurationMin int

	// Pinned plans are never evicted from the local cache.
	Pinned  bool
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DateKey returns the plan date as YYYY-MM-DD.
func (p *DayPlan) DateKey() string {
	return p.PlanDate.Format(DateLayout)
}

// IsClosed reports whether the plan no longer accepts new events.
func (p *DayPlan) IsClosed() bool {
	return p.Status == PlanCompleted
}

// TransitionTo moves the plan forward in its lifecycle. Moving to the
// current status is a no-op; moving backwards is rejected.
func (p *DayPlan) TransitionTo(status DayPlanStatus, now time.Time) error {
	next, ok := planStatusRank[status]
	if !ok {
		return NewValidationError(CodeInvalidTransition, "status", "unknown day plan status %q", status)
	}
	cur := planStatusRank[p.Status]
	if next == cur {
		return nil
	}
	if next < cur {
		return NewValidationError(CodeInvalidTransition, "status",
			"day plan cannot move from %s back to %s", p.Status, status)
	}
	p.Status = status
	p.UpdatedAt = now
	return nil
}

// Validate checks the required identity fields.
func (p *DayPlan) Validate() error {
	if p.UserID == "" {
		return NewValidationError(CodeMissingField, "userId", "owning user is required")
	}
	if p.PlanDate.IsZero() {
		return NewValidationError(CodeMissingField, "planDate", "plan date is required")
	}
	if _, ok := planStatusRank[p.Status]; !ok {
		return NewValidationError(CodeInvalidTransition, "status", "unknown day plan status %q", p.Status)
	}
	return nil
}

// ParsePlanDate parses a YYYY-MM-DD plan date.
func ParsePlanDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, NewValidationError(CodeMalformedSchedule, "planDate", "invalid date %q: %v", s, err)
	}
	return t, nil
}

// CountActiveJobs counts non-cancelled job events.
func CountActiveJobs(events []*ScheduleEvent) int {
	n := 0
	for _, e := range events {
		if e.IsActiveJob() {
			n++
		}
	}
	return n
}

// CheckJobCeiling returns a job_limit_exceeded error when adding extra active
// jobs to events would exceed MaxJobsPerPlan.
func CheckJobCeiling(events []*ScheduleEvent, extra int) error {
	if total := CountActiveJobs(events) + extra; total > MaxJobsPerPlan {
		return NewValidationError(CodeJobLimitExceeded, "events",
			"day plan would hold %d jobs, limit is %d", total, MaxJobsPerPlan)
	}
	return nil
}
