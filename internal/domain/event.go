package domain

import "time"

// Location is where an event takes place. Address and AccessCode are
// sensitive and only ever cached sealed.
type Location struct {
	Latitude   float64
	Longitude  float64
	Address    string
	AccessCode string
}

type ScheduleEvent struct {
	ID        string
	DayPlanID string
	TenantID  string
	Type      EventType
	JobID     *string

	SequenceOrder        int
	ScheduledStart       time.Time
	ScheduledDurationMin int

	Status      EventStatus
	ActualStart *time.Time
	ActualEnd   *time.Time

	Location *Location
	Notes    string
	Metadata EventMetadata

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledEnd returns the scheduled start plus the scheduled duration.
func (e *ScheduleEvent) ScheduledEnd() time.Time {
	return e.ScheduledStart.Add(time.Duration(e.ScheduledDurationMin) * time.Minute)
}

// IsActiveJob reports whether the event counts toward the job ceiling.
func (e *ScheduleEvent) IsActiveJob() bool {
	return e.Type == EventJob && e.Status != EventCancelled
}

// IsTerminal reports whether the event can no longer change status.
func (e *ScheduleEvent) IsTerminal() bool {
	return e.Status == EventCompleted || e.Status == EventCancelled
}

// IsBreak reports whether the event is a break.
func (e *ScheduleEvent) IsBreak() bool {
	return e.Type == EventBreak
}

// Validate checks an event before it is scheduled.
func (e *ScheduleEvent) Validate() error {
	switch e.Type {
	case EventJob, EventBreak:
	default:
		return NewValidationError(CodeMalformedSchedule, "type", "unknown event type %q", e.Type)
	}
	if e.ScheduledStart.IsZero() {
		return NewValidationError(CodeMalformedSchedule, "scheduledStart", "scheduled start is required")
	}
	if e.ScheduledDurationMin <= 0 {
		return NewValidationError(CodeMalformedSchedule, "scheduledDuration",
			"scheduled duration must be positive, got %d", e.ScheduledDurationMin)
	}
	if e.SequenceOrder < 0 {
		return NewValidationError(CodeMalformedSchedule, "sequenceOrder", "sequence order must not be negative")
	}
	if e.Status != "" && !ValidEventStatuses[string(e.Status)] {
		return NewValidationError(CodeMalformedSchedule, "status", "unknown event status %q", e.Status)
	}
	if e.Type == EventJob && e.Metadata.BreakKind != "" {
		return NewValidationError(CodeInvalidMetadata, "metadata.breakKind", "job events cannot carry a break kind")
	}
	return nil
}

// StatusUpdate requests a status transition on an event.
type StatusUpdate struct {
	Status EventStatus
	// SupervisorOverride authorises cancelling a required event. It is
	// recorded on the event for audit.
	SupervisorOverride *SupervisorOverride
	// At is when the transition happened; zero means now.
	At time.Time
}

var allowedTransitions = map[EventStatus]map[EventStatus]bool{
	EventPending:    {EventInProgress: true, EventCompleted: true, EventCancelled: true},
	EventInProgress: {EventCompleted: true, EventCancelled: true},
}

// Transition applies upd to the event. Re-applying the current status is a
// no-op so replays stay idempotent. Cancelling a required event without an
// override fails with a PolicyViolationError and leaves the event unchanged.
func (e *ScheduleEvent) Transition(upd StatusUpdate, now time.Time) error {
	if !ValidEventStatuses[string(upd.Status)] {
		return NewValidationError(CodeInvalidTransition, "status", "unknown event status %q", upd.Status)
	}
	if upd.Status == e.Status {
		return nil
	}
	if !allowedTransitions[e.Status][upd.Status] {
		return NewValidationError(CodeInvalidTransition, "status",
			"event %s cannot move from %s to %s", e.ID, e.Status, upd.Status)
	}

	at := upd.At
	if at.IsZero() {
		at = now
	}

	if upd.Status == EventCancelled && e.Metadata.Required {
		if upd.SupervisorOverride == nil {
			return &PolicyViolationError{
				Code:    PolicyRequiredBreakOverride,
				EventID: e.ID,
				Message: "required event cannot be cancelled without a supervisor override",
			}
		}
		if err := upd.SupervisorOverride.Validate(); err != nil {
			return err
		}
		override := *upd.SupervisorOverride
		if override.ApprovedAt.IsZero() {
			override.ApprovedAt = at
		}
		e.Metadata.SupervisorOverride = &override
	}

	switch upd.Status {
	case EventInProgress:
		if e.ActualStart == nil {
			e.ActualStart = &at
		}
	case EventCompleted:
		if e.ActualStart == nil {
			start := e.ScheduledStart
			if start.After(at) {
				start = at
			}
			e.ActualStart = &start
		}
		e.ActualEnd = &at
	case EventCancelled:
		if e.ActualStart != nil && e.ActualEnd == nil {
			e.ActualEnd = &at
		}
	}

	e.Status = upd.Status
	e.UpdatedAt = now
	return nil
}

// SensitiveFields are the event fields that are encrypted at rest.
type SensitiveFields struct {
	Address    string `json:"address,omitempty"`
	AccessCode string `json:"access_code,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// IsZero reports whether no sensitive field is set.
func (s SensitiveFields) IsZero() bool {
	return s == SensitiveFields{}
}

// Sensitive returns the event's sensitive fields.
func (e *ScheduleEvent) Sensitive() SensitiveFields {
	s := SensitiveFields{Notes: e.Notes}
	if e.Location != nil {
		s.Address = e.Location.Address
		s.AccessCode = e.Location.AccessCode
	}
	return s
}

// WithoutSensitive returns a copy of the event with sensitive fields cleared.
func (e *ScheduleEvent) WithoutSensitive() *ScheduleEvent {
	cp := *e
	cp.Notes = ""
	if e.Location != nil {
		loc := *e.Location
		loc.Address = ""
		loc.AccessCode = ""
		cp.Location = &loc
	}
	return &cp
}

// ApplySensitive restores sensitive fields onto the event.
func (e *ScheduleEvent) ApplySensitive(s SensitiveFields) {
	e.Notes = s.Notes
	if s.Address == "" && s.AccessCode == "" {
		return
	}
	if e.Location == nil {
		e.Location = &Location{}
	}
	e.Location.Address = s.Address
	e.Location.AccessCode = s.AccessCode
}
