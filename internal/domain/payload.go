package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// PlanPayload is the wire and snapshot form of a DayPlan.
type PlanPayload struct {
	ID                   string        `json:"id"`
	TenantID             string        `json:"tenant_id"`
	UserID               string        `json:"user_id"`
	SupervisorID         string        `json:"supervisor_id,omitempty"`
	Jurisdiction         string        `json:"jurisdiction,omitempty"`
	PlanDate             string        `json:"plan_date"`
	Status               DayPlanStatus `json:"status"`
	RouteSummary         string        `json:"route_summary,omitempty"`
	TotalDistanceKm      float64       `json:"total_distance_km"`
	EstimatedDurationMin int           `json:"estimated_duration_min"`
	Pinned               bool          `json:"pinned,omitempty"`
	Version              int64         `json:"version"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

type LocationPayload struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Address    string  `json:"address,omitempty"`
	AccessCode string  `json:"access_code,omitempty"`
}

// EventPayload is the wire and snapshot form of a ScheduleEvent.
type EventPayload struct {
	ID                   string           `json:"id"`
	DayPlanID            string           `json:"day_plan_id"`
	TenantID             string           `json:"tenant_id"`
	Type                 EventType        `json:"event_type"`
	JobID                *string          `json:"job_id,omitempty"`
	SequenceOrder        int              `json:"sequence_order"`
	ScheduledStart       time.Time        `json:"scheduled_start"`
	ScheduledDurationMin int              `json:"scheduled_duration_min"`
	Status               EventStatus      `json:"status"`
	ActualStart          *time.Time       `json:"actual_start,omitempty"`
	ActualEnd            *time.Time       `json:"actual_end,omitempty"`
	Location             *LocationPayload `json:"location,omitempty"`
	Notes                string           `json:"notes,omitempty"`
	Metadata             EventMetadata    `json:"metadata"`
	Version              int64            `json:"version"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func PlanToPayload(p *DayPlan) PlanPayload {
	return PlanPayload{
		ID:                   p.ID,
		TenantID:             p.TenantID,
		UserID:               p.UserID,
		SupervisorID:         p.SupervisorID,
		Jurisdiction:         p.Jurisdiction,
		PlanDate:             p.DateKey(),
		Status:               p.Status,
		RouteSummary:         p.RouteSummary,
		TotalDistanceKm:      p.TotalDistanceKm,
		EstimatedDurationMin: p.EstimatedDurationMin,
		Pinned:               p.Pinned,
		Version:              p.Version,
		CreatedAt:            p.CreatedAt.UTC(),
		UpdatedAt:            p.UpdatedAt.UTC(),
	}
}

func (pp PlanPayload) ToDomain() (*DayPlan, error) {
	date, err := ParsePlanDate(pp.PlanDate)
	if err != nil {
		return nil, err
	}
	return &DayPlan{
		ID:                   pp.ID,
		TenantID:             pp.TenantID,
		UserID:               pp.UserID,
		SupervisorID:         pp.SupervisorID,
		Jurisdiction:         pp.Jurisdiction,
		PlanDate:             date,
		Status:               pp.Status,
		RouteSummary:         pp.RouteSummary,
		TotalDistanceKm:      pp.TotalDistanceKm,
		EstimatedDurationMin: pp.EstimatedDurationMin,
		Pinned:               pp.Pinned,
		Version:              pp.Version,
		CreatedAt:            pp.CreatedAt,
		UpdatedAt:            pp.UpdatedAt,
	}, nil
}

func EventToPayload(e *ScheduleEvent) EventPayload {
	ep := EventPayload{
		ID:                   e.ID,
		DayPlanID:            e.DayPlanID,
		TenantID:             e.TenantID,
		Type:                 e.Type,
		JobID:                e.JobID,
		SequenceOrder:        e.SequenceOrder,
		ScheduledStart:       e.ScheduledStart.UTC(),
		ScheduledDurationMin: e.ScheduledDurationMin,
		Status:               e.Status,
		ActualStart:          utcPtr(e.ActualStart),
		ActualEnd:            utcPtr(e.ActualEnd),
		Notes:                e.Notes,
		Metadata:             e.Metadata,
		Version:              e.Version,
		CreatedAt:            e.CreatedAt.UTC(),
		UpdatedAt:            e.UpdatedAt.UTC(),
	}
	if e.Location != nil {
		ep.Location = &LocationPayload{
			Latitude:   e.Location.Latitude,
			Longitude:  e.Location.Longitude,
			Address:    e.Location.Address,
			AccessCode: e.Location.AccessCode,
		}
	}
	return ep
}

func (ep EventPayload) ToDomain() *ScheduleEvent {
	e := &ScheduleEvent{
		ID:                   ep.ID,
		DayPlanID:            ep.DayPlanID,
		TenantID:             ep.TenantID,
		Type:                 ep.Type,
		JobID:                ep.JobID,
		SequenceOrder:        ep.SequenceOrder,
		ScheduledStart:       ep.ScheduledStart,
		ScheduledDurationMin: ep.ScheduledDurationMin,
		Status:               ep.Status,
		ActualStart:          ep.ActualStart,
		ActualEnd:            ep.ActualEnd,
		Notes:                ep.Notes,
		Metadata:             ep.Metadata,
		Version:              ep.Version,
		CreatedAt:            ep.CreatedAt,
		UpdatedAt:            ep.UpdatedAt,
	}
	if ep.Location != nil {
		e.Location = &Location{
			Latitude:   ep.Location.Latitude,
			Longitude:  ep.Location.Longitude,
			Address:    ep.Location.Address,
			AccessCode: ep.Location.AccessCode,
		}
	}
	return e
}

// MarshalPlan encodes a plan snapshot.
func MarshalPlan(p *DayPlan) (json.RawMessage, error) {
	b, err := json.Marshal(PlanToPayload(p))
	if err != nil {
		return nil, fmt.Errorf("encoding day plan %s: %w", p.ID, err)
	}
	return b, nil
}

// UnmarshalPlan decodes a plan snapshot.
func UnmarshalPlan(b []byte) (*DayPlan, error) {
	var pp PlanPayload
	if err := json.Unmarshal(b, &pp); err != nil {
		return nil, fmt.Errorf("decoding day plan: %w", err)
	}
	return pp.ToDomain()
}

// MarshalEvent encodes an event snapshot.
func MarshalEvent(e *ScheduleEvent) (json.RawMessage, error) {
	b, err := json.Marshal(EventToPayload(e))
	if err != nil {
		return nil, fmt.Errorf("encoding schedule event %s: %w", e.ID, err)
	}
	return b, nil
}

// UnmarshalEvent decodes an event snapshot.
func UnmarshalEvent(b []byte) (*ScheduleEvent, error) {
	var ep EventPayload
	if err := json.Unmarshal(b, &ep); err != nil {
		return nil, fmt.Errorf("decoding schedule event: %w", err)
	}
	return ep.ToDomain(), nil
}

// RewriteIDs replaces the "id" and, when set, the "day_plan_id" members of
// an encoded snapshot without touching any other field.
func RewriteIDs(payload json.RawMessage, id, dayPlanID string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if id != "" {
		b, _ := json.Marshal(id)
		fields["id"] = b
	}
	if dayPlanID != "" {
		if _, ok := fields["day_plan_id"]; ok {
			b, _ := json.Marshal(dayPlanID)
			fields["day_plan_id"] = b
		}
	}
	return json.Marshal(fields)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
