package domain

import (
	"encoding/json"
	"time"
)

// SupervisorOverride is the audit record attached when a supervisor
// authorises an otherwise blocked transition.
type SupervisorOverride struct {
	ApproverID string    `json:"approverId"`
	Reason     string    `json:"reason"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Validate requires both the approver and a reason.
func (o *SupervisorOverride) Validate() error {
	if o.ApproverID == "" {
		return NewValidationError(CodeInvalidMetadata, "supervisorOverride.approverId", "override approver is required")
	}
	if o.Reason == "" {
		return NewValidationError(CodeInvalidMetadata, "supervisorOverride.reason", "override reason is required")
	}
	return nil
}

// EventMetadata is the typed form of the metadata carried on an event.
// Keys outside the known set land in Extra and must be strings.
type EventMetadata struct {
	Required       bool
	BreakKind      BreakKind
	AutoScheduled  bool
	VoiceInitiated bool

	// SupervisorOverride is set when a required event was cancelled under
	// override.
	SupervisorOverride *SupervisorOverride
	// KitOverride is set when a job started despite the kit verification
	// subsystem requiring an override.
	KitOverride *SupervisorOverride

	Extra map[string]string
}

var knownMetadataKeys = map[string]bool{
	"required":           true,
	"breakKind":          true,
	"autoScheduled":      true,
	"voiceInitiated":     true,
	"supervisorOverride": true,
	"kitOverride":        true,
}

type metadataWire struct {
	Required           bool                `json:"required"`
	BreakKind          BreakKind           `json:"breakKind"`
	AutoScheduled      bool                `json:"autoScheduled"`
	VoiceInitiated     bool                `json:"voiceInitiated"`
	SupervisorOverride *SupervisorOverride `json:"supervisorOverride"`
	KitOverride        *SupervisorOverride `json:"kitOverride"`
}

func (m EventMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		if !knownMetadataKeys[k] {
			out[k] = v
		}
	}
	if m.Required {
		out["required"] = true
	}
	if m.BreakKind != "" {
		out["breakKind"] = m.BreakKind
	}
	if m.AutoScheduled {
		out["autoScheduled"] = true
	}
	if m.VoiceInitiated {
		out["voiceInitiated"] = true
	}
	if m.SupervisorOverride != nil {
		out["supervisorOverride"] = m.SupervisorOverride
	}
	if m.KitOverride != nil {
		out["kitOverride"] = m.KitOverride
	}
	return json.Marshal(out)
}

func (m *EventMetadata) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return NewValidationError(CodeInvalidMetadata, "metadata", "metadata must be an object: %v", err)
	}
	var w metadataWire
	if err := json.Unmarshal(b, &w); err != nil {
		return NewValidationError(CodeInvalidMetadata, "metadata", "malformed metadata: %v", err)
	}

	switch w.BreakKind {
	case "", BreakRest, BreakMeal:
	default:
		return NewValidationError(CodeInvalidMetadata, "metadata.breakKind", "unknown break kind %q", w.BreakKind)
	}
	if w.SupervisorOverride != nil {
		if err := w.SupervisorOverride.Validate(); err != nil {
			return err
		}
	}
	if w.KitOverride != nil {
		if err := w.KitOverride.Validate(); err != nil {
			return err
		}
	}

	var extra map[string]string
	for k, v := range raw {
		if knownMetadataKeys[k] {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return NewValidationError(CodeInvalidMetadata, "metadata."+k, "free-form metadata values must be strings")
		}
		if extra == nil {
			extra = make(map[string]string)
		}
		extra[k] = s
	}

	*m = EventMetadata{
		Required:           w.Required,
		BreakKind:          w.BreakKind,
		AutoScheduled:      w.AutoScheduled,
		VoiceInitiated:     w.VoiceInitiated,
		SupervisorOverride: w.SupervisorOverride,
		KitOverride:        w.KitOverride,
		Extra:              extra,
	}
	return nil
}
