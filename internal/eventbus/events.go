package eventbus

import (
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
)

// StatusChanged is published after an event status change is persisted.
type StatusChanged struct {
	PlanID    string
	EventID   string
	EventType domain.EventType
	From      domain.EventStatus
	To        domain.EventStatus
	ActorID   string
	At        time.Time
	// VoiceInitiated marks breaks started through the voice entry point.
	VoiceInitiated bool
}

// BreakCompleted reports whether the change finished a break.
func (s StatusChanged) BreakCompleted() bool {
	return s.EventType == domain.EventBreak && s.To == domain.EventCompleted
}

// Buses groups the buses components share.
type Buses struct {
	Status *Bus[StatusChanged]
}

func NewBuses() *Buses {
	return &Buses{Status: New[StatusChanged](32)}
}

func (b *Buses) Close() {
	b.Status.Close()
}
