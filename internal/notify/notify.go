// Package notify produces notification payloads for the external delivery
// service.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/alexanderramin/dayplan/internal/logger"
)

type Type string

const (
	TypeBreakWarning   Type = "break_warning"
	TypeBreakViolation Type = "break_violation"
	TypeSyncReview     Type = "sync_review"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is the payload handed to the delivery service.
type Notification struct {
	RecipientID string         `json:"recipient_id"`
	Type        Type           `json:"type"`
	Priority    Priority       `json:"priority"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
}

// Sink delivers notifications.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the log instead of delivering them.
type LogSink struct {
	Log logger.Logger
}

func (s LogSink) Send(_ context.Context, n Notification) error {
	logger.OrNop(s.Log).Infow("notification", map[string]any{
		"recipient": n.RecipientID,
		"type":      n.Type,
		"priority":  n.Priority,
		"message":   n.Message,
	})
	return nil
}

// MemorySink records notifications in order.
type MemorySink struct {
	mu   sync.Mutex
	sent []Notification
}

func (s *MemorySink) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

// Sent returns a copy of everything sent so far.
func (s *MemorySink) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.sent...)
}

// Fanout sends to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
