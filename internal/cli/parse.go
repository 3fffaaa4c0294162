package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
)

// parseAt accepts RFC 3339 or a wall-clock "15:04" on the given day.
func parseAt(day time.Time, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	clock, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use HH:MM or RFC 3339", s)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, day.Location()), nil
}

// parseJobFlag reads "08:00=90" into a job event on day.
func parseJobFlag(day time.Time, raw string) (*domain.ScheduleEvent, error) {
	at, dur, ok := strings.Cut(raw, "=")
	if !ok {
		return nil, fmt.Errorf("invalid job %q: use START=MINUTES", raw)
	}
	start, err := parseAt(day, at)
	if err != nil {
		return nil, err
	}
	minutes, err := strconv.Atoi(dur)
	if err != nil {
		return nil, fmt.Errorf("invalid job duration %q", dur)
	}
	return &domain.ScheduleEvent{
		Type:                 domain.EventJob,
		ScheduledStart:       start,
		ScheduledDurationMin: minutes,
	}, nil
}
