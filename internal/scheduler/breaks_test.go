package scheduler

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var shiftStart = time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)

var defaultRules = domain.LaborRuleSet{
	Jurisdiction:            "default",
	RestBreakIntervalHours:  4,
	RestBreakDurationMin:    15,
	MealBreakThresholdHours: 5,
	MealBreakDurationMin:    30,
	MealBreakDeadlineHours:  5,
	ViolationGraceMin:       15,
}

// contiguousJobs builds back-to-back jobs starting at shiftStart.
func contiguousJobs(minutes ...int) []*domain.ScheduleEvent {
	out := make([]*domain.ScheduleEvent, len(minutes))
	at := shiftStart
	for i, m := range minutes {
		out[i] = &domain.ScheduleEvent{
			ID:                   fmt.Sprintf("job-%d", i+1),
			DayPlanID:            "plan-1",
			Type:                 domain.EventJob,
			SequenceOrder:        i + 1,
			ScheduledStart:       at,
			ScheduledDurationMin: m,
			Status:               domain.EventPending,
		}
		at = at.Add(time.Duration(m) * time.Minute)
	}
	return out
}

func breaksOf(events []*domain.ScheduleEvent) []*domain.ScheduleEvent {
	var out []*domain.ScheduleEvent
	for _, e := range events {
		if e.IsBreak() {
			out = append(out, e)
		}
	}
	return out
}

func TestComputeRequiredBreaks_FiveAndAHalfHourDay(t *testing.T) {
	sched := ComputeRequiredBreaks(contiguousJobs(90, 60, 120, 60), defaultRules)

	breaks := breaksOf(sched.Events)
	require.GreaterOrEqual(t, len(breaks), 2)
	assert.Len(t, sched.Inserted, len(breaks))

	first := breaks[0]
	offset := first.ScheduledStart.Sub(shiftStart)
	assert.GreaterOrEqual(t, offset, 3*time.Hour+30*time.Minute)
	assert.LessOrEqual(t, offset, 4*time.Hour+30*time.Minute)
	assert.Equal(t, 15, first.ScheduledDurationMin)
	assert.Equal(t, domain.BreakRest, first.Metadata.BreakKind)

	var meal *domain.ScheduleEvent
	for _, b := range breaks {
		if b.Metadata.BreakKind == domain.BreakMeal {
			meal = b
		}
	}
	require.NotNil(t, meal, "a meal break is owed past five hours")
	assert.Equal(t, 30, meal.ScheduledDurationMin)
	assert.True(t, meal.ScheduledStart.Before(shiftStart.Add(6*time.Hour)))

	for _, b := range sched.Inserted {
		assert.True(t, b.Metadata.Required)
		assert.True(t, b.Metadata.AutoScheduled)
		assert.Empty(t, b.ID)
		assert.Equal(t, "plan-1", b.DayPlanID)
	}
}

func TestComputeRequiredBreaks_ShiftsLaterEvents(t *testing.T) {
	sched := ComputeRequiredBreaks(contiguousJobs(90, 60, 120, 60), defaultRules)

	last := sched.Events[len(sched.Events)-1]
	require.Equal(t, "job-4", last.ID)
	// 15 minute rest plus 30 minute meal pushes the last job back 45 minutes.
	assert.Equal(t, shiftStart.Add(5*time.Hour+15*time.Minute), last.ScheduledStart)

	for i, e := range sched.Events {
		assert.Equal(t, i+1, e.SequenceOrder)
		if i > 0 {
			prev := sched.Events[i-1]
			assert.False(t, e.ScheduledStart.Before(prev.ScheduledEnd()),
				"event %d overlaps the previous one", i)
		}
	}
}

func TestComputeRequiredBreaks_MealTakesPlaceOfLateRest(t *testing.T) {
	sched := ComputeRequiredBreaks(contiguousJobs(290, 60), defaultRules)

	require.Len(t, sched.Inserted, 1)
	meal := sched.Inserted[0]
	assert.Equal(t, domain.BreakMeal, meal.Metadata.BreakKind)
	assert.Equal(t, 30, meal.ScheduledDurationMin)
	assert.Equal(t, shiftStart.Add(4*time.Hour+50*time.Minute), meal.ScheduledStart)
	assert.False(t, meal.ScheduledStart.After(shiftStart.Add(defaultRules.MealDeadline())))

	last := sched.Events[len(sched.Events)-1]
	require.Equal(t, "job-2", last.ID)
	assert.Equal(t, shiftStart.Add(5*time.Hour+20*time.Minute), last.ScheduledStart)

	again := ComputeRequiredBreaks(sched.Events, defaultRules)
	assert.Empty(t, again.Inserted)
}

func TestComputeRequiredBreaks_DoesNotMutateInput(t *testing.T) {
	in := contiguousJobs(90, 60, 120, 60)
	before := in[3].ScheduledStart

	ComputeRequiredBreaks(in, defaultRules)

	assert.Equal(t, before, in[3].ScheduledStart)
	assert.Len(t, in, 4)
}

func TestComputeRequiredBreaks_ShortShiftGetsNothing(t *testing.T) {
	sched := ComputeRequiredBreaks(contiguousJobs(60, 90, 60), defaultRules)
	assert.Empty(t, sched.Inserted)
	assert.Len(t, sched.Events, 3)
}

func TestComputeRequiredBreaks_Empty(t *testing.T) {
	sched := ComputeRequiredBreaks(nil, defaultRules)
	assert.Empty(t, sched.Events)
	assert.Empty(t, sched.Inserted)
}

func TestComputeRequiredBreaks_ExistingBreakResetsCounter(t *testing.T) {
	events := contiguousJobs(120, 15, 120, 90)
	events[1].Type = domain.EventBreak
	events[1].Metadata = domain.EventMetadata{BreakKind: domain.BreakRest}

	sched := ComputeRequiredBreaks(events, defaultRules)

	for _, b := range sched.Inserted {
		assert.NotEqual(t, domain.BreakRest, b.Metadata.BreakKind,
			"no job stretch reaches four hours after the existing break")
	}
}

func TestComputeRequiredBreaks_CancelledJobsDoNotCount(t *testing.T) {
	events := contiguousJobs(120, 120, 120)
	events[1].Status = domain.EventCancelled

	sched := ComputeRequiredBreaks(events, defaultRules)

	var rests int
	for _, b := range sched.Inserted {
		if b.Metadata.BreakKind == domain.BreakRest {
			rests++
		}
	}
	assert.Zero(t, rests)
	assert.Len(t, sched.Events, 3+len(sched.Inserted))
}

func TestComputeRequiredBreaks_Idempotent(t *testing.T) {
	first := ComputeRequiredBreaks(contiguousJobs(90, 60, 120, 60), defaultRules)
	second := ComputeRequiredBreaks(first.Events, defaultRules)

	assert.Empty(t, second.Inserted)
	require.Len(t, second.Events, len(first.Events))
	for i := range first.Events {
		assert.Equal(t, first.Events[i].ScheduledStart, second.Events[i].ScheduledStart)
	}
}

// TestComputeRequiredBreaks_Invariants property-tests random days: jobs are
// never dropped, nothing overlaps, meals start by the deadline and a second
// pass inserts nothing.
func TestComputeRequiredBreaks_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 300; trial++ {
		n := rng.Intn(domain.MaxJobsPerPlan) + 1
		minutes := make([]int, n)
		for i := range minutes {
			minutes[i] = rng.Intn(150) + 30
		}
		in := contiguousJobs(minutes...)

		sched := ComputeRequiredBreaks(in, defaultRules)

		assert.Equal(t, n, domain.CountActiveJobs(sched.Events), "trial %d: job count changed", trial)
		assert.Len(t, sched.Events, n+len(sched.Inserted), "trial %d", trial)
		for i := 1; i < len(sched.Events); i++ {
			prev, cur := sched.Events[i-1], sched.Events[i]
			assert.False(t, cur.ScheduledStart.Before(prev.ScheduledEnd()),
				"trial %d: event %d overlaps", trial, i)
			assert.Equal(t, prev.SequenceOrder+1, cur.SequenceOrder, "trial %d", trial)
		}

		mealBy := shiftStart.Add(defaultRules.MealDeadline())
		for _, b := range sched.Inserted {
			if b.Metadata.BreakKind == domain.BreakMeal {
				assert.False(t, b.ScheduledStart.After(mealBy),
					"trial %d: meal at %s for %v", trial, b.ScheduledStart.Sub(shiftStart), minutes)
			}
		}

		again := ComputeRequiredBreaks(sched.Events, defaultRules)
		assert.Empty(t, again.Inserted, "trial %d: second pass inserted breaks for %v", trial, minutes)
	}
}
