package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobs(n int, status EventStatus) []*ScheduleEvent {
	out := make([]*ScheduleEvent, n)
	for i := range out {
		out[i] = &ScheduleEvent{ID: fmt.Sprintf("job-%d", i), Type: EventJob, Status: status}
	}
	return out
}

func TestCheckJobCeiling(t *testing.T) {
	events := jobs(6, EventPending)
	require.NoError(t, CheckJobCeiling(events, 0))

	err := CheckJobCeiling(events, 1)
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, CodeJobLimitExceeded, ve.Code)
}

func TestCheckJobCeiling_IgnoresCancelledAndBreaks(t *testing.T) {
	events := append(jobs(5, EventPending), jobs(3, EventCancelled)...)
	events = append(events, &ScheduleEvent{Type: EventBreak, Status: EventPending})

	assert.Equal(t, 5, CountActiveJobs(events))
	assert.NoError(t, CheckJobCeiling(events, 1))
}

func TestDayPlanTransition(t *testing.T) {
	p := &DayPlan{Status: PlanDraft}

	require.NoError(t, p.TransitionTo(PlanPublished, testNow))
	assert.Equal(t, PlanPublished, p.Status)
	assert.Equal(t, testNow, p.UpdatedAt)

	require.NoError(t, p.TransitionTo(PlanPublished, testNow), "same status is a no-op")

	err := p.TransitionTo(PlanDraft, testNow)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, PlanPublished, p.Status)

	require.NoError(t, p.TransitionTo(PlanCompleted, testNow))
	assert.True(t, p.IsClosed())
}

func TestRoleAuthority(t *testing.T) {
	assert.Greater(t, RoleSupervisor.Authority(), RoleDispatcher.Authority())
	assert.Greater(t, RoleDispatcher.Authority(), RoleTechnician.Authority())
	assert.False(t, Role("guest").Valid())
}

func TestRewriteIDs(t *testing.T) {
	e := &ScheduleEvent{ID: "local-1", DayPlanID: "local-plan", Type: EventJob, Notes: "x"}
	payload, err := MarshalEvent(e)
	require.NoError(t, err)

	out, err := RewriteIDs(payload, "srv-1", "srv-plan")
	require.NoError(t, err)

	back, err := UnmarshalEvent(out)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", back.ID)
	assert.Equal(t, "srv-plan", back.DayPlanID)
	assert.Equal(t, "x", back.Notes)
}
