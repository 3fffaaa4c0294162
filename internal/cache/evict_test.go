package cache

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGuard map[string]bool

func (g stubGuard) HasPendingForPlan(_ context.Context, planID string) (bool, error) {
	return g[planID], nil
}

// seedPlans stores four equally sized plans: three on past dates and one
// today. It returns them oldest first along with the bytes used.
func seedPlans(t *testing.T, database *sql.DB, pinnedIdx int) ([]*domain.DayPlan, int64) {
	t.Helper()
	ctx := context.Background()
	seed := New(database, newSealer(t, "0123456789abcdef0123"), Config{})

	var plans []*domain.DayPlan
	for i, daysAgo := range []int{3, 2, 1, 0} {
		p := testutil.NewTestPlan("tech-1", testutil.WithPlanDate(testutil.Now.AddDate(0, 0, -daysAgo)))
		p.ID = "plan-" + string(rune('a'+i))
		p.RouteSummary = strings.Repeat("x", 2000)
		p.Pinned = i == pinnedIdx
		_, err := seed.Save(ctx, p)
		require.NoError(t, err)
		plans = append(plans, p)
	}
	st, err := seed.Status(ctx)
	require.NoError(t, err)
	return plans, st.UsedBytes
}

func budgetCache(t *testing.T, database *sql.DB, used int64, opts ...Option) *Cache {
	cfg := Config{BudgetBytes: used, HighWaterPct: 80, LowWaterPct: 60}
	opts = append([]Option{WithClock(func() time.Time { return testutil.Now })}, opts...)
	return New(database, newSealer(t, "0123456789abcdef0123"), cfg, opts...)
}

func TestEvict_OldestFirstUntilLowWater(t *testing.T) {
	database := testutil.NewTestDB(t)
	plans, used := seedPlans(t, database, -1)
	c := budgetCache(t, database, used)
	ctx := context.Background()

	st, err := c.SavePlan(ctx, plans[3])
	require.NoError(t, err)

	assert.Equal(t, []string{"plan-a", "plan-b"}, st.Evicted)
	assert.LessOrEqual(t, st.Percent, 60.0)
	assert.Nil(t, st.Warning)

	_, err = c.GetPlan(ctx, "plan-a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.GetPlan(ctx, "plan-c")
	assert.NoError(t, err)
}

func TestEvict_SkipsPinnedAndPending(t *testing.T) {
	database := testutil.NewTestDB(t)
	plans, used := seedPlans(t, database, 0)
	c := budgetCache(t, database, used, WithEvictionGuard(stubGuard{"plan-b": true}))
	ctx := context.Background()

	st, err := c.SavePlan(ctx, plans[3])
	require.NoError(t, err)

	assert.Equal(t, []string{"plan-c"}, st.Evicted)
	assert.Greater(t, st.Percent, 60.0, "low water is unreachable with the rest guarded")

	for _, id := range []string{"plan-a", "plan-b", "plan-d"} {
		_, err := c.GetPlan(ctx, id)
		assert.NoError(t, err, "%s must be kept", id)
	}
}

func TestEvict_RemovesEventsWithPlan(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()
	seed := New(database, newSealer(t, "0123456789abcdef0123"), Config{})

	old := testutil.NewTestPlan("tech-1", testutil.WithPlanDate(testutil.Now.AddDate(0, 0, -5)))
	ev := testutil.NewTestJob(old.ID, testutil.WithNotes(strings.Repeat("n", 4000)))
	_, err := seed.Save(ctx, old, ev)
	require.NoError(t, err)
	today := testutil.NewTestPlan("tech-1")
	_, err = seed.Save(ctx, today)
	require.NoError(t, err)

	st, err := seed.Status(ctx)
	require.NoError(t, err)

	c := budgetCache(t, database, st.UsedBytes)
	st, err = c.SavePlan(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, st.Evicted)

	_, err = c.GetEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEvict_WriteSucceedsWhenNothingEvictable(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()
	c := budgetCache(t, database, 100)

	p := testutil.NewTestPlan("tech-1")
	p.RouteSummary = strings.Repeat("x", 500)
	st, err := c.SavePlan(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, st.Warning)
	assert.ErrorIs(t, st.Warning, domain.ErrStorageBudgetExceeded)
	assert.Greater(t, st.Percent, 100.0)

	_, err = c.GetPlan(ctx, p.ID)
	assert.NoError(t, err)
}

func TestEvict_BelowHighWaterDoesNothing(t *testing.T) {
	database := testutil.NewTestDB(t)
	plans, used := seedPlans(t, database, -1)
	c := budgetCache(t, database, used*2)

	st, err := c.SavePlan(context.Background(), plans[3])
	require.NoError(t, err)
	assert.Empty(t, st.Evicted)
	assert.InDelta(t, 50.0, st.Percent, 1.0)
}

func TestEvict_TodayFollowsDeviceCalendar(t *testing.T) {
	database := testutil.NewTestDB(t)
	plans, used := seedPlans(t, database, -1)
	// 18:00 on the 15th west of UTC is already the 16th in UTC.
	evening := time.Date(2025, 6, 15, 18, 0, 0, 0, time.FixedZone("PDT", -7*3600))
	c := budgetCache(t, database, used, WithClock(func() time.Time { return evening }))
	ctx := context.Background()

	st, err := c.SavePlan(ctx, plans[3])
	require.NoError(t, err)
	assert.NotContains(t, st.Evicted, "plan-d")

	got, err := c.GetPlan(ctx, "plan-d")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-15", got.DateKey())
}
