package points

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersinkoc/gamificationkit/eventbus"
	"github.com/ersinkoc/gamificationkit/gkerrors"
	"github.com/ersinkoc/gamificationkit/logging"
	"github.com/ersinkoc/gamificationkit/module"
	"github.com/ersinkoc/gamificationkit/storage"
)

func newTestModule(t *testing.T, cfg Config) (*Module, context.Context) {
	t.Helper()
	mem := storage.NewMemory()
	require.NoError(t, mem.Connect(context.Background()))
	bus := eventbus.NewMemoryBus()

	m := New(cfg)
	m.SetContext(module.Context{Storage: mem, Events: bus, Logger: logging.Noop{}})
	require.NoError(t, m.Initialize(context.Background()))
	return m, context.Background()
}

func TestPoints_AwardIncreasesBalanceAndLogsTransaction(t *testing.T) {
	m, ctx := newTestModule(t, Config{})
	defer m.Shutdown(ctx)

	balance, err := m.Award(ctx, "u1", 100, "daily_login")
	require.NoError(t, err)
	assert.EqualValues(t, 100, balance)

	history, err := m.GetTransactionHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "daily_login", history[0].Reason)
	assert.EqualValues(t, 100, history[0].Amount)
}

func TestPoints_DeductRefusesWhenBalanceInsufficient(t *testing.T) {
	m, ctx := newTestModule(t, Config{})
	defer m.Shutdown(ctx)

	_, err := m.Award(ctx, "u1", 30, "bonus")
	require.NoError(t, err)

	balance, err := m.Deduct(ctx, "u1", 50, "penalty")
	require.Error(t, err)
	assert.EqualValues(t, 30, balance) // current, returned alongside the refusal

	var insufficient *gkerrors.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.EqualValues(t, 30, insufficient.Current)
	assert.EqualValues(t, 50, insufficient.Required)

	// balance is unchanged
	after, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 30, after)
}

func TestPoints_DeductClampsToMinimumPoints(t *testing.T) {
	m, ctx := newTestModule(t, Config{MinimumPoints: 5})
	defer m.Shutdown(ctx)

	_, err := m.Award(ctx, "u1", 10, "bonus")
	require.NoError(t, err)

	balance, err := m.Deduct(ctx, "u1", 8, "penalty")
	require.NoError(t, err)
	assert.EqualValues(t, 5, balance) // clamped to MinimumPoints, not 2
}

func TestPoints_UserAndEventMultipliersCompound(t *testing.T) {
	m, ctx := newTestModule(t, Config{})
	defer m.Shutdown(ctx)

	require.NoError(t, m.SetUserMultiplier(ctx, "u1", 2, 0))
	require.NoError(t, m.SetEventMultiplier(ctx, 1.5, 60))

	balance, err := m.Award(ctx, "u1", 100, "streak")
	require.NoError(t, err)
	assert.EqualValues(t, 300, balance) // 100 * 2 * 1.5
}

func TestPoints_GlobalAndReasonMultipliersApply(t *testing.T) {
	m, ctx := newTestModule(t, Config{
		GlobalMultiplier:  1.5,
		ReasonMultipliers: map[string]float64{"purchase.premium": 2},
	})
	defer m.Shutdown(ctx)

	balance, err := m.Award(ctx, "u1", 10, "purchase.premium")
	require.NoError(t, err)
	assert.EqualValues(t, 30, balance) // floor(10 * 1.5 * 2)

	balance2, err := m.Award(ctx, "u2", 10, "other")
	require.NoError(t, err)
	assert.EqualValues(t, 15, balance2) // floor(10 * 1.5), reason multiplier doesn't apply
}

func TestPoints_WeekendMultiplierAppliesOnSaturday(t *testing.T) {
	m, ctx := newTestModule(t, Config{WeekendMultiplier: 2})
	defer m.Shutdown(ctx)
	saturday := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) // a Saturday
	require.Equal(t, time.Saturday, saturday.Weekday())
	m.now = func() time.Time { return saturday }

	balance, err := m.Award(ctx, "u1", 50, "task")
	require.NoError(t, err)
	assert.EqualValues(t, 100, balance)
}

func TestPoints_WeekendMultiplierSkippedOnWeekday(t *testing.T) {
	m, ctx := newTestModule(t, Config{WeekendMultiplier: 2})
	defer m.Shutdown(ctx)
	monday := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC) // a Monday
	require.Equal(t, time.Monday, monday.Weekday())
	m.now = func() time.Time { return monday }

	balance, err := m.Award(ctx, "u1", 50, "task")
	require.NoError(t, err)
	assert.EqualValues(t, 50, balance)
}

func TestPoints_FloorNotRoundOnFractionalEffectivePoints(t *testing.T) {
	m, ctx := newTestModule(t, Config{GlobalMultiplier: 1.25})
	defer m.Shutdown(ctx)

	balance, err := m.Award(ctx, "u1", 10, "task")
	require.NoError(t, err)
	assert.EqualValues(t, 12, balance) // floor(10*1.25=12.5) = 12, not round's 13
}

func TestPoints_PeriodLimitRejectsOverage(t *testing.T) {
	m, ctx := newTestModule(t, Config{
		Periods:         []string{"daily"},
		PeriodDurations: map[string]time.Duration{"daily": 24 * time.Hour},
		PeriodLimits:    map[string]int64{"daily": 100},
	})
	defer m.Shutdown(ctx)

	_, err := m.Award(ctx, "u1", 80, "task")
	require.NoError(t, err)

	_, err = m.Award(ctx, "u1", 50, "task")
	require.Error(t, err)
	var limitErr *gkerrors.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "daily", limitErr.Period)
}

func TestPoints_LeaderboardRanksDescending(t *testing.T) {
	m, ctx := newTestModule(t, Config{})
	defer m.Shutdown(ctx)

	_, err := m.Award(ctx, "u1", 10, "x")
	require.NoError(t, err)
	_, err = m.Award(ctx, "u2", 30, "x")
	require.NoError(t, err)
	_, err = m.Award(ctx, "u3", 20, "x")
	require.NoError(t, err)

	top, err := m.GetTopUsers(ctx, allTimePeriod, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, []string{"u2", "u3", "u1"}, []string{top[0].UserID, top[1].UserID, top[2].UserID})
	assert.Equal(t, 1, top[0].Rank)
}

func TestPoints_EventDrivenAwardViaBus(t *testing.T) {
	m, ctx := newTestModule(t, Config{})
	defer m.Shutdown(ctx)

	_, err := m.Ctx.Events.Emit(ctx, "points.award", map[string]interface{}{
		"userId": "u1", "amount": int64(42), "reason": "via-event",
	})
	require.NoError(t, err)

	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 42, balance)
}

func TestPoints_ResetUserClearsBalanceAndLeaderboard(t *testing.T) {
	m, ctx := newTestModule(t, Config{})
	defer m.Shutdown(ctx)

	_, err := m.Award(ctx, "u1", 100, "x")
	require.NoError(t, err)

	require.NoError(t, m.ResetUser(ctx, "u1"))

	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, balance)

	_, ok, err := m.Ctx.Storage.ZScore(ctx, m.leaderboardKey(allTimePeriod), "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := m.GetTransactionHistory(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPoints_DecayReducesBalance(t *testing.T) {
	m, ctx := newTestModule(t, Config{DecayRate: 0.1})
	defer m.Shutdown(ctx)

	_, err := m.Award(ctx, "u1", 100, "x")
	require.NoError(t, err)

	m.applyDecay(ctx)

	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 90, balance)
}

func TestPoints_DecaySkipsRecentTransactions(t *testing.T) {
	m, ctx := newTestModule(t, Config{DecayRate: 0.1, DecayDays: 3})
	defer m.Shutdown(ctx)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return start }

	_, err := m.Award(ctx, "u1", 100, "x")
	require.NoError(t, err)

	m.applyDecay(ctx) // transaction is "now", well within DecayDays
	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, balance, "balance should be untouched before DecayDays has elapsed")

	m.now = func() time.Time { return start.Add(4 * 24 * time.Hour) }
	m.applyDecay(ctx)
	balance, err = m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 90, balance, "balance should decay once the last transaction is older than DecayDays")
}

func TestPoints_DecayRespectsMinimumPoints(t *testing.T) {
	m, ctx := newTestModule(t, Config{DecayRate: 0.5, MinimumPoints: 40})
	defer m.Shutdown(ctx)

	_, err := m.Award(ctx, "u1", 100, "x")
	require.NoError(t, err)

	m.applyDecay(ctx) // floor(100*0.5)=50 would go to 50, fine
	balance, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, balance)

	m.applyDecay(ctx) // floor(50*0.5)=25 would put balance at 25, clamped to 40
	balance, err = m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 40, balance)
}
