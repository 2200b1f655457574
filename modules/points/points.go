// Package points implements the canonical Points module (core spec §4.7):
// balances, multipliers, period-bounded earn limits, leaderboards, a
// transaction log, and a scheduled decay job.
package points

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ersinkoc/gamificationkit/eventbus"
	"github.com/ersinkoc/gamificationkit/gkerrors"
	"github.com/ersinkoc/gamificationkit/module"
)

// Transaction is one entry in a user's points ledger.
type Transaction struct {
	UserID     string  `json:"userId"`
	Amount     int64   `json:"amount"`
	Reason     string  `json:"reason"`
	Multiplier float64 `json:"multiplier"`
	Timestamp  int64   `json:"timestamp"`
}

// LeaderboardEntry is one ranked row of GetTopUsers.
type LeaderboardEntry struct {
	UserID string  `json:"userId"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// Config is the PointsModule's own configuration section.
type Config struct {
	// Periods are the leaderboard/limit buckets maintained alongside the
	// all-time balance, e.g. []string{"daily", "weekly", "monthly"}.
	Periods []string
	// PeriodDurations maps a period name to its rolling window.
	PeriodDurations map[string]time.Duration
	// PeriodLimits caps total points a user may earn within a period;
	// a period absent from this map is unbounded.
	PeriodLimits map[string]int64

	// GlobalMultiplier applies to every Award regardless of reason or user.
	// Zero/unset behaves as 1 (no-op).
	GlobalMultiplier float64
	// ReasonMultipliers maps an award reason to a static multiplier, e.g.
	// {"purchase.premium": 1.5}. A reason absent from this map uses 1.
	ReasonMultipliers map[string]float64
	// WeekendMultiplier applies on Saturday and Sunday. Zero/unset behaves
	// as 1 (no-op).
	WeekendMultiplier float64

	// MinimumPoints is the floor a balance never drops below: Deduct clamps
	// to it instead of going negative, and the decay job respects it.
	MinimumPoints int64

	// DecayCronSpec is a robfig/cron schedule (e.g. "0 0 * * *" for
	// daily); empty disables the decay job.
	DecayCronSpec string
	// DecayRate is the fraction of a balance removed on each decay tick,
	// e.g. 0.05 for a 5% daily decay.
	DecayRate float64
	// DecayDays gates decay to users whose most recent transaction is
	// older than this many days. Zero disables the recency gate (every
	// balance above MinimumPoints decays on every tick).
	DecayDays int
}

const allTimePeriod = "all-time"

// Module is the PointsModule implementation.
type Module struct {
	module.Base

	cfg Config

	cron    *cron.Cron
	decayID cron.EntryID
	unsub   []eventbus.CancelFunc

	// now is overridable by tests in this package; production code always
	// uses the zero value, which resolveMultiplier/applyDecay treat as
	// time.Now.
	now func() time.Time
}

// New constructs a Points module named "points" with cfg.
func New(cfg Config) *Module {
	return &Module{Base: module.NewBase("points"), cfg: cfg}
}

func (m *Module) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *Module) balanceKey() string                  { return m.StorageKey("balance") }
func (m *Module) txKey(userID string) string           { return m.StorageKey("tx", userID) }
func (m *Module) leaderboardKey(period string) string  { return m.StorageKey("leaderboard", period) }
func (m *Module) periodAccumKey(period, userID string) string {
	return m.StorageKey("period", period, userID)
}
func (m *Module) userMultiplierKey(userID string) string { return m.StorageKey("multiplier", "user", userID) }
func (m *Module) eventMultiplierKey() string             { return m.StorageKey("multiplier", "event") }

// periods returns the configured periods plus the implicit all-time bucket.
func (m *Module) periods() []string {
	return append([]string{allTimePeriod}, m.cfg.Periods...)
}

// Initialize subscribes to points.award/points.deduct for event-driven
// awarding and starts the decay scheduler if configured (core spec §4.7
// "auto-wiring").
func (m *Module) Initialize(ctx context.Context) error {
	if m.Ctx.Events != nil {
		cancelAward, err := m.Ctx.Events.Subscribe("points.award", m.handleAwardEvent)
		if err != nil {
			return err
		}
		cancelDeduct, err := m.Ctx.Events.Subscribe("points.deduct", m.handleDeductEvent)
		if err != nil {
			return err
		}
		m.unsub = append(m.unsub, cancelAward, cancelDeduct)
	}

	if m.cfg.DecayCronSpec != "" {
		m.cron = cron.New()
		id, err := m.cron.AddFunc(m.cfg.DecayCronSpec, func() { m.applyDecay(context.Background()) })
		if err != nil {
			return fmt.Errorf("points: invalid decay schedule: %w", err)
		}
		m.decayID = id
		m.cron.Start()
	}
	return nil
}

func (m *Module) handleAwardEvent(ctx context.Context, e eventbus.Event) error {
	userID, _ := e.Data["userId"].(string)
	reason, _ := e.Data["reason"].(string)
	amount := int64ish(e.Data["amount"])
	_, err := m.Award(ctx, userID, amount, reason)
	return err
}

func (m *Module) handleDeductEvent(ctx context.Context, e eventbus.Event) error {
	userID, _ := e.Data["userId"].(string)
	reason, _ := e.Data["reason"].(string)
	amount := int64ish(e.Data["amount"])
	_, err := m.Deduct(ctx, userID, amount, reason)
	return err
}

func int64ish(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// Award credits amount points to userID under reason, applying the user's
// and the reason's multipliers, rejecting the award if it would exceed a
// configured period limit (core spec §4.7).
func (m *Module) Award(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if userID == "" || amount <= 0 {
		return 0, gkerrors.ErrInvalidPoints
	}

	multiplier, err := m.resolveMultiplier(ctx, userID, reason)
	if err != nil {
		return 0, err
	}
	effective := int64(math.Floor(float64(amount) * multiplier))

	for period, limit := range m.cfg.PeriodLimits {
		current, err := m.periodAccumulated(ctx, period, userID)
		if err != nil {
			return 0, err
		}
		if current+effective > limit {
			return 0, gkerrors.NewLimitError(reason, period, limit, current)
		}
	}

	newBalance, err := m.Ctx.Storage.HIncrBy(ctx, m.balanceKey(), userID, effective)
	if err != nil {
		return 0, err
	}

	if err := m.logTransaction(ctx, userID, effective, reason, multiplier); err != nil {
		return newBalance, err
	}

	for _, period := range m.periods() {
		if _, err := m.Ctx.Storage.ZIncrBy(ctx, m.leaderboardKey(period), userID, float64(effective)); err != nil {
			return newBalance, err
		}
		if period != allTimePeriod {
			if err := m.bumpPeriodAccumulator(ctx, period, userID, effective); err != nil {
				return newBalance, err
			}
		}
	}

	if m.Ctx.Events != nil {
		_, _ = m.Ctx.Events.Emit(ctx, "points.awarded", map[string]interface{}{
			"userId": userID, "amount": effective, "reason": reason, "balance": newBalance,
		})
	}
	return newBalance, nil
}

// Deduct removes amount points from userID. It refuses the deduction
// entirely if the current balance is less than amount (core spec §4.7,
// §8 scenario 3: "balance unchanged"); otherwise it decrements the balance,
// clamping the result to Config.MinimumPoints before the leaderboard is
// updated.
func (m *Module) Deduct(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if userID == "" || amount <= 0 {
		return 0, gkerrors.ErrInvalidPoints
	}

	balance, err := m.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if amount > balance {
		return balance, gkerrors.NewInsufficientPointsError(balance, amount)
	}

	newBalance := balance - amount
	if newBalance < m.cfg.MinimumPoints {
		newBalance = m.cfg.MinimumPoints
	}
	delta := newBalance - balance

	updated, err := m.Ctx.Storage.HIncrBy(ctx, m.balanceKey(), userID, delta)
	if err != nil {
		return balance, err
	}
	if err := m.logTransaction(ctx, userID, delta, reason, 1); err != nil {
		return updated, err
	}
	for _, period := range m.periods() {
		if _, err := m.Ctx.Storage.ZIncrBy(ctx, m.leaderboardKey(period), userID, float64(delta)); err != nil {
			return updated, err
		}
	}

	if m.Ctx.Events != nil {
		_, _ = m.Ctx.Events.Emit(ctx, "points.deducted", map[string]interface{}{
			"userId": userID, "amount": -delta, "reason": reason, "balance": updated,
		})
	}
	return updated, nil
}

func (m *Module) logTransaction(ctx context.Context, userID string, amount int64, reason string, multiplier float64) error {
	tx := Transaction{UserID: userID, Amount: amount, Reason: reason, Multiplier: multiplier, Timestamp: m.clock().UnixMilli()}
	body, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	_, err = m.Ctx.Storage.RPush(ctx, m.txKey(userID), string(body))
	return err
}

func (m *Module) periodAccumulated(ctx context.Context, period, userID string) (int64, error) {
	v, ok, err := m.Ctx.Storage.Get(ctx, m.periodAccumKey(period, userID))
	if err != nil || !ok {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

func (m *Module) bumpPeriodAccumulator(ctx context.Context, period, userID string, delta int64) error {
	key := m.periodAccumKey(period, userID)
	_, existed, err := m.Ctx.Storage.Get(ctx, key)
	if err != nil {
		return err
	}
	if _, err := m.Ctx.Storage.Incr(ctx, key, delta); err != nil {
		return err
	}
	if !existed {
		if d, ok := m.cfg.PeriodDurations[period]; ok {
			return m.Ctx.Storage.Expire(ctx, key, d)
		}
	}
	return nil
}

// GetBalance returns userID's all-time balance, 0 if the user has never
// earned or been charged any points.
func (m *Module) GetBalance(ctx context.Context, userID string) (int64, error) {
	v, ok, err := m.Ctx.Storage.HGet(ctx, m.balanceKey(), userID)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, gkerrors.ErrNotNumeric
	}
	return n, nil
}

// GetTopUsers returns the top `limit` users of period, ranked descending.
func (m *Module) GetTopUsers(ctx context.Context, period string, limit int) ([]LeaderboardEntry, error) {
	scored, err := m.Ctx.Storage.ZRevRangeWithScores(ctx, m.leaderboardKey(period), 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]LeaderboardEntry, len(scored))
	for i, s := range scored {
		out[i] = LeaderboardEntry{UserID: s.Member, Score: s.Score, Rank: i + 1}
	}
	return out, nil
}

// GetUserRank returns userID's 0-indexed descending rank in period.
func (m *Module) GetUserRank(ctx context.Context, period, userID string) (int, bool, error) {
	return m.Ctx.Storage.ZRevRank(ctx, m.leaderboardKey(period), userID)
}

// GetTransactionHistory returns userID's most recent transactions, newest
// first, capped at limit.
func (m *Module) GetTransactionHistory(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	raw, err := m.Ctx.Storage.LRange(ctx, m.txKey(userID), -limit, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var tx Transaction
		if err := json.Unmarshal([]byte(raw[i]), &tx); err != nil {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// SetUserMultiplier sets a per-user multiplier applied to every future
// Award for that user, with an optional TTL (durationSec <= 0 persists
// until overwritten; core spec §4.7 "with optional TTL").
func (m *Module) SetUserMultiplier(ctx context.Context, userID string, multiplier float64, durationSec int) error {
	if multiplier <= 0 {
		return gkerrors.ErrInvalidMultiplier
	}
	key := m.userMultiplierKey(userID)
	value := strconv.FormatFloat(multiplier, 'f', -1, 64)
	if durationSec > 0 {
		return m.Ctx.Storage.SetTTL(ctx, key, value, time.Duration(durationSec)*time.Second)
	}
	return m.Ctx.Storage.Set(ctx, key, value)
}

// SetEventMultiplier sets the single global, time-bound multiplier applied
// to every future Award regardless of reason (core spec §4.7 "global,
// time-bound"); the TTL is mandatory.
func (m *Module) SetEventMultiplier(ctx context.Context, multiplier float64, durationSec int) error {
	if multiplier <= 0 {
		return gkerrors.ErrInvalidMultiplier
	}
	if durationSec <= 0 {
		return fmt.Errorf("%w: durationSec is required", gkerrors.ErrValidation)
	}
	value := strconv.FormatFloat(multiplier, 'f', -1, 64)
	return m.Ctx.Storage.SetTTL(ctx, m.eventMultiplierKey(), value, time.Duration(durationSec)*time.Second)
}

// resolveMultiplier computes the product of the five components named by
// core spec §4.7 step 1: global, reason-specific, weekend, per-user, and
// event-wide.
func (m *Module) resolveMultiplier(ctx context.Context, userID, reason string) (float64, error) {
	user, err := m.readMultiplier(ctx, m.userMultiplierKey(userID))
	if err != nil {
		return 0, err
	}
	event, err := m.readMultiplier(ctx, m.eventMultiplierKey())
	if err != nil {
		return 0, err
	}
	return m.globalMultiplier() * m.reasonMultiplier(reason) * m.weekendMultiplier() * user * event, nil
}

func (m *Module) globalMultiplier() float64 {
	if m.cfg.GlobalMultiplier <= 0 {
		return 1
	}
	return m.cfg.GlobalMultiplier
}

func (m *Module) reasonMultiplier(reason string) float64 {
	if v, ok := m.cfg.ReasonMultipliers[reason]; ok && v > 0 {
		return v
	}
	return 1
}

func (m *Module) weekendMultiplier() float64 {
	day := m.clock().Weekday()
	if day != time.Saturday && day != time.Sunday {
		return 1
	}
	if m.cfg.WeekendMultiplier <= 0 {
		return 1
	}
	return m.cfg.WeekendMultiplier
}

func (m *Module) readMultiplier(ctx context.Context, key string) (float64, error) {
	v, ok, err := m.Ctx.Storage.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 1, nil
	}
	return f, nil
}

// applyDecay reduces the balance of every user whose most recent
// transaction is older than Config.DecayDays by DecayRate, logging a
// synthetic "decay" transaction for each affected user (core spec §4.7
// "Decay job"). Deduct itself clamps the result to Config.MinimumPoints.
func (m *Module) applyDecay(ctx context.Context) {
	if m.cfg.DecayRate <= 0 {
		return
	}
	cutoff := time.Duration(m.cfg.DecayDays) * 24 * time.Hour

	balances, err := m.Ctx.Storage.HGetAll(ctx, m.balanceKey())
	if err != nil {
		m.Ctx.Logger.Error("points: decay tick failed to read balances", "error", err)
		return
	}
	for userID, raw := range balances {
		cur, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cur <= m.cfg.MinimumPoints {
			continue
		}

		if cutoff > 0 {
			lastTx, ok, err := m.lastTransactionTime(ctx, userID)
			if err != nil {
				m.Ctx.Logger.Error("points: decay tick failed to read last transaction", "userId", userID, "error", err)
				continue
			}
			if ok && m.clock().Sub(lastTx) < cutoff {
				continue
			}
		}

		loss := int64(math.Floor(float64(cur) * m.cfg.DecayRate))
		if loss <= 0 {
			continue
		}
		if _, err := m.Deduct(ctx, userID, loss, "decay"); err != nil {
			m.Ctx.Logger.Error("points: decay tick failed for user", "userId", userID, "error", err)
		}
	}
}

// lastTransactionTime returns the timestamp of userID's most recently
// logged transaction, since transactions are appended with RPush.
func (m *Module) lastTransactionTime(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := m.Ctx.Storage.LRange(ctx, m.txKey(userID), -1, -1)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(raw) == 0 {
		return time.Time{}, false, nil
	}
	var tx Transaction
	if err := json.Unmarshal([]byte(raw[0]), &tx); err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(tx.Timestamp), true, nil
}

// GetUserStats reports a user's all-time and per-period standing, per core
// spec §4.7: `{total, daily, weekly, monthly, rank, recentTransactions,
// limits:{daily/weekly/monthly:{limit,used,remaining}}}`.
func (m *Module) GetUserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	total, err := m.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	rank := -1
	if r, ok, err := m.GetUserRank(ctx, allTimePeriod, userID); err != nil {
		return nil, err
	} else if ok {
		rank = r + 1
	}

	recent, err := m.GetTransactionHistory(ctx, userID, 10)
	if err != nil {
		return nil, err
	}

	stats := map[string]interface{}{
		"total":              total,
		"rank":               rank,
		"recentTransactions": recent,
	}

	limits := make(map[string]interface{})
	for _, period := range []string{"daily", "weekly", "monthly"} {
		used, err := m.periodAccumulated(ctx, period, userID)
		if err != nil {
			return nil, err
		}
		stats[period] = used
		if limit, ok := m.cfg.PeriodLimits[period]; ok {
			remaining := limit - used
			if remaining < 0 {
				remaining = 0
			}
			limits[period] = map[string]interface{}{
				"limit":     limit,
				"used":      used,
				"remaining": remaining,
			}
		}
	}
	stats["limits"] = limits

	return stats, nil
}

// ResetUser clears userID's balance, transaction log, leaderboard entries,
// period accumulators, and per-user multiplier.
func (m *Module) ResetUser(ctx context.Context, userID string) error {
	if err := m.Ctx.Storage.HDel(ctx, m.balanceKey(), userID); err != nil {
		return err
	}
	if err := m.Ctx.Storage.Delete(ctx, m.userMultiplierKey(userID)); err != nil {
		return err
	}
	for {
		_, ok, err := m.Ctx.Storage.LPop(ctx, m.txKey(userID))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	for _, period := range m.periods() {
		if _, err := m.Ctx.Storage.ZRem(ctx, m.leaderboardKey(period), userID); err != nil {
			return err
		}
		if period != allTimePeriod {
			if err := m.Ctx.Storage.Delete(ctx, m.periodAccumKey(period, userID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shutdown cancels event subscriptions and stops the decay scheduler.
func (m *Module) Shutdown(ctx context.Context) error {
	for _, cancel := range m.unsub {
		cancel()
	}
	if m.cron != nil {
		stopCtx := m.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	return nil
}
