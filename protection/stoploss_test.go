package protection

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotmesh/utils"
)

func newStoploss(mutate func(*StoplossSettings)) (*StoplossGuard, *utils.FakeClock, *recordingSink) {
	s := DefaultStoplossSettings()
	if mutate != nil {
		mutate(&s)
	}
	clock := utils.NewFakeClock(t0)
	sink := &recordingSink{}
	return NewStoplossGuard(s, clock, sink), clock, sink
}

func registerLoss(g *StoplossGuard, clock *utils.FakeClock, slotID string, n int) {
	for i := 0; i < n; i++ {
		g.RegisterEvent(slotID, "ETHUSDT", 20, -0.02, fmt.Sprintf("%s-%d-%d", slotID, clock.Now().Unix(), i), time.Time{})
		clock.Advance(time.Minute)
	}
}

func TestStoplossTriggersAtTradeLimit(t *testing.T) {
	g, clock, sink := newStoploss(nil)

	registerLoss(g, clock, "slot_1", 3)
	assert.False(t, g.IsProtected("slot_1"))
	assert.Len(t, g.RecentEvents("slot_1"), 3)

	start := clock.Now()
	require.True(t, g.RegisterEvent("slot_1", "ETHUSDT", 20, -0.02, "t4", time.Time{}))
	iv, ok := g.Protection("slot_1")
	require.True(t, ok)
	assert.Equal(t, start, iv.Start)
	assert.Equal(t, start.Add(60*time.Minute), iv.End)
	assert.Contains(t, iv.Reason, "4 次止损")
	assert.Equal(t, 1, sink.count("stoploss_protection_triggered"))

	clock.Set(iv.End.Add(-time.Nanosecond))
	assert.True(t, g.IsProtected("slot_1"))
	clock.Set(iv.End)
	assert.False(t, g.IsProtected("slot_1"))
	assert.Equal(t, 1, sink.count("stoploss_protection_expired"))
}

func TestStoplossIgnoresNonQualifyingEvents(t *testing.T) {
	g, _, _ := newStoploss(nil)

	assert.False(t, g.RegisterEvent("slot_1", "BTCUSDT", 5, -0.005, "small", time.Time{}))
	assert.False(t, g.RegisterEvent("slot_1", "BTCUSDT", 5, 0.02, "profit", time.Time{}))
	assert.False(t, g.RegisterEvent("slot_1", "BTCUSDT", 5, -0.0099, "under", time.Time{}))
	assert.True(t, g.RegisterEvent("slot_1", "BTCUSDT", 10, -0.01, "exact", time.Time{}))
	assert.Len(t, g.RecentEvents("slot_1"), 1)
}

func TestStoplossDuplicateTradeIgnored(t *testing.T) {
	g, _, _ := newStoploss(nil)

	assert.True(t, g.RegisterEvent("slot_1", "BTCUSDT", 10, -0.03, "dup", time.Time{}))
	assert.False(t, g.RegisterEvent("slot_1", "BTCUSDT", 10, -0.03, "dup", time.Time{}))
	assert.Len(t, g.RecentEvents("slot_1"), 1)
}

func TestStoplossDuplicateWithoutTradeID(t *testing.T) {
	g, _, _ := newStoploss(nil)
	closed := t0.Add(-5 * time.Minute)

	assert.True(t, g.RegisterEvent("slot_1", "BTCUSDT", 10, -0.03, "", closed))
	assert.False(t, g.RegisterEvent("slot_1", "BTCUSDT", 10, -0.03, "", closed))
	// 平仓时间或收益率不同则视为另一笔交易
	assert.True(t, g.RegisterEvent("slot_1", "BTCUSDT", 10, -0.03, "", closed.Add(time.Second)))
	assert.True(t, g.RegisterEvent("slot_1", "BTCUSDT", 12, -0.031, "", closed))
	assert.Len(t, g.RecentEvents("slot_1"), 3)
}

func TestStoplossLookbackWindow(t *testing.T) {
	g, clock, _ := newStoploss(nil)

	registerLoss(g, clock, "slot_1", 3)
	clock.Advance(60 * time.Minute)
	registerLoss(g, clock, "slot_1", 1)

	assert.False(t, g.IsProtected("slot_1"))
	assert.Len(t, g.RecentEvents("slot_1"), 1)
}

func TestStoplossDisabled(t *testing.T) {
	g, clock, _ := newStoploss(func(s *StoplossSettings) { s.Enabled = false })

	registerLoss(g, clock, "slot_1", 5)
	assert.False(t, g.IsProtected("slot_1"))
	assert.ErrorIs(t, g.Force("slot_1", time.Minute, ""), ErrGuardDisabled)
}

func TestStoplossForceAndRemove(t *testing.T) {
	g, _, sink := newStoploss(nil)

	assert.ErrorIs(t, g.Force("slot_1", 0, ""), ErrInvalidDuration)
	require.NoError(t, g.Force("slot_1", 10*time.Minute, "人工干预"))
	assert.True(t, g.IsProtected("slot_1"))
	assert.Equal(t, []string{"slot_1"}, g.ProtectedSlots())
	assert.Equal(t, []string{"slot_1"}, g.TrackedSlots())

	assert.True(t, g.Remove("slot_1"))
	assert.False(t, g.Remove("slot_1"))
	assert.Equal(t, 1, sink.count("stoploss_protection_removed"))
}

func TestStoplossCleanup(t *testing.T) {
	g, clock, _ := newStoploss(nil)

	registerLoss(g, clock, "slot_1", 2)
	clock.Advance(25 * time.Hour)
	registerLoss(g, clock, "slot_2", 1)

	assert.Equal(t, 2, g.Cleanup())
	assert.Equal(t, []string{"slot_2"}, g.TrackedSlots())
}

func TestStoplossInfoAndSummary(t *testing.T) {
	g, clock, _ := newStoploss(func(s *StoplossSettings) { s.TradeLimit = 10 })

	registerLoss(g, clock, "slot_1", 7)
	info := g.Info("slot_1")
	assert.False(t, info.Protected)
	assert.Equal(t, 7, info.RecentCount)
	assert.InDelta(t, 140.0, info.RecentLossAbs, 1e-9)
	assert.InDelta(t, 0.14, info.RecentLossPct, 1e-9)
	assert.Len(t, info.LastEvents, 5)
	assert.Equal(t, 10, info.TradeLimit)

	s := g.Summary()
	assert.True(t, s.Enabled)
	assert.Equal(t, 1, s.TrackedSlots)
	assert.Equal(t, 7, s.Events24h)
	assert.InDelta(t, 140.0, s.LossAbs24h, 1e-9)
}
