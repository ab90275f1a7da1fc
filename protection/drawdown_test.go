package protection

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotmesh/utils"
)

func newDrawdown(mutate func(*DrawdownSettings)) (*DrawdownGuard, *utils.FakeClock, *recordingSink) {
	s := DefaultDrawdownSettings()
	if mutate != nil {
		mutate(&s)
	}
	clock := utils.NewFakeClock(t0)
	sink := &recordingSink{}
	return NewDrawdownGuard(s, clock, sink), clock, sink
}

func feed(t *testing.T, g *DrawdownGuard, clock *utils.FakeClock, slotID string, capitals ...float64) Snapshot {
	t.Helper()
	var snap Snapshot
	for _, c := range capitals {
		var err error
		snap, err = g.UpdateCapital(slotID, c, time.Time{})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	return snap
}

func TestDrawdownMaxMatchesRunningPeak(t *testing.T) {
	g, clock, _ := newDrawdown(func(s *DrawdownSettings) {
		s.MaxPct = 0.9
		s.MaxAbs = 1e9
	})

	series := []float64{1000, 1100, 900, 1200, 1000, 1300, 1250, 700, 800}
	feed(t, g, clock, "slot_1", series...)

	peak, want := series[0], 0.0
	for _, c := range series {
		if c > peak {
			peak = c
		}
		if dd := (peak - c) / peak; dd > want {
			want = dd
		}
	}

	got, ok := g.MaxDrawdown("slot_1")
	require.True(t, ok)
	assert.InDelta(t, want, got, 1e-12)
	assert.InDelta(t, 600.0/1300.0, got, 1e-12)
	assert.False(t, g.IsProtected("slot_1"))
}

func TestDrawdownTriggersOnPercentOnly(t *testing.T) {
	g, clock, sink := newDrawdown(func(s *DrawdownSettings) { s.MaxAbs = 1e9 })

	snap := feed(t, g, clock, "slot_1", 1000, 1000, 790)
	assert.InDelta(t, 0.21, snap.DrawdownPct, 1e-12)
	assert.InDelta(t, 210.0, snap.DrawdownAbs, 1e-12)
	assert.Equal(t, 1000.0, snap.PeakCapital)

	iv, ok := g.Protection("slot_1")
	require.True(t, ok)
	assert.Contains(t, iv.Reason, "回撤比例")
	assert.NotContains(t, iv.Reason, "回撤金额")
	assert.Equal(t, 240*time.Minute, iv.End.Sub(iv.Start))
	assert.Equal(t, 1, sink.count("drawdown_protection_triggered"))
}

func TestDrawdownTriggersOnAbsoluteOnly(t *testing.T) {
	g, clock, _ := newDrawdown(func(s *DrawdownSettings) {
		s.MaxPct = 0.9
		s.MaxAbs = 100
	})

	feed(t, g, clock, "slot_1", 10000, 10000, 9850)
	iv, ok := g.Protection("slot_1")
	require.True(t, ok)
	assert.Contains(t, iv.Reason, "回撤金额")
	assert.NotContains(t, iv.Reason, "回撤比例")
}

func TestDrawdownThresholdIsStrict(t *testing.T) {
	g, clock, _ := newDrawdown(nil)
	snap := feed(t, g, clock, "slot_1", 1000, 1000, 800)
	assert.Equal(t, 0.2, snap.DrawdownPct)
	assert.False(t, g.IsProtected("slot_1"))
}

func TestDrawdownMinObservations(t *testing.T) {
	g, clock, _ := newDrawdown(nil)

	feed(t, g, clock, "slot_1", 1000, 700)
	assert.False(t, g.IsProtected("slot_1"))

	feed(t, g, clock, "slot_1", 700)
	assert.True(t, g.IsProtected("slot_1"))
}

func TestDrawdownSkipsIdenticalObservation(t *testing.T) {
	g, _, _ := newDrawdown(nil)

	for i := 0; i < 3; i++ {
		_, err := g.UpdateCapital("slot_1", 500, t0)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, g.Info("slot_1").Observations)
}

func TestDrawdownRejectsNegativeCapital(t *testing.T) {
	g, _, _ := newDrawdown(nil)
	_, err := g.UpdateCapital("slot_1", -1, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidCapital)
	_, err = g.UpdateGlobalCapital(-1, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidCapital)
	assert.Empty(t, g.TrackedSlots())
}

func TestDrawdownRejectsNonFiniteCapital(t *testing.T) {
	g, clock, _ := newDrawdown(nil)
	feed(t, g, clock, "slot_1", 1000)
	_, err := g.UpdateGlobalCapital(1000, time.Time{})
	require.NoError(t, err)

	for _, bad := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err := g.UpdateCapital("slot_1", bad, time.Time{})
		assert.ErrorIs(t, err, ErrInvalidCapital)
		_, err = g.UpdateGlobalCapital(bad, time.Time{})
		assert.ErrorIs(t, err, ErrInvalidCapital)
	}

	snap := feed(t, g, clock, "slot_1", 900)
	assert.Equal(t, 1000.0, snap.PeakCapital)
	assert.InDelta(t, 0.1, snap.DrawdownPct, 1e-9)
	assert.False(t, g.GlobalProtectionActive())
}

func TestDrawdownDuration(t *testing.T) {
	g, clock, _ := newDrawdown(func(s *DrawdownSettings) { s.MaxPct = 0.9; s.MaxAbs = 1e9 })

	feed(t, g, clock, "slot_1", 1000, 995, 950, 900)
	snap, ok := g.Current("slot_1")
	require.True(t, ok)
	// 995 仍在峰值 99% 以内，回撤从第二个点开始计时
	assert.Equal(t, 2*time.Minute, snap.Duration)
}

func TestDrawdownPruneKeepsPeak(t *testing.T) {
	g, clock, _ := newDrawdown(func(s *DrawdownSettings) {
		s.Lookback = time.Hour
		s.MaxPct = 0.9
		s.MaxAbs = 1e9
	})

	feed(t, g, clock, "slot_1", 2000)
	clock.Advance(2 * time.Hour)
	snap := feed(t, g, clock, "slot_1", 1500)

	assert.Equal(t, 2000.0, snap.PeakCapital)
	assert.InDelta(t, 0.25, snap.DrawdownPct, 1e-12)
	assert.Equal(t, 1, g.Info("slot_1").Observations)
}

func TestDrawdownGlobalProtectionSticky(t *testing.T) {
	g, clock, sink := newDrawdown(nil)

	_, err := g.UpdateGlobalCapital(10000, time.Time{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = g.UpdateGlobalCapital(7900, time.Time{})
	require.NoError(t, err)
	assert.True(t, g.GlobalProtectionActive())
	assert.Equal(t, 1, sink.count("global_drawdown_critical"))

	clock.Advance(time.Minute)
	_, err = g.UpdateGlobalCapital(10000, time.Time{})
	require.NoError(t, err)
	assert.True(t, g.GlobalProtectionActive())

	assert.True(t, g.ClearGlobalProtection("人工确认"))
	assert.False(t, g.ClearGlobalProtection("人工确认"))
	assert.False(t, g.GlobalProtectionActive())
}

func TestDrawdownForceRemove(t *testing.T) {
	g, _, _ := newDrawdown(nil)

	require.NoError(t, g.Force("slot_1", time.Hour, ""))
	assert.True(t, g.IsProtected("slot_1"))
	assert.True(t, g.Remove("slot_1"))
	assert.False(t, g.Remove("slot_1"))
}

func TestDrawdownPortfolioSummary(t *testing.T) {
	g, clock, _ := newDrawdown(func(s *DrawdownSettings) { s.MaxPct = 0.9; s.MaxAbs = 1e9 })

	for i := 1; i <= 7; i++ {
		_, err := g.UpdateCapital(fmt.Sprintf("slot_%d", i), 1000, time.Time{})
		require.NoError(t, err)
	}
	clock.Advance(time.Minute)
	for i := 1; i <= 7; i++ {
		_, err := g.UpdateCapital(fmt.Sprintf("slot_%d", i), 1000-float64(i*10), time.Time{})
		require.NoError(t, err)
	}

	ps := g.PortfolioSummary()
	assert.Equal(t, 7, ps.TotalSlots)
	require.Len(t, ps.WorstSlots, 5)
	assert.Equal(t, "slot_7", ps.WorstSlots[0].SlotID)
	assert.Equal(t, "slot_3", ps.WorstSlots[4].SlotID)
	assert.InDelta(t, 0.04, ps.AverageDrawdownPct, 1e-12)
}
