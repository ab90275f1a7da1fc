package protection

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"slotmesh/logger"
	"slotmesh/utils"
)

// nearPeakRatio 资金回到峰值的 99% 视为回撤结束
const nearPeakRatio = 0.99

// DrawdownSettings 回撤保护参数
type DrawdownSettings struct {
	Enabled            bool
	MaxPct             float64 // 比例，0.20 表示 20%
	MaxAbs             float64
	Lookback           time.Duration
	ProtectionDuration time.Duration
	MinObservations    int
}

// DefaultDrawdownSettings 默认参数
func DefaultDrawdownSettings() DrawdownSettings {
	return DrawdownSettings{
		Enabled:            true,
		MaxPct:             0.20,
		MaxAbs:             2000,
		Lookback:           24 * time.Hour,
		ProtectionDuration: 240 * time.Minute,
		MinObservations:    3,
	}
}

func normalizeDrawdownSettings(s DrawdownSettings) DrawdownSettings {
	def := DefaultDrawdownSettings()
	if s.MaxPct <= 0 {
		s.MaxPct = def.MaxPct
	}
	if s.MaxAbs <= 0 {
		s.MaxAbs = def.MaxAbs
	}
	if s.Lookback <= 0 {
		s.Lookback = def.Lookback
	}
	if s.ProtectionDuration <= 0 {
		s.ProtectionDuration = def.ProtectionDuration
	}
	if s.MinObservations <= 0 {
		s.MinObservations = def.MinObservations
	}
	return s
}

// Snapshot 某一时刻的回撤快照
type Snapshot struct {
	SlotID      string        `json:"slot_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Capital     float64       `json:"capital"`
	PeakCapital float64       `json:"peak_capital"`
	DrawdownAbs float64       `json:"drawdown_abs"`
	DrawdownPct float64       `json:"drawdown_pct"`
	Duration    time.Duration `json:"drawdown_duration"`
}

type capitalPoint struct {
	ts      time.Time
	capital float64
}

// capitalSeries 资金序列与历史峰值；裁剪历史不会重置峰值
type capitalSeries struct {
	history []capitalPoint
	peak    float64
}

func (s *capitalSeries) observe(capital float64, ts time.Time) {
	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		if last.ts.Equal(ts) && last.capital == capital {
			return
		}
	}
	s.history = append(s.history, capitalPoint{ts: ts, capital: capital})
	if capital > s.peak {
		s.peak = capital
	}
}

// prune 丢弃 cutoff 之前的点，始终保留最新一个
func (s *capitalSeries) prune(cutoff time.Time) int {
	n := len(s.history)
	if n <= 1 {
		return 0
	}
	i := 0
	for i < n-1 && !s.history[i].ts.After(cutoff) {
		i++
	}
	if i > 0 {
		s.history = append([]capitalPoint(nil), s.history[i:]...)
	}
	return i
}

func (s *capitalSeries) snapshot(slotID string) Snapshot {
	n := len(s.history)
	if n == 0 {
		return Snapshot{SlotID: slotID}
	}
	last := s.history[n-1]
	snap := Snapshot{
		SlotID:      slotID,
		Timestamp:   last.ts,
		Capital:     last.capital,
		PeakCapital: s.peak,
	}
	if s.peak > 0 && last.capital < s.peak {
		snap.DrawdownAbs = s.peak - last.capital
		snap.DrawdownPct = snap.DrawdownAbs / s.peak

		since := s.history[0].ts
		for i := n - 1; i >= 0; i-- {
			if s.history[i].capital >= s.peak*nearPeakRatio {
				since = s.history[i].ts
				break
			}
		}
		snap.Duration = last.ts.Sub(since)
	}
	return snap
}

// maxDrawdown 以窗口起点为初始峰值计算窗口内最大回撤比例
func (s *capitalSeries) maxDrawdown() float64 {
	if len(s.history) == 0 {
		return 0
	}
	peak := s.history[0].capital
	worst := 0.0
	for _, p := range s.history {
		if p.capital > peak {
			peak = p.capital
		}
		if peak > 0 {
			if dd := (peak - p.capital) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// DrawdownInfo 单个槽位的回撤视图
type DrawdownInfo struct {
	SlotID           string    `json:"slot_id"`
	Protected        bool      `json:"protected"`
	Reason           string    `json:"reason,omitempty"`
	ProtectionEnd    time.Time `json:"protection_end,omitempty"`
	RemainingMinutes int       `json:"remaining_minutes"`
	Current          Snapshot  `json:"current"`
	MaxDrawdownPct   float64   `json:"max_drawdown_pct"`
	Observations     int       `json:"observations"`
}

// PortfolioSummary 组合回撤总览
type PortfolioSummary struct {
	Enabled            bool       `json:"enabled"`
	TotalSlots         int        `json:"total_slots"`
	ProtectedSlots     []string   `json:"protected_slots"`
	GlobalProtection   bool       `json:"global_protection_active"`
	Global             Snapshot   `json:"global"`
	AverageDrawdownPct float64    `json:"average_drawdown_pct"`
	WorstSlots         []Snapshot `json:"worst_slots"`
}

// DrawdownGuard 回撤保护：跟踪各槽位与组合的资金峰值
type DrawdownGuard struct {
	mu       sync.Mutex
	settings DrawdownSettings
	clock    utils.Clock
	sink     Sink

	series      map[string]*capitalSeries
	protections map[string]Interval

	global           capitalSeries
	globalProtection bool
}

// NewDrawdownGuard 创建回撤保护
func NewDrawdownGuard(settings DrawdownSettings, clock utils.Clock, sink Sink) *DrawdownGuard {
	return &DrawdownGuard{
		settings:    normalizeDrawdownSettings(settings),
		clock:       utils.OrRealClock(clock),
		sink:        sink,
		series:      make(map[string]*capitalSeries),
		protections: make(map[string]Interval),
	}
}

// SetSettings 热更新参数
func (g *DrawdownGuard) SetSettings(settings DrawdownSettings) {
	g.mu.Lock()
	g.settings = normalizeDrawdownSettings(settings)
	g.mu.Unlock()
}

// validCapital 资金必须为非负有限值
func validCapital(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// UpdateCapital 记录槽位资金并在超过阈值时触发保护
func (g *DrawdownGuard) UpdateCapital(slotID string, capital float64, ts time.Time) (Snapshot, error) {
	if !validCapital(capital) {
		return Snapshot{}, fmt.Errorf("%w: 槽位 %s 资金 %v", ErrInvalidCapital, slotID, capital)
	}

	var out notices
	defer func() { out.flush(g.sink, SourceDrawdown) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if ts.IsZero() {
		ts = now
	}
	s, ok := g.series[slotID]
	if !ok {
		s = &capitalSeries{}
		g.series[slotID] = s
	}
	s.observe(capital, ts)
	s.prune(now.Add(-g.settings.Lookback))
	snap := s.snapshot(slotID)

	if !g.settings.Enabled || len(s.history) < g.settings.MinObservations {
		return snap, nil
	}
	if _, protected := g.protectionLocked(slotID, now, &out); protected {
		return snap, nil
	}

	var fired []string
	if snap.DrawdownPct > g.settings.MaxPct {
		fired = append(fired, fmt.Sprintf("回撤比例 %.2f%% > %.2f%%", snap.DrawdownPct*100, g.settings.MaxPct*100))
	}
	if snap.DrawdownAbs > g.settings.MaxAbs {
		fired = append(fired, fmt.Sprintf("回撤金额 %.2f > %.2f", snap.DrawdownAbs, g.settings.MaxAbs))
	}
	if len(fired) == 0 {
		return snap, nil
	}

	iv := Interval{
		SlotID:   slotID,
		Kind:     KindDrawdown,
		Start:    now,
		End:      now.Add(g.settings.ProtectionDuration),
		Reason:   strings.Join(fired, "; "),
		Priority: 2,
	}
	g.protections[slotID] = iv
	logger.Warn("📉 [回撤保护] 槽位 %s 暂停交易 %d 分钟: %s", slotID, minutes(g.settings.ProtectionDuration), iv.Reason)
	out.add(slotID, "drawdown_protection_triggered", iv.Reason, now)
	return snap, nil
}

// UpdateGlobalCapital 记录组合总资金，超过比例阈值时置位全局保护（需手动解除）
func (g *DrawdownGuard) UpdateGlobalCapital(total float64, ts time.Time) (Snapshot, error) {
	if !validCapital(total) {
		return Snapshot{}, fmt.Errorf("%w: 组合资金 %v", ErrInvalidCapital, total)
	}

	var out notices
	defer func() { out.flush(g.sink, SourceDrawdown) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if ts.IsZero() {
		ts = now
	}
	g.global.observe(total, ts)
	g.global.prune(now.Add(-g.settings.Lookback))
	snap := g.global.snapshot(GlobalSlotID)

	if g.settings.Enabled && !g.globalProtection && snap.DrawdownPct > g.settings.MaxPct {
		g.globalProtection = true
		details := fmt.Sprintf("组合回撤 %.2f%% > %.2f%% (峰值 %.2f, 当前 %.2f)",
			snap.DrawdownPct*100, g.settings.MaxPct*100, snap.PeakCapital, snap.Capital)
		logger.Error("🚨 [回撤保护] 全局回撤保护启动: %s", details)
		out.add(GlobalSlotID, "global_drawdown_critical", details, now)
	}
	return snap, nil
}

// GlobalProtectionActive 全局回撤保护是否生效
func (g *DrawdownGuard) GlobalProtectionActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settings.Enabled && g.globalProtection
}

// ClearGlobalProtection 解除全局回撤保护
func (g *DrawdownGuard) ClearGlobalProtection(reason string) bool {
	var out notices
	defer func() { out.flush(g.sink, SourceDrawdown) }()

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.globalProtection {
		return false
	}
	g.globalProtection = false
	logger.Info("🔓 [回撤保护] 全局回撤保护已解除: %s", reason)
	out.add(GlobalSlotID, "global_drawdown_protection_removed", reason, g.clock.Now())
	return true
}

func (g *DrawdownGuard) protectionLocked(slotID string, now time.Time, out *notices) (Interval, bool) {
	iv, ok := g.protections[slotID]
	if !ok {
		return Interval{}, false
	}
	if !iv.ActiveAt(now) {
		delete(g.protections, slotID)
		logger.Info("✅ [回撤保护] 槽位 %s 保护到期", slotID)
		out.add(slotID, "drawdown_protection_expired", iv.Reason, now)
		return Interval{}, false
	}
	return iv, true
}

// IsProtected 槽位是否处于回撤保护
func (g *DrawdownGuard) IsProtected(slotID string) bool {
	_, ok := g.Protection(slotID)
	return ok
}

// Protection 返回槽位生效中的保护区间
func (g *DrawdownGuard) Protection(slotID string) (Interval, bool) {
	var out notices
	defer func() { out.flush(g.sink, SourceDrawdown) }()

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.settings.Enabled {
		return Interval{}, false
	}
	return g.protectionLocked(slotID, g.clock.Now(), &out)
}

// Force 手动施加回撤保护
func (g *DrawdownGuard) Force(slotID string, duration time.Duration, reason string) error {
	if duration <= 0 {
		return ErrInvalidDuration
	}

	var out notices
	defer func() { out.flush(g.sink, SourceDrawdown) }()

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.settings.Enabled {
		return fmt.Errorf("%w: drawdown_guard", ErrGuardDisabled)
	}

	now := g.clock.Now()
	if reason == "" {
		reason = "手动保护"
	}
	g.protections[slotID] = Interval{
		SlotID:   slotID,
		Kind:     KindDrawdown,
		Start:    now,
		End:      now.Add(duration),
		Reason:   reason,
		Priority: 2,
	}
	logger.Warn("📉 [回撤保护] 槽位 %s 手动保护 %d 分钟: %s", slotID, minutes(duration), reason)
	out.add(slotID, "drawdown_protection_forced", reason, now)
	return nil
}

// Remove 解除回撤保护；没有生效中的保护时返回 false
func (g *DrawdownGuard) Remove(slotID string) bool {
	var out notices
	defer func() { out.flush(g.sink, SourceDrawdown) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if _, ok := g.protectionLocked(slotID, now, &out); !ok {
		return false
	}
	delete(g.protections, slotID)
	logger.Info("🔓 [回撤保护] 槽位 %s 保护已解除", slotID)
	out.add(slotID, "drawdown_protection_removed", "手动解除", now)
	return true
}

// MaxDrawdown 跟踪窗口内的最大回撤比例
func (g *DrawdownGuard) MaxDrawdown(slotID string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.series[slotID]
	if !ok {
		return 0, false
	}
	return s.maxDrawdown(), true
}

// Current 当前回撤快照
func (g *DrawdownGuard) Current(slotID string) (Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.series[slotID]
	if !ok {
		return Snapshot{SlotID: slotID}, false
	}
	return s.snapshot(slotID), true
}

// Info 返回槽位回撤信息
func (g *DrawdownGuard) Info(slotID string) DrawdownInfo {
	var out notices
	defer func() { out.flush(g.sink, SourceDrawdown) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	info := DrawdownInfo{SlotID: slotID}
	if iv, ok := g.protectionLocked(slotID, now, &out); ok && g.settings.Enabled {
		info.Protected = true
		info.Reason = iv.Reason
		info.ProtectionEnd = iv.End
		info.RemainingMinutes = minutes(iv.Remaining(now))
	}
	if s, ok := g.series[slotID]; ok {
		info.Current = s.snapshot(slotID)
		info.MaxDrawdownPct = s.maxDrawdown()
		info.Observations = len(s.history)
	} else {
		info.Current = Snapshot{SlotID: slotID}
	}
	return info
}

// PortfolioSummary 组合回撤总览，列出回撤最大的 5 个槽位
func (g *DrawdownGuard) PortfolioSummary() PortfolioSummary {
	protected := g.ProtectedSlots()

	g.mu.Lock()
	defer g.mu.Unlock()

	ps := PortfolioSummary{
		Enabled:          g.settings.Enabled,
		TotalSlots:       len(g.series),
		ProtectedSlots:   protected,
		GlobalProtection: g.settings.Enabled && g.globalProtection,
		Global:           g.global.snapshot(GlobalSlotID),
	}
	snaps := make([]Snapshot, 0, len(g.series))
	total := 0.0
	for id, s := range g.series {
		snap := s.snapshot(id)
		total += snap.DrawdownPct
		snaps = append(snaps, snap)
	}
	if len(snaps) > 0 {
		ps.AverageDrawdownPct = total / float64(len(snaps))
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].DrawdownPct != snaps[j].DrawdownPct {
			return snaps[i].DrawdownPct > snaps[j].DrawdownPct
		}
		return snaps[i].SlotID < snaps[j].SlotID
	})
	if len(snaps) > 5 {
		snaps = snaps[:5]
	}
	ps.WorstSlots = snaps
	return ps
}

// Prune 裁剪超出回看窗口的资金历史并清理到期保护，返回裁剪的点数
func (g *DrawdownGuard) Prune() int {
	var out notices
	defer func() { out.flush(g.sink, SourceDrawdown) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	cutoff := now.Add(-g.settings.Lookback)
	n := g.global.prune(cutoff)
	for _, s := range g.series {
		n += s.prune(cutoff)
	}
	for id := range g.protections {
		g.protectionLocked(id, now, &out)
	}
	return n
}

// TrackedSlots 有资金历史或保护记录的槽位
func (g *DrawdownGuard) TrackedSlots() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[string]struct{}, len(g.series)+len(g.protections))
	for id := range g.series {
		seen[id] = struct{}{}
	}
	for id := range g.protections {
		seen[id] = struct{}{}
	}
	return sortedKeys(seen)
}

// ProtectedSlots 处于回撤保护的槽位
func (g *DrawdownGuard) ProtectedSlots() []string {
	var out notices
	defer func() { out.flush(g.sink, SourceDrawdown) }()

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.settings.Enabled {
		return nil
	}
	now := g.clock.Now()
	var ids []string
	for id := range g.protections {
		if _, ok := g.protectionLocked(id, now, &out); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
