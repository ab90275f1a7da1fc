package protection

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"slotmesh/logger"
	"slotmesh/utils"
)

// StoplossSettings 止损保护参数
type StoplossSettings struct {
	Enabled            bool
	TradeLimit         int
	Lookback           time.Duration
	ProtectionDuration time.Duration
	MinLossThreshold   float64 // 亏损幅度（比例）低于该值的事件不计入
	ProfitLimit        float64 // 收益率必须不高于该值（负数）才算真实亏损
	CleanupHorizon     time.Duration
}

// DefaultStoplossSettings 默认参数
func DefaultStoplossSettings() StoplossSettings {
	return StoplossSettings{
		Enabled:            true,
		TradeLimit:         4,
		Lookback:           60 * time.Minute,
		ProtectionDuration: 60 * time.Minute,
		MinLossThreshold:   0.01,
		ProfitLimit:        -0.005,
		CleanupHorizon:     24 * time.Hour,
	}
}

func normalizeStoplossSettings(s StoplossSettings) StoplossSettings {
	def := DefaultStoplossSettings()
	if s.TradeLimit <= 0 {
		s.TradeLimit = def.TradeLimit
	}
	if s.Lookback <= 0 {
		s.Lookback = def.Lookback
	}
	if s.ProtectionDuration <= 0 {
		s.ProtectionDuration = def.ProtectionDuration
	}
	if s.MinLossThreshold < 0 {
		s.MinLossThreshold = def.MinLossThreshold
	}
	if s.CleanupHorizon < s.Lookback {
		s.CleanupHorizon = def.CleanupHorizon
		if s.CleanupHorizon < s.Lookback {
			s.CleanupHorizon = s.Lookback
		}
	}
	return s
}

// StoplossEvent 一次计入的止损
type StoplossEvent struct {
	SlotID    string    `json:"slot_id"`
	Pair      string    `json:"pair"`
	Timestamp time.Time `json:"timestamp"`
	LossPct   float64   `json:"loss_pct"` // 亏损幅度，正数
	LossAbs   float64   `json:"loss_abs"`
	TradeID   string    `json:"trade_id"`

	key string // 去重键，无 trade_id 时由 pair|closed_at|profit_pct 组成
}

// dedupKey 无 trade_id 的交易用交易对、平仓时间和收益率识别
func dedupKey(tradeID, pair string, ts time.Time, profitPct float64) string {
	if tradeID != "" {
		return "id:" + tradeID
	}
	return fmt.Sprintf("%s|%d|%s", pair, ts.UnixNano(), strconv.FormatFloat(profitPct, 'g', -1, 64))
}

// StoplossInfo 单个槽位的止损保护视图
type StoplossInfo struct {
	SlotID           string          `json:"slot_id"`
	Protected        bool            `json:"protected"`
	Reason           string          `json:"reason,omitempty"`
	ProtectionEnd    time.Time       `json:"protection_end,omitempty"`
	RemainingMinutes int             `json:"remaining_minutes"`
	RecentCount      int             `json:"recent_stoplosses"`
	TradeLimit       int             `json:"trade_limit"`
	RecentLossAbs    float64         `json:"recent_loss_abs"`
	RecentLossPct    float64         `json:"recent_loss_pct"`
	LastEvents       []StoplossEvent `json:"last_events"`
}

// StoplossSummary 止损保护总览
type StoplossSummary struct {
	Enabled        bool     `json:"enabled"`
	TrackedSlots   int      `json:"tracked_slots"`
	ProtectedSlots []string `json:"protected_slots"`
	Events24h      int      `json:"stoplosses_24h"`
	LossAbs24h     float64  `json:"loss_abs_24h"`
}

// StoplossGuard 止损保护：回看窗口内止损次数达到阈值时暂停槽位
type StoplossGuard struct {
	mu       sync.Mutex
	settings StoplossSettings
	clock    utils.Clock
	sink     Sink

	events      map[string][]StoplossEvent
	protections map[string]Interval
}

// NewStoplossGuard 创建止损保护
func NewStoplossGuard(settings StoplossSettings, clock utils.Clock, sink Sink) *StoplossGuard {
	return &StoplossGuard{
		settings:    normalizeStoplossSettings(settings),
		clock:       utils.OrRealClock(clock),
		sink:        sink,
		events:      make(map[string][]StoplossEvent),
		protections: make(map[string]Interval),
	}
}

// SetSettings 热更新参数
func (g *StoplossGuard) SetSettings(settings StoplossSettings) {
	g.mu.Lock()
	g.settings = normalizeStoplossSettings(settings)
	g.mu.Unlock()
}

// qualifies 收益率为带符号比例，必须是真实亏损且幅度达到阈值
func (s StoplossSettings) qualifies(profitPct float64) bool {
	if profitPct > s.ProfitLimit {
		return false
	}
	return math.Abs(profitPct) >= s.MinLossThreshold
}

// RegisterEvent 登记一笔止损平仓。返回事件是否被计入。
// 相同 trade_id（无 id 时为交易对、平仓时间与收益率）的重复登记会被忽略。
func (g *StoplossGuard) RegisterEvent(slotID, pair string, lossAbs, profitPct float64, tradeID string, ts time.Time) bool {
	var out notices
	defer func() { out.flush(g.sink, SourceStoploss) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.settings.Enabled {
		return false
	}
	if !g.settings.qualifies(profitPct) {
		logger.Debug("[止损保护] 槽位 %s 交易 %s 收益率 %.4f 不计入", slotID, tradeID, profitPct)
		return false
	}
	key := dedupKey(tradeID, pair, ts, profitPct)
	for _, e := range g.events[slotID] {
		if e.key == key {
			return false
		}
	}

	now := g.clock.Now()
	if ts.IsZero() {
		ts = now
	}
	g.events[slotID] = append(g.events[slotID], StoplossEvent{
		SlotID:    slotID,
		Pair:      pair,
		Timestamp: ts,
		LossPct:   math.Abs(profitPct),
		LossAbs:   math.Abs(lossAbs),
		TradeID:   tradeID,
		key:       key,
	})
	logger.Info("📉 [止损保护] 槽位 %s 记录止损 %s: %.2f%% (%.2f)", slotID, pair, math.Abs(profitPct)*100, math.Abs(lossAbs))

	if _, protected := g.protectionLocked(slotID, now, &out); protected {
		return true
	}

	recent := g.recentLocked(slotID, now)
	if len(recent) < g.settings.TradeLimit {
		return true
	}

	iv := Interval{
		SlotID:   slotID,
		Kind:     KindStoploss,
		Start:    now,
		End:      now.Add(g.settings.ProtectionDuration),
		Reason:   fmt.Sprintf("%d 分钟内 %d 次止损（阈值 %d）", minutes(g.settings.Lookback), len(recent), g.settings.TradeLimit),
		Priority: 2,
	}
	g.protections[slotID] = iv
	logger.Warn("🛑 [止损保护] 槽位 %s 暂停交易 %d 分钟: %s", slotID, minutes(g.settings.ProtectionDuration), iv.Reason)
	out.add(slotID, "stoploss_protection_triggered", iv.Reason, now)
	return true
}

func (g *StoplossGuard) recentLocked(slotID string, now time.Time) []StoplossEvent {
	cutoff := now.Add(-g.settings.Lookback)
	var recent []StoplossEvent
	for _, e := range g.events[slotID] {
		if e.Timestamp.After(cutoff) {
			recent = append(recent, e)
		}
	}
	return recent
}

func (g *StoplossGuard) protectionLocked(slotID string, now time.Time, out *notices) (Interval, bool) {
	iv, ok := g.protections[slotID]
	if !ok {
		return Interval{}, false
	}
	if !iv.ActiveAt(now) {
		delete(g.protections, slotID)
		logger.Info("✅ [止损保护] 槽位 %s 保护到期", slotID)
		out.add(slotID, "stoploss_protection_expired", iv.Reason, now)
		return Interval{}, false
	}
	return iv, true
}

// RecentEvents 回看窗口内的止损事件
func (g *StoplossGuard) RecentEvents(slotID string) []StoplossEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recentLocked(slotID, g.clock.Now())
}

// IsProtected 槽位是否处于止损保护
func (g *StoplossGuard) IsProtected(slotID string) bool {
	_, ok := g.Protection(slotID)
	return ok
}

// Protection 返回槽位生效中的保护区间
func (g *StoplossGuard) Protection(slotID string) (Interval, bool) {
	var out notices
	defer func() { out.flush(g.sink, SourceStoploss) }()

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.settings.Enabled {
		return Interval{}, false
	}
	return g.protectionLocked(slotID, g.clock.Now(), &out)
}

// Force 手动施加止损保护，覆盖已有区间
func (g *StoplossGuard) Force(slotID string, duration time.Duration, reason string) error {
	if duration <= 0 {
		return ErrInvalidDuration
	}

	var out notices
	defer func() { out.flush(g.sink, SourceStoploss) }()

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.settings.Enabled {
		return fmt.Errorf("%w: stoploss_guard", ErrGuardDisabled)
	}

	now := g.clock.Now()
	if reason == "" {
		reason = "手动保护"
	}
	g.protections[slotID] = Interval{
		SlotID:   slotID,
		Kind:     KindStoploss,
		Start:    now,
		End:      now.Add(duration),
		Reason:   reason,
		Priority: 2,
	}
	logger.Warn("🛑 [止损保护] 槽位 %s 手动保护 %d 分钟: %s", slotID, minutes(duration), reason)
	out.add(slotID, "stoploss_protection_forced", reason, now)
	return nil
}

// Remove 解除止损保护；没有生效中的保护时返回 false
func (g *StoplossGuard) Remove(slotID string) bool {
	var out notices
	defer func() { out.flush(g.sink, SourceStoploss) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if _, ok := g.protectionLocked(slotID, now, &out); !ok {
		return false
	}
	delete(g.protections, slotID)
	logger.Info("🔓 [止损保护] 槽位 %s 保护已解除", slotID)
	out.add(slotID, "stoploss_protection_removed", "手动解除", now)
	return true
}

// Cleanup 清除超过保留期的事件与已到期的保护，返回清除的事件数
func (g *StoplossGuard) Cleanup() int {
	var out notices
	defer func() { out.flush(g.sink, SourceStoploss) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	cutoff := now.Add(-g.settings.CleanupHorizon)
	removed := 0
	for slotID, events := range g.events {
		kept := events[:0]
		for _, e := range events {
			if e.Timestamp.After(cutoff) {
				kept = append(kept, e)
			}
		}
		removed += len(events) - len(kept)
		if len(kept) == 0 {
			delete(g.events, slotID)
		} else {
			g.events[slotID] = kept
		}
	}
	for slotID := range g.protections {
		g.protectionLocked(slotID, now, &out)
	}
	if removed > 0 {
		logger.Debug("[止损保护] 清理了 %d 条过期止损事件", removed)
	}
	return removed
}

// Info 返回槽位止损信息
func (g *StoplossGuard) Info(slotID string) StoplossInfo {
	var out notices
	defer func() { out.flush(g.sink, SourceStoploss) }()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	info := StoplossInfo{SlotID: slotID, TradeLimit: g.settings.TradeLimit}
	if iv, ok := g.protectionLocked(slotID, now, &out); ok && g.settings.Enabled {
		info.Protected = true
		info.Reason = iv.Reason
		info.ProtectionEnd = iv.End
		info.RemainingMinutes = minutes(iv.Remaining(now))
	}
	recent := g.recentLocked(slotID, now)
	info.RecentCount = len(recent)
	for _, e := range recent {
		info.RecentLossAbs += e.LossAbs
		info.RecentLossPct += e.LossPct
	}
	all := g.events[slotID]
	start := len(all) - 5
	if start < 0 {
		start = 0
	}
	info.LastEvents = append([]StoplossEvent(nil), all[start:]...)
	return info
}

// Summary 返回止损保护总览
func (g *StoplossGuard) Summary() StoplossSummary {
	protected := g.ProtectedSlots()

	g.mu.Lock()
	defer g.mu.Unlock()

	s := StoplossSummary{
		Enabled:        g.settings.Enabled,
		TrackedSlots:   len(g.trackedLocked()),
		ProtectedSlots: protected,
	}
	cutoff := g.clock.Now().Add(-24 * time.Hour)
	for _, events := range g.events {
		for _, e := range events {
			if e.Timestamp.After(cutoff) {
				s.Events24h++
				s.LossAbs24h += e.LossAbs
			}
		}
	}
	return s
}

func (g *StoplossGuard) trackedLocked() []string {
	seen := make(map[string]struct{}, len(g.events)+len(g.protections))
	for id := range g.events {
		seen[id] = struct{}{}
	}
	for id := range g.protections {
		seen[id] = struct{}{}
	}
	return sortedKeys(seen)
}

// TrackedSlots 有止损事件或保护记录的槽位
func (g *StoplossGuard) TrackedSlots() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trackedLocked()
}

// ProtectedSlots 处于止损保护的槽位
func (g *StoplossGuard) ProtectedSlots() []string {
	var out notices
	defer func() { out.flush(g.sink, SourceStoploss) }()

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

func sortedKeys(m map[string]struct{}) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
