package protection

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"slotmesh/config"
	"slotmesh/logger"
	"slotmesh/metrics"
	"slotmesh/utils"
)

// stoplossExitReasons 计入止损保护的平仓原因
var stoplossExitReasons = map[string]struct{}{
	"stoploss":           {},
	"stop_loss":          {},
	"trailing_stop_loss": {},
}

// Settings 保护管理器参数
type Settings struct {
	Stoploss                  StoplossSettings
	Drawdown                  DrawdownSettings
	Cooldown                  CooldownSettings
	CooldownEnabled           bool
	GlobalProtectionThreshold float64
	EmergencyStopEnabled      bool
	EmergencyCooldown         time.Duration
	EventLogSize              int
	MaintenanceInterval       time.Duration
	StopTimeout               time.Duration
}

// DefaultSettings 默认参数
func DefaultSettings() Settings {
	return Settings{
		Stoploss:                  DefaultStoplossSettings(),
		Drawdown:                  DefaultDrawdownSettings(),
		Cooldown:                  DefaultCooldownSettings(),
		CooldownEnabled:           true,
		GlobalProtectionThreshold: 0.3,
		EmergencyStopEnabled:      true,
		EmergencyCooldown:         60 * time.Minute,
		EventLogSize:              1000,
		MaintenanceInterval:       time.Minute,
		StopTimeout:               5 * time.Second,
	}
}

// SettingsFromConfig 从配置构建参数（配置已经过 Validate）
func SettingsFromConfig(cfg config.ProtectionConfig) Settings {
	sg, dg, cd := cfg.StoplossGuard, cfg.DrawdownGuard, cfg.Cooldown

	defaults := make(map[CooldownReason]time.Duration, len(cd.DefaultDurationsMinutes))
	for name, m := range cd.DefaultDurationsMinutes {
		defaults[CooldownReason(name)] = time.Duration(m) * time.Minute
	}

	s := DefaultSettings()
	s.Stoploss = StoplossSettings{
		Enabled:            sg.Enabled,
		TradeLimit:         sg.TradeLimit,
		Lookback:           time.Duration(sg.LookbackPeriodMinutes) * time.Minute,
		ProtectionDuration: time.Duration(sg.ProtectionDurationMinutes) * time.Minute,
		MinLossThreshold:   sg.MinLossThreshold,
		ProfitLimit:        sg.ProfitLimit,
		CleanupHorizon:     time.Duration(sg.CleanupHorizonHours) * time.Hour,
	}
	s.Drawdown = DrawdownSettings{
		Enabled:            dg.Enabled,
		MaxPct:             dg.MaxDrawdownPct,
		MaxAbs:             dg.MaxDrawdownAbs,
		Lookback:           time.Duration(dg.LookbackPeriodHours) * time.Hour,
		ProtectionDuration: time.Duration(dg.ProtectionDurationMinutes) * time.Minute,
		MinObservations:    dg.MinTradesForProtection,
	}
	s.Cooldown = CooldownSettings{
		MaxDuration:   time.Duration(cd.MaxDurationHours) * time.Hour,
		MaxConcurrent: cd.MaxConcurrent,
		AutoExtend:    cd.AutoExtendOnRepeat,
		HistorySize:   cd.HistorySize,
		Defaults:      defaults,
	}
	s.CooldownEnabled = cd.Enabled
	s.GlobalProtectionThreshold = cfg.GlobalProtectionThreshold
	s.EmergencyStopEnabled = cfg.EmergencyStopEnabled
	s.EmergencyCooldown = time.Duration(cfg.EmergencyCooldownMinutes) * time.Minute
	s.EventLogSize = cfg.EventLogSize
	s.MaintenanceInterval = time.Duration(cfg.MaintenanceIntervalSec) * time.Second
	return s
}

func normalizeSettings(s Settings) Settings {
	def := DefaultSettings()
	if s.GlobalProtectionThreshold <= 0 {
		s.GlobalProtectionThreshold = def.GlobalProtectionThreshold
	}
	if s.EmergencyCooldown <= 0 {
		s.EmergencyCooldown = def.EmergencyCooldown
	}
	if s.EventLogSize <= 0 {
		s.EventLogSize = def.EventLogSize
	}
	if s.MaintenanceInterval <= 0 {
		s.MaintenanceInterval = def.MaintenanceInterval
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = def.StopTimeout
	}
	return s
}

// Trade 已平仓交易
type Trade struct {
	ID         string    `json:"trade_id"`
	Pair       string    `json:"pair"`
	ExitReason string    `json:"exit_reason"`
	ProfitAbs  float64   `json:"profit_abs"`
	ProfitPct  float64   `json:"profit_pct"` // 带符号比例，-0.02 表示亏损 2%
	ClosedAt   time.Time `json:"closed_at"`
}

// IsStoploss 是否为止损类平仓
func (t Trade) IsStoploss() bool {
	_, ok := stoplossExitReasons[strings.ToLower(t.ExitReason)]
	return ok
}

// GuardDetail 单个守卫的判定详情
type GuardDetail struct {
	Active           bool      `json:"active"`
	Reason           string    `json:"reason,omitempty"`
	End              time.Time `json:"end,omitempty"`
	RemainingMinutes int       `json:"remaining_minutes"`
}

func detailFor(iv Interval, ok bool, now time.Time) GuardDetail {
	if !ok {
		return GuardDetail{}
	}
	return GuardDetail{Active: true, Reason: iv.Reason, End: iv.End, RemainingMinutes: minutes(iv.Remaining(now))}
}

// Verdict 交易准入判定
type Verdict struct {
	SlotID              string      `json:"slot_id"`
	Timestamp           time.Time   `json:"timestamp"`
	CanTrade            bool        `json:"can_trade"`
	AnyProtectionActive bool        `json:"any_protection_active"`
	Stoploss            GuardDetail `json:"stoploss"`
	Drawdown            GuardDetail `json:"drawdown"`
	Cooldown            GuardDetail `json:"cooldown"`
	GlobalCooldown      bool        `json:"global_cooldown"`
	GlobalDrawdown      bool        `json:"global_drawdown"`
	EmergencyStop       bool        `json:"emergency_stop"`
	EmergencyReason     string      `json:"emergency_reason,omitempty"`
	Error               string      `json:"error,omitempty"`
}

// Event 保护事件
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	SlotID        string    `json:"slot_id"`
	Source        Source    `json:"source"`
	EventType     string    `json:"event_type"`
	Severity      Severity  `json:"-"`
	SeverityName  string    `json:"severity"`
	Details       string    `json:"details"`
	AutoGenerated bool      `json:"auto_generated"`
}

// GlobalStatus 全局保护状态
type GlobalStatus struct {
	Timestamp            time.Time        `json:"timestamp"`
	EmergencyStop        bool             `json:"emergency_stop"`
	EmergencyReason      string           `json:"emergency_reason,omitempty"`
	EmergencyActivatedAt time.Time        `json:"emergency_activated_at,omitempty"`
	ProtectedSlots       []string         `json:"protected_slots"`
	TrackedSlots         int              `json:"tracked_slots"`
	ProtectedRatio       float64          `json:"protected_ratio"`
	Threshold            float64          `json:"global_protection_threshold"`
	GlobalCooldown       bool             `json:"global_cooldown"`
	GlobalDrawdown       bool             `json:"global_drawdown"`
	Stoploss             StoplossSummary  `json:"stoploss_guard"`
	Drawdown             PortfolioSummary `json:"drawdown_guard"`
	Cooldown             CooldownSummary  `json:"cooldown_manager"`
	TotalEvents          int              `json:"total_events"`
	RecentEvents         []Event          `json:"recent_events"`
}

// Manager 保护管理器：组合三个守卫给出交易准入判定，并负责紧急停止
type Manager struct {
	clock utils.Clock
	outer Sink

	stoploss *StoplossGuard
	drawdown *DrawdownGuard
	cooldown *CooldownManager

	mu                   sync.RWMutex
	settings             Settings
	emergencyStop        bool
	emergencyReason      string
	emergencyActivatedAt time.Time

	eventsMu    sync.Mutex
	events      []Event
	totalEvents int

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager 创建保护管理器；outer 接收所有保护事件，可为 nil
func NewManager(settings Settings, clock utils.Clock, outer Sink) *Manager {
	settings = normalizeSettings(settings)
	clock = utils.OrRealClock(clock)

	m := &Manager{
		clock:    clock,
		outer:    outer,
		settings: settings,
	}
	m.stoploss = NewStoplossGuard(settings.Stoploss, clock, m)
	m.drawdown = NewDrawdownGuard(settings.Drawdown, clock, m)
	m.cooldown = NewCooldownManager(settings.Cooldown, clock, m)
	return m
}

// Stoploss 止损保护
func (m *Manager) Stoploss() *StoplossGuard { return m.stoploss }

// Drawdown 回撤保护
func (m *Manager) Drawdown() *DrawdownGuard { return m.drawdown }

// Cooldown 冷却管理器
func (m *Manager) Cooldown() *CooldownManager { return m.cooldown }

// SetSink 设置外部事件接收方
func (m *Manager) SetSink(outer Sink) {
	m.eventsMu.Lock()
	m.outer = outer
	m.eventsMu.Unlock()
}

func (m *Manager) currentSettings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// ApplySettings 热更新参数，已生效的保护区间保持不变
func (m *Manager) ApplySettings(settings Settings) {
	settings = normalizeSettings(settings)
	m.mu.Lock()
	m.settings = settings
	m.mu.Unlock()

	m.stoploss.SetSettings(settings.Stoploss)
	m.drawdown.SetSettings(settings.Drawdown)
	m.cooldown.SetSettings(settings.Cooldown)

	m.eventsMu.Lock()
	if over := len(m.events) - settings.EventLogSize; over > 0 {
		m.events = append([]Event(nil), m.events[over:]...)
	}
	m.eventsMu.Unlock()

	logger.Info("🔄 [保护管理] 参数已更新 (全局阈值 %.2f, 止损 %v, 回撤 %v, 冷却 %v)",
		settings.GlobalProtectionThreshold, settings.Stoploss.Enabled, settings.Drawdown.Enabled, settings.CooldownEnabled)
}

// HandleProtectionEvent 接收守卫事件：记录到有界日志并转发给外部接收方
func (m *Manager) HandleProtectionEvent(slotID string, source Source, eventType, details string, ts time.Time) {
	severity := SeverityFor(eventType)
	ev := Event{
		Timestamp:     ts,
		SlotID:        slotID,
		Source:        source,
		EventType:     eventType,
		Severity:      severity,
		SeverityName:  severity.String(),
		Details:       details,
		AutoGenerated: source != SourceManager,
	}
	limit := m.currentSettings().EventLogSize

	m.eventsMu.Lock()
	m.events = append(m.events, ev)
	if over := len(m.events) - limit; over > 0 {
		m.events = append([]Event(nil), m.events[over:]...)
	}
	m.totalEvents++
	outer := m.outer
	m.eventsMu.Unlock()

	metrics.GetPrometheusMetrics().RecordProtectionEvent(string(source), severity.String())
	if severity >= SeverityHigh {
		logger.Warn("⚠️ [保护事件] %s %s/%s: %s", slotID, source, eventType, details)
	} else {
		logger.Debug("[保护事件] %s %s/%s: %s", slotID, source, eventType, details)
	}

	if outer != nil {
		outer.HandleProtectionEvent(slotID, source, eventType, details, ts)
	}
}

// RecentEvents 最近 n 条保护事件（旧到新）
func (m *Manager) RecentEvents(n int) []Event {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if n <= 0 || n > len(m.events) {
		n = len(m.events)
	}
	return append([]Event(nil), m.events[len(m.events)-n:]...)
}

// RegisterTradeEvent 将止损类平仓转发给止损保护，返回是否被计入
func (m *Manager) RegisterTradeEvent(slotID string, trade Trade) bool {
	if !trade.IsStoploss() {
		return false
	}
	return m.stoploss.RegisterEvent(slotID, trade.Pair, math.Abs(trade.ProfitAbs), trade.ProfitPct, trade.ID, trade.ClosedAt)
}

// UpdateSlotCapital 更新槽位资金
func (m *Manager) UpdateSlotCapital(slotID string, capital float64) (Snapshot, error) {
	return m.drawdown.UpdateCapital(slotID, capital, m.clock.Now())
}

// UpdateGlobalCapital 更新组合总资金
func (m *Manager) UpdateGlobalCapital(total float64) (Snapshot, error) {
	return m.drawdown.UpdateGlobalCapital(total, m.clock.Now())
}

// Evaluate 判定槽位能否交易。capital 为 nil 时不更新资金。
// 任一守卫生效、全局冷却、全局回撤保护或紧急停止都会禁止交易。
func (m *Manager) Evaluate(slotID string, trades []Trade, capital *float64) Verdict {
	now := m.clock.Now()
	v := Verdict{SlotID: slotID, Timestamp: now}

	if capital != nil && !validCapital(*capital) {
		v.Error = fmt.Sprintf("%v: %v", ErrInvalidCapital, *capital)
		logger.Warn("⚠️ [保护管理] 槽位 %s 资金无效 (%v)，拒绝交易", slotID, *capital)
		metrics.GetPrometheusMetrics().RecordEvaluation(false)
		return v
	}

	for _, t := range trades {
		m.RegisterTradeEvent(slotID, t)
	}
	if capital != nil {
		if _, err := m.drawdown.UpdateCapital(slotID, *capital, now); err != nil {
			v.Error = err.Error()
		}
	}

	settings := m.currentSettings()
	slIv, slOK := m.stoploss.Protection(slotID)
	ddIv, ddOK := m.drawdown.Protection(slotID)
	v.Stoploss = detailFor(slIv, slOK, now)
	v.Drawdown = detailFor(ddIv, ddOK, now)
	if settings.CooldownEnabled {
		if cd, ok := m.cooldown.Active(slotID); ok {
			v.Cooldown = detailFor(cd.Interval, true, now)
			if cd.Description != "" {
				v.Cooldown.Reason = fmt.Sprintf("%s: %s", cd.Reason, cd.Description)
			}
		}
	}
	v.GlobalCooldown = m.cooldown.IsGlobalActive()
	v.GlobalDrawdown = m.drawdown.GlobalProtectionActive()

	m.CheckEmergencyStop()
	v.EmergencyStop, v.EmergencyReason = m.EmergencyStop()

	v.AnyProtectionActive = v.Stoploss.Active || v.Drawdown.Active || v.Cooldown.Active
	v.CanTrade = v.Error == "" && !v.AnyProtectionActive && !v.GlobalCooldown && !v.GlobalDrawdown && !v.EmergencyStop

	metrics.GetPrometheusMetrics().RecordEvaluation(v.CanTrade)
	return v
}

// slotCounts 统计跟踪与受保护的槽位（三个守卫的并集）
func (m *Manager) slotCounts() (tracked, protected []string) {
	cooling := []string(nil)
	if m.currentSettings().CooldownEnabled {
		cooling = m.cooldown.ActiveSlots()
	}

	trackedSet := make(map[string]struct{})
	protectedSet := make(map[string]struct{})
	for _, ids := range [][]string{m.stoploss.TrackedSlots(), m.drawdown.TrackedSlots(), cooling} {
		for _, id := range ids {
			trackedSet[id] = struct{}{}
		}
	}
	for _, ids := range [][]string{m.stoploss.ProtectedSlots(), m.drawdown.ProtectedSlots(), cooling} {
		for _, id := range ids {
			protectedSet[id] = struct{}{}
		}
	}
	delete(trackedSet, GlobalSlotID)
	delete(protectedSet, GlobalSlotID)
	return sortedKeys(trackedSet), sortedKeys(protectedSet)
}

// CheckEmergencyStop 受保护槽位比例达到阈值时触发紧急停止，返回本次是否触发
func (m *Manager) CheckEmergencyStop() bool {
	settings := m.currentSettings()
	tracked, protected := m.slotCounts()

	ratio := 0.0
	if len(tracked) > 0 {
		ratio = float64(len(protected)) / float64(len(tracked))
	}
	metrics.GetPrometheusMetrics().SetProtectedRatio(ratio)

	if !settings.EmergencyStopEnabled || len(tracked) == 0 || ratio < settings.GlobalProtectionThreshold {
		return false
	}
	if active, _ := m.EmergencyStop(); active {
		return false
	}
	reason := fmt.Sprintf("受保护槽位比例 %.2f (%d/%d) 达到阈值 %.2f",
		ratio, len(protected), len(tracked), settings.GlobalProtectionThreshold)
	return m.ActivateEmergencyStop(reason)
}

// ActivateEmergencyStop 启动紧急停止：所有槽位禁止交易并施加全局冷却。
// 已处于紧急停止时返回 false。
func (m *Manager) ActivateEmergencyStop(reason string) bool {
	m.mu.Lock()
	if m.emergencyStop {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	m.emergencyStop = true
	m.emergencyReason = reason
	m.emergencyActivatedAt = now
	cooldown := m.settings.EmergencyCooldown
	m.mu.Unlock()

	logger.Error("🚨🚨 [保护管理] 紧急停止已启动: %s", reason)
	metrics.GetPrometheusMetrics().SetEmergencyStop(true)

	if err := m.cooldown.ApplyGlobal(cooldown, "紧急停止: "+reason); err != nil {
		logger.Error("❌ [保护管理] 施加全局冷却失败: %v", err)
	}
	m.HandleProtectionEvent(GlobalSlotID, SourceManager, "emergency_stop", reason, now)
	return true
}

// DeactivateEmergencyStop 手动解除紧急停止，同时解除其施加的全局冷却
func (m *Manager) DeactivateEmergencyStop(reason string) bool {
	m.mu.Lock()
	if !m.emergencyStop {
		m.mu.Unlock()
		return false
	}
	m.emergencyStop = false
	m.emergencyReason = ""
	m.emergencyActivatedAt = time.Time{}
	m.mu.Unlock()

	if reason == "" {
		reason = "手动解除"
	}
	logger.Info("✅ [保护管理] 紧急停止已解除: %s", reason)
	metrics.GetPrometheusMetrics().SetEmergencyStop(false)

	m.cooldown.ClearGlobal(reason)
	m.HandleProtectionEvent(GlobalSlotID, SourceManager, "emergency_stop_cleared", reason, m.clock.Now())
	return true
}

// EmergencyStop 紧急停止状态
func (m *Manager) EmergencyStop() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyStop, m.emergencyReason
}

// ApplyManualProtection 手动施加保护。冷却类型以优先级 2、原因 manual 施加。
func (m *Manager) ApplyManualProtection(slotID string, kind Kind, duration time.Duration, reason string) error {
	if slotID == "" {
		return ErrEmptySlotID
	}
	if duration <= 0 {
		return ErrInvalidDuration
	}
	if reason == "" {
		reason = "手动保护"
	}

	var err error
	switch kind {
	case KindStoploss:
		err = m.stoploss.Force(slotID, duration, reason)
	case KindDrawdown:
		err = m.drawdown.Force(slotID, duration, reason)
	case KindCooldown:
		if !m.currentSettings().CooldownEnabled {
			return fmt.Errorf("%w: cooldown_manager", ErrGuardDisabled)
		}
		_, err = m.cooldown.Apply(slotID, ReasonManual, duration, reason, 2)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProtectionKind, kind)
	}
	if err != nil {
		return err
	}

	m.HandleProtectionEvent(slotID, SourceManager, "manual_protection_applied",
		fmt.Sprintf("%s %d 分钟: %s", kind, minutes(duration), reason), m.clock.Now())
	return nil
}

// RemoveSlotProtection 解除槽位保护；kinds 为空时解除全部类型。
// 返回每种类型是否实际解除了保护。
func (m *Manager) RemoveSlotProtection(slotID string, kinds ...Kind) (map[Kind]bool, error) {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	for _, k := range kinds {
		if _, err := ParseKind(string(k)); err != nil {
			return nil, err
		}
	}

	removed := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		switch k {
		case KindStoploss:
			removed[k] = m.stoploss.Remove(slotID)
		case KindDrawdown:
			removed[k] = m.drawdown.Remove(slotID)
		case KindCooldown:
			removed[k] = m.cooldown.Remove(slotID, "手动解除")
		}
	}
	return removed, nil
}

// GlobalStatus 汇总全局保护状态
func (m *Manager) GlobalStatus() GlobalStatus {
	settings := m.currentSettings()
	tracked, protected := m.slotCounts()

	gs := GlobalStatus{
		Timestamp:      m.clock.Now(),
		ProtectedSlots: protected,
		TrackedSlots:   len(tracked),
		Threshold:      settings.GlobalProtectionThreshold,
		GlobalCooldown: m.cooldown.IsGlobalActive(),
		GlobalDrawdown: m.drawdown.GlobalProtectionActive(),
		Stoploss:       m.stoploss.Summary(),
		Drawdown:       m.drawdown.PortfolioSummary(),
		Cooldown:       m.cooldown.Summary(),
	}
	if len(tracked) > 0 {
		gs.ProtectedRatio = float64(len(protected)) / float64(len(tracked))
	}

	m.mu.RLock()
	gs.EmergencyStop = m.emergencyStop
	gs.EmergencyReason = m.emergencyReason
	gs.EmergencyActivatedAt = m.emergencyActivatedAt
	m.mu.RUnlock()

	gs.RecentEvents = m.RecentEvents(20)
	m.eventsMu.Lock()
	gs.TotalEvents = m.totalEvents
	m.eventsMu.Unlock()
	return gs
}

// Maintain 执行一次维护：清理过期事件、冷却与资金历史，刷新指标
func (m *Manager) Maintain() {
	purged := m.stoploss.Cleanup()
	expired := m.cooldown.CleanupExpired()
	pruned := m.drawdown.Prune()
	if purged+expired+pruned > 0 {
		logger.Debug("[保护管理] 维护完成: 止损事件 %d, 冷却 %d, 资金点 %d", purged, expired, pruned)
	}

	pm := metrics.GetPrometheusMetrics()
	pm.SetProtectionActive(string(KindStoploss), len(m.stoploss.ProtectedSlots()))
	pm.SetProtectionActive(string(KindDrawdown), len(m.drawdown.ProtectedSlots()))
	pm.SetProtectionActive(string(KindCooldown), len(m.cooldown.ActiveSlots()))

	tracked, protected := m.slotCounts()
	if len(tracked) > 0 {
		pm.SetProtectedRatio(float64(len(protected)) / float64(len(tracked)))
	}
}

// Start 启动维护循环
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	interval := m.currentSettings().MaintenanceInterval
	m.wg.Add(1)
	go m.maintenanceLoop(ctx, interval)
	logger.Info("✅ [保护管理] 维护循环已启动 (间隔: %v)", interval)
}

func (m *Manager) maintenanceLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := utils.SafeCall(func() error { m.Maintain(); return nil }); err != nil {
				logger.Error("❌ [保护管理] 维护失败: %v", err)
				metrics.GetPrometheusMetrics().RecordLoopError("protection")
				continue
			}
			metrics.GetPrometheusMetrics().RecordLoopCycle("protection", time.Since(start))
		}
	}
}

// Stop 停止维护循环，在超时内等待退出
func (m *Manager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.running = false
	if !utils.WaitTimeout(&m.wg, m.currentSettings().StopTimeout) {
		logger.Warn("⚠️ [保护管理] 维护循环未能在超时内退出")
		return
	}
	logger.Info("✅ [保护管理] 维护循环已停止")
}
