package protection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"slotmesh/logger"
	"slotmesh/utils"
)

// CooldownReason 冷却原因
type CooldownReason string

const (
	ReasonManual           CooldownReason = "manual"
	ReasonStoploss         CooldownReason = "stoploss"
	ReasonDrawdown         CooldownReason = "drawdown"
	ReasonPerformance      CooldownReason = "performance"
	ReasonMarketConditions CooldownReason = "market_conditions"
	ReasonErrorRecovery    CooldownReason = "error_recovery"
)

// CooldownReasons 所有冷却原因
var CooldownReasons = []CooldownReason{
	ReasonManual, ReasonStoploss, ReasonDrawdown, ReasonPerformance, ReasonMarketConditions, ReasonErrorRecovery,
}

const (
	antiFlapWindow   = 6 * time.Hour
	antiFlapLookback = 10 // 只看最近 10 条历史
	antiFlapMinCount = 3
	antiFlapMaxMult  = 3.0
	lowestPriority   = 1
	highestPriority  = 3
)

// DefaultCooldownDurations 各原因默认冷却时长
func DefaultCooldownDurations() map[CooldownReason]time.Duration {
	return map[CooldownReason]time.Duration{
		ReasonManual:           30 * time.Minute,
		ReasonStoploss:         60 * time.Minute,
		ReasonDrawdown:         240 * time.Minute,
		ReasonPerformance:      120 * time.Minute,
		ReasonMarketConditions: 180 * time.Minute,
		ReasonErrorRecovery:    15 * time.Minute,
	}
}

// CooldownSettings 冷却管理器参数
type CooldownSettings struct {
	MaxDuration   time.Duration
	MaxConcurrent int
	AutoExtend    bool
	HistorySize   int
	Defaults      map[CooldownReason]time.Duration
}

// DefaultCooldownSettings 默认参数
func DefaultCooldownSettings() CooldownSettings {
	return CooldownSettings{
		MaxDuration:   24 * time.Hour,
		MaxConcurrent: 10,
		AutoExtend:    true,
		HistorySize:   1000,
		Defaults:      DefaultCooldownDurations(),
	}
}

// Cooldown 冷却记录
type Cooldown struct {
	Interval
	Reason      CooldownReason `json:"reason"`
	Description string         `json:"description"`
}

// CooldownInfo 单个槽位的冷却视图
type CooldownInfo struct {
	SlotID           string         `json:"slot_id"`
	Active           bool           `json:"active"`
	Reason           CooldownReason `json:"reason,omitempty"`
	Description      string         `json:"description,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	Start            time.Time      `json:"start,omitempty"`
	End              time.Time      `json:"end,omitempty"`
	DurationMinutes  int            `json:"duration_minutes"`
	RemainingMinutes int            `json:"remaining_minutes"`
	ProgressPct      float64        `json:"progress_pct"`
	Recent24h        int            `json:"recent_cooldowns_24h"`
}

// CooldownSummary 冷却总览
type CooldownSummary struct {
	ActiveCount   int                    `json:"active_cooldowns"`
	GlobalActive  bool                   `json:"global_cooldown_active"`
	GlobalEnd     time.Time              `json:"global_cooldown_end,omitempty"`
	GlobalReason  string                 `json:"global_cooldown_reason,omitempty"`
	MaxConcurrent int                    `json:"max_concurrent"`
	ByReason24h   map[CooldownReason]int `json:"cooldowns_24h_by_reason"`
	Active        []CooldownInfo         `json:"active_slots"`
}

// CooldownManager 冷却期管理器
type CooldownManager struct {
	mu       sync.Mutex
	settings CooldownSettings
	clock    utils.Clock
	sink     Sink

	active  map[string]*Cooldown
	history []Cooldown

	globalEnd    time.Time
	globalReason string
}

// NewCooldownManager 创建冷却期管理器
func NewCooldownManager(settings CooldownSettings, clock utils.Clock, sink Sink) *CooldownManager {
	return &CooldownManager{
		settings: normalizeCooldownSettings(settings),
		clock:    utils.OrRealClock(clock),
		sink:     sink,
		active:   make(map[string]*Cooldown),
	}
}

func normalizeCooldownSettings(s CooldownSettings) CooldownSettings {
	def := DefaultCooldownSettings()
	if s.MaxDuration <= 0 {
		s.MaxDuration = def.MaxDuration
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = def.MaxConcurrent
	}
	if s.HistorySize <= 0 {
		s.HistorySize = def.HistorySize
	}
	merged := DefaultCooldownDurations()
	for r, d := range s.Defaults {
		if d > 0 {
			merged[r] = d
		}
	}
	s.Defaults = merged
	return s
}

// SetSettings 热更新参数，已生效的冷却不受影响
func (m *CooldownManager) SetSettings(settings CooldownSettings) {
	m.mu.Lock()
	m.settings = normalizeCooldownSettings(settings)
	m.mu.Unlock()
}

// Apply 对槽位施加冷却。duration 为 0 时使用原因对应的默认时长。
// 已有冷却时只有更高优先级才能替换。
func (m *CooldownManager) Apply(slotID string, reason CooldownReason, duration time.Duration, description string, priority int) (Cooldown, error) {
	if priority < lowestPriority || priority > highestPriority {
		return Cooldown{}, ErrInvalidPriority
	}
	if duration < 0 {
		return Cooldown{}, ErrInvalidDuration
	}

	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.expireLocked(now, &out)

	existing, replacing := m.active[slotID]
	if replacing && priority <= existing.Priority {
		logger.Warn("⚠️ [冷却] 槽位 %s 已有优先级 %d 的冷却，忽略优先级 %d 的请求", slotID, existing.Priority, priority)
		return Cooldown{}, fmt.Errorf("%w: 槽位 %s 当前优先级 %d", ErrLowerPriority, slotID, existing.Priority)
	}

	// 容量检查在替换之前完成，被拒绝时原有冷却保持不变
	occupied := len(m.active)
	if replacing {
		occupied--
	}
	if occupied >= m.settings.MaxConcurrent && !m.evictLowestLocked(slotID, now, &out) {
		logger.Warn("⚠️ [冷却] 同时冷却数已达上限 %d，拒绝槽位 %s", m.settings.MaxConcurrent, slotID)
		return Cooldown{}, ErrCooldownCapacity
	}

	if replacing {
		logger.Info("🔁 [冷却] 替换槽位 %s 的冷却 (优先级 %d -> %d)", slotID, existing.Priority, priority)
		delete(m.active, slotID)
		out.add(slotID, "cooldown_replaced", fmt.Sprintf("优先级 %d -> %d", existing.Priority, priority), now)
	}

	if duration == 0 {
		duration = m.settings.Defaults[reason]
		if duration <= 0 {
			duration = 30 * time.Minute
		}
	}
	if duration > m.settings.MaxDuration {
		duration = m.settings.MaxDuration
	}
	if m.settings.AutoExtend {
		duration = m.extendedDurationLocked(slotID, reason, duration, now)
		if duration > m.settings.MaxDuration {
			duration = m.settings.MaxDuration
		}
	}

	cd := &Cooldown{
		Interval: Interval{
			SlotID:   slotID,
			Kind:     KindCooldown,
			Start:    now,
			End:      now.Add(duration),
			Reason:   string(reason),
			Priority: priority,
		},
		Reason:      reason,
		Description: description,
	}
	m.active[slotID] = cd
	m.history = append(m.history, *cd)
	if over := len(m.history) - m.settings.HistorySize; over > 0 {
		m.history = append([]Cooldown(nil), m.history[over:]...)
	}

	logger.Warn("🧊 [冷却] 槽位 %s 进入冷却: %s %d 分钟，至 %s", slotID, reason, minutes(duration),
		utils.ToConfiguredTimezone(cd.End).Format("15:04:05"))
	out.add(slotID, "cooldown_applied", fmt.Sprintf("%s: %s", reason, description), now)

	return *cd, nil
}

// extendedDurationLocked 同一槽位同一原因在 6 小时内反复冷却时逐步延长
func (m *CooldownManager) extendedDurationLocked(slotID string, reason CooldownReason, base time.Duration, now time.Time) time.Duration {
	start := len(m.history) - antiFlapLookback
	if start < 0 {
		start = 0
	}
	cutoff := now.Add(-antiFlapWindow)
	count := 0
	for _, h := range m.history[start:] {
		if h.SlotID == slotID && h.Reason == reason && h.Start.After(cutoff) {
			count++
		}
	}
	if count < antiFlapMinCount {
		return base
	}

	mult := 1.0 + float64(count-1)*0.5
	if mult > antiFlapMaxMult {
		mult = antiFlapMaxMult
	}
	extended := time.Duration(float64(base) * mult)
	logger.Info("📈 [冷却] 槽位 %s 近期 %d 次 %s 冷却，时长 %d -> %d 分钟", slotID, count, reason, minutes(base), minutes(extended))
	return extended
}

// evictLowestLocked 达到上限时驱逐最低优先级（仅限优先级 1）的冷却，keep 槽位不参与驱逐
func (m *CooldownManager) evictLowestLocked(keep string, now time.Time, out *notices) bool {
	var victim *Cooldown
	for _, cd := range m.active {
		if cd.SlotID == keep {
			continue
		}
		if victim == nil || cd.Priority < victim.Priority ||
			(cd.Priority == victim.Priority && cd.End.Before(victim.End)) ||
			(cd.Priority == victim.Priority && cd.End.Equal(victim.End) && cd.SlotID < victim.SlotID) {
			victim = cd
		}
	}
	if victim == nil || victim.Priority != lowestPriority {
		return false
	}
	delete(m.active, victim.SlotID)
	logger.Info("🧊 [冷却] 驱逐槽位 %s 的低优先级冷却以腾出空间", victim.SlotID)
	out.add(victim.SlotID, "cooldown_removed", "为更高优先级冷却腾出空间", now)
	return true
}

// expireLocked 移除所有已到期冷却
func (m *CooldownManager) expireLocked(now time.Time, out *notices) int {
	n := 0
	for id, cd := range m.active {
		if !cd.ActiveAt(now) {
			delete(m.active, id)
			out.add(id, "cooldown_expired", "自然到期", now)
			n++
		}
	}
	return n
}

// activeLocked 查询槽位冷却，顺带惰性清理到期项
func (m *CooldownManager) activeLocked(slotID string, now time.Time, out *notices) (*Cooldown, bool) {
	cd, ok := m.active[slotID]
	if !ok {
		return nil, false
	}
	if !cd.ActiveAt(now) {
		delete(m.active, slotID)
		logger.Info("✅ [冷却] 槽位 %s 冷却到期", slotID)
		out.add(slotID, "cooldown_expired", "自然到期", now)
		return nil, false
	}
	return cd, true
}

// IsActive 槽位是否处于冷却
func (m *CooldownManager) IsActive(slotID string) bool {
	_, ok := m.Active(slotID)
	return ok
}

// Active 返回槽位生效中的冷却
func (m *CooldownManager) Active(slotID string) (Cooldown, bool) {
	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	cd, ok := m.activeLocked(slotID, m.clock.Now(), &out)
	if !ok {
		return Cooldown{}, false
	}
	return *cd, true
}

// Remove 解除槽位冷却；没有可解除的冷却时返回 false
func (m *CooldownManager) Remove(slotID, reason string) bool {
	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if _, ok := m.activeLocked(slotID, now, &out); !ok {
		return false
	}
	delete(m.active, slotID)
	if reason == "" {
		reason = "手动解除"
	}
	logger.Info("🔓 [冷却] 槽位 %s 冷却已解除: %s", slotID, reason)
	out.add(slotID, "cooldown_removed", reason, now)
	return true
}

// Extend 延长生效中的冷却，总时长不超过上限
func (m *CooldownManager) Extend(slotID string, extra time.Duration, reason string) (Cooldown, error) {
	if extra <= 0 {
		return Cooldown{}, ErrInvalidDuration
	}

	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	cd, ok := m.activeLocked(slotID, now, &out)
	if !ok {
		return Cooldown{}, fmt.Errorf("%w: %s", ErrNoActiveCooldown, slotID)
	}

	end := cd.End.Add(extra)
	if limit := cd.Start.Add(m.settings.MaxDuration); end.After(limit) {
		end = limit
	}
	cd.End = end
	if reason != "" {
		cd.Description += " | 延长: " + reason
	}

	logger.Warn("🧊 [冷却] 槽位 %s 冷却延长 %d 分钟，至 %s", slotID, minutes(extra), utils.ToConfiguredTimezone(end).Format("15:04:05"))
	out.add(slotID, "cooldown_extended", fmt.Sprintf("+%d 分钟: %s", minutes(extra), reason), now)
	return *cd, nil
}

// ApplyGlobal 施加全局冷却，所有槽位暂停
func (m *CooldownManager) ApplyGlobal(duration time.Duration, reason string) error {
	if duration <= 0 {
		return ErrInvalidDuration
	}

	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.globalEnd = now.Add(duration)
	m.globalReason = reason

	logger.Error("🚨 [冷却] 全局冷却启动 %d 分钟，至 %s: %s", minutes(duration), utils.ToConfiguredTimezone(m.globalEnd).Format("15:04:05"), reason)
	out.add(GlobalSlotID, "global_cooldown_applied", reason, now)
	return nil
}

func (m *CooldownManager) globalActiveLocked(now time.Time, out *notices) bool {
	if m.globalEnd.IsZero() {
		return false
	}
	if !now.Before(m.globalEnd) {
		m.globalEnd = time.Time{}
		m.globalReason = ""
		logger.Info("✅ [冷却] 全局冷却到期")
		out.add(GlobalSlotID, "global_cooldown_expired", "自然到期", now)
		return false
	}
	return true
}

// IsGlobalActive 全局冷却是否生效
func (m *CooldownManager) IsGlobalActive() bool {
	active, _, _ := m.Global()
	return active
}

// Global 返回全局冷却状态
func (m *CooldownManager) Global() (bool, time.Time, string) {
	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.globalActiveLocked(m.clock.Now(), &out) {
		return false, time.Time{}, ""
	}
	return true, m.globalEnd, m.globalReason
}

// ClearGlobal 解除全局冷却
func (m *CooldownManager) ClearGlobal(reason string) bool {
	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !m.globalActiveLocked(now, &out) {
		return false
	}
	m.globalEnd = time.Time{}
	m.globalReason = ""
	logger.Info("🔓 [冷却] 全局冷却已解除: %s", reason)
	out.add(GlobalSlotID, "global_cooldown_removed", reason, now)
	return true
}

// CleanupExpired 清理到期冷却，返回清理数量
func (m *CooldownManager) CleanupExpired() int {
	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.globalActiveLocked(now, &out)
	return m.expireLocked(now, &out)
}

// ActiveSlots 冷却中的槽位（已排序）
func (m *CooldownManager) ActiveSlots() []string {
	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.clock.Now(), &out)

	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *CooldownManager) infoLocked(cd *Cooldown, now time.Time) CooldownInfo {
	total := cd.End.Sub(cd.Start)
	remaining := cd.Remaining(now)
	info := CooldownInfo{
		SlotID:           cd.SlotID,
		Active:           true,
		Reason:           cd.Reason,
		Description:      cd.Description,
		Priority:         cd.Priority,
		Start:            cd.Start,
		End:              cd.End,
		DurationMinutes:  minutes(total),
		RemainingMinutes: minutes(remaining),
	}
	if total > 0 {
		info.ProgressPct = float64(total-remaining) / float64(total) * 100
	}
	cutoff := now.Add(-24 * time.Hour)
	for _, h := range m.history {
		if h.SlotID == cd.SlotID && h.Start.After(cutoff) {
			info.Recent24h++
		}
	}
	return info
}

// Info 返回槽位冷却信息
func (m *CooldownManager) Info(slotID string) CooldownInfo {
	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	cd, ok := m.activeLocked(slotID, now, &out)
	if !ok {
		return CooldownInfo{SlotID: slotID}
	}
	return m.infoLocked(cd, now)
}

// Summary 返回冷却总览
func (m *CooldownManager) Summary() CooldownSummary {
	var out notices
	defer func() { out.flush(m.sink, SourceCooldown) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.expireLocked(now, &out)

	s := CooldownSummary{
		ActiveCount:   len(m.active),
		GlobalActive:  m.globalActiveLocked(now, &out),
		MaxConcurrent: m.settings.MaxConcurrent,
		ByReason24h:   make(map[CooldownReason]int, len(CooldownReasons)),
	}
	if s.GlobalActive {
		s.GlobalEnd = m.globalEnd
		s.GlobalReason = m.globalReason
	}
	for _, r := range CooldownReasons {
		s.ByReason24h[r] = 0
	}
	cutoff := now.Add(-24 * time.Hour)
	for _, h := range m.history {
		if h.Start.After(cutoff) {
			s.ByReason24h[h.Reason]++
		}
	}

	for _, cd := range m.active {
		s.Active = append(s.Active, m.infoLocked(cd, now))
	}
	sort.Slice(s.Active, func(i, j int) bool {
		a, b := s.Active[i], s.Active[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		return a.SlotID < b.SlotID
	})
	return s
}
