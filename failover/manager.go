package failover

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotmesh/config"
	"slotmesh/logger"
	"slotmesh/metrics"
	"slotmesh/protection"
	"slotmesh/slot"
	"slotmesh/store"
	"slotmesh/utils"
)

// Trigger 故障切换触发原因
type Trigger string

const (
	TriggerHeartbeatTimeout  Trigger = "heartbeat_timeout"
	TriggerStatusDegraded    Trigger = "status_degraded"
	TriggerHighLatency       Trigger = "high_latency"
	TriggerManual            Trigger = "manual_trigger"
	TriggerHealthCheckFailed Trigger = "health_check_failed"
)

// EventStatus 故障切换事件状态
type EventStatus string

const (
	StatusStarted   EventStatus = "STARTED"
	StatusCompleted EventStatus = "COMPLETED"
	StatusFailed    EventStatus = "FAILED"
)

var (
	// ErrNoSubstitute 同组内没有可用的替补代理
	ErrNoSubstitute = errors.New("没有可用的替补代理")
	// ErrNoAssignedAgent 槽位未绑定代理
	ErrNoAssignedAgent = errors.New("槽位未绑定代理")
	// ErrNotConfigured 缺少必要的协作组件
	ErrNotConfigured = errors.New("故障切换组件未配置")
)

var slotNumberRe = regexp.MustCompile(`\d+`)

// Failure 检测到的代理故障
type Failure struct {
	AgentID    string
	Group      slot.AgentGroup
	Trigger    Trigger
	Reasons    []string
	DetectedAt time.Time
}

// Event 故障切换事件，每次尝试（无论成败）都会记录
type Event struct {
	EventID           string      `json:"event_id"`
	SlotID            string      `json:"slot_id"`
	FailedAgentID     string      `json:"failed_agent_id"`
	SubstituteAgentID string      `json:"substitute_agent_id"`
	Trigger           Trigger     `json:"trigger_reason"`
	Status            EventStatus `json:"status"`
	ContextPreserved  bool        `json:"context_preserved"`
	DurationMs        float64     `json:"duration_ms"`
	Timestamp         time.Time   `json:"timestamp"`
	Error             string      `json:"error,omitempty"`
}

// Stats 故障切换统计
type Stats struct {
	Enabled               bool    `json:"enabled"`
	HeartbeatThresholdSec float64 `json:"heartbeat_threshold_sec"`
	StoreAvailable        bool    `json:"store_available"`
	TotalEvents           int     `json:"total_failover_events"`
	EventsLast24h         int     `json:"failovers_last_24h"`
	RecentEvents          []Event `json:"recent_events"`
}

// Settings 故障切换参数
type Settings struct {
	Enabled            bool
	CheckInterval      time.Duration
	ErrorBackoff       time.Duration
	StopTimeout        time.Duration
	HeartbeatThreshold time.Duration
	MaxLatencyMs       float64
	ContextTTL         time.Duration
	HistorySize        int
	DefaultStrategy    string
}

// SettingsFromConfig 从配置构建参数
func SettingsFromConfig(cfg config.FailoverConfig) Settings {
	return Settings{
		Enabled:            cfg.Enabled,
		CheckInterval:      time.Duration(cfg.CheckIntervalSec) * time.Second,
		ErrorBackoff:       time.Duration(cfg.ErrorBackoffSec) * time.Second,
		HeartbeatThreshold: time.Duration(cfg.HeartbeatThresholdSec) * time.Second,
		MaxLatencyMs:       float64(cfg.MaxLatencyMs),
		ContextTTL:         time.Duration(cfg.ContextTTLSec) * time.Second,
		HistorySize:        cfg.HistorySize,
		DefaultStrategy:    cfg.DefaultStrategy,
	}
}

func (s Settings) normalize() Settings {
	if s.CheckInterval <= 0 {
		s.CheckInterval = 15 * time.Second
	}
	if s.ErrorBackoff <= 0 {
		s.ErrorBackoff = 30 * time.Second
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = 10 * time.Second
	}
	if s.HeartbeatThreshold <= 0 {
		s.HeartbeatThreshold = 30 * time.Second
	}
	if s.MaxLatencyMs <= 0 {
		s.MaxLatencyMs = 5000
	}
	if s.ContextTTL <= 0 {
		s.ContextTTL = store.SlotContextTTL
	}
	if s.HistorySize <= 0 {
		s.HistorySize = 100
	}
	if s.DefaultStrategy == "" {
		s.DefaultStrategy = "momentum"
	}
	return s
}

// AgentSource 提供代理健康快照
type AgentSource interface {
	Health() []slot.AgentHealth
}

// AgentStatusSetter 更新代理运行状态
type AgentStatusSetter interface {
	SetAgentStatus(agentID string, status slot.AgentStatus) error
}

// EventRecorder 持久化故障切换事件（按 EventID 覆盖写）
type EventRecorder interface {
	RecordFailoverEvent(ctx context.Context, ev Event) error
}

// Deps 故障切换依赖；Registry、Binder、Agents 缺失时自动故障切换不会执行
type Deps struct {
	State    store.StateStore
	Registry slot.Registry
	Binder   slot.Binder
	Agents   AgentSource
	Statuses AgentStatusSetter
	Recorder EventRecorder
	Sink     protection.Sink
	Clock    utils.Clock
}

// Manager 故障切换管理器：检测故障代理，挑选同组替补并迁移槽位上下文
type Manager struct {
	state    store.StateStore
	registry slot.Registry
	binder   slot.Binder
	agents   AgentSource
	statuses AgentStatusSetter
	recorder EventRecorder
	sink     protection.Sink
	clock    utils.Clock

	mu       sync.RWMutex
	settings Settings
	events   []Event
	total    int

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager 创建故障切换管理器
func NewManager(settings Settings, deps Deps) *Manager {
	return &Manager{
		state:    deps.State,
		registry: deps.Registry,
		binder:   deps.Binder,
		agents:   deps.Agents,
		statuses: deps.Statuses,
		recorder: deps.Recorder,
		sink:     deps.Sink,
		clock:    utils.OrRealClock(deps.Clock),
		settings: settings.normalize(),
	}
}

// ApplySettings 热更新参数，超出新上限的历史会被截断
func (m *Manager) ApplySettings(settings Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings.normalize()
	if over := len(m.events) - m.settings.HistorySize; over > 0 {
		m.events = append([]Event(nil), m.events[over:]...)
	}
}

func (m *Manager) currentSettings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Enabled 是否启用自动故障切换
func (m *Manager) Enabled() bool {
	return m.currentSettings().Enabled
}

// DetectFailures 找出需要切换的代理：健康状态非 GREEN、心跳超时或延迟过高。
// 从未上报心跳（零值）的代理不做心跳判断。
func (m *Manager) DetectFailures(health []slot.AgentHealth) []Failure {
	s := m.currentSettings()
	if !s.Enabled || len(health) == 0 {
		return nil
	}
	now := m.clock.Now()
	pm := metrics.GetPrometheusMetrics()

	var failures []Failure
	for _, h := range health {
		var reasons []string
		trigger := Trigger("")

		if h.Status != slot.HealthGreen {
			reasons = append(reasons, fmt.Sprintf("状态降级: %s", h.Status))
			trigger = TriggerStatusDegraded
		}
		if !h.LastHeartbeat.IsZero() {
			if age := now.Sub(h.LastHeartbeat); age > s.HeartbeatThreshold {
				reasons = append(reasons, fmt.Sprintf("心跳超时: %.1fs > %.0fs", age.Seconds(), s.HeartbeatThreshold.Seconds()))
				if trigger == "" {
					trigger = TriggerHeartbeatTimeout
				}
			}
		}
		if h.LatencyMs > s.MaxLatencyMs {
			reasons = append(reasons, fmt.Sprintf("延迟过高: %.0fms", h.LatencyMs))
			if trigger == "" {
				trigger = TriggerHighLatency
			}
		}
		if len(reasons) == 0 {
			continue
		}

		failures = append(failures, Failure{
			AgentID:    h.AgentID,
			Group:      h.Group,
			Trigger:    trigger,
			Reasons:    reasons,
			DetectedAt: now,
		})
		pm.RecordAgentFailure(string(trigger))
		logger.Warn("🚨 [故障切换] 代理 %s 检测到故障: %s", h.AgentID, strings.Join(reasons, "; "))
	}
	return failures
}

// HealthScore 代理健康评分：状态 40%，延迟 30%（分档），在线率 20%，准确率 10%
func HealthScore(h slot.AgentHealth) float64 {
	score := 0.0
	switch h.Status {
	case slot.HealthGreen:
		score += 0.4
	case slot.HealthAmber:
		score += 0.2
	}
	switch {
	case h.LatencyMs < 100:
		score += 0.3
	case h.LatencyMs < 500:
		score += 0.2
	case h.LatencyMs < 1000:
		score += 0.1
	}
	score += h.UptimePct / 100 * 0.2
	score += h.Accuracy / 100 * 0.1
	return score
}

// SelectSubstitute 从候选中挑选同组、GREEN 且不是故障代理本身的最高分代理。
// 同组没有可用代理时才考虑 LEADER 组。分数相同时保持输入顺序。
func (m *Manager) SelectSubstitute(failedID string, group slot.AgentGroup, candidates []slot.AgentHealth) (slot.AgentHealth, bool) {
	eligible := func(h slot.AgentHealth, g slot.AgentGroup) bool {
		return h.AgentID != failedID && h.AgentID != "" &&
			h.Status == slot.HealthGreen && candidateGroup(h) == g
	}

	var pool []slot.AgentHealth
	for _, h := range candidates {
		if eligible(h, group) {
			pool = append(pool, h)
		}
	}
	if len(pool) == 0 && group != slot.GroupLeader {
		for _, h := range candidates {
			if eligible(h, slot.GroupLeader) {
				pool = append(pool, h)
			}
		}
	}
	if len(pool) == 0 {
		logger.Warn("⚠️ [故障切换] 组 %s 没有可用的替补代理", group)
		return slot.AgentHealth{}, false
	}

	sort.SliceStable(pool, func(i, j int) bool {
		return HealthScore(pool[i]) > HealthScore(pool[j])
	})
	best := pool[0]
	logger.Info("✅ [故障切换] 选定替补代理 %s (评分: %.2f)", best.AgentID, HealthScore(best))
	return best, true
}

// candidateGroup 候选代理所属组，未设置时按 ID 推断
func candidateGroup(h slot.AgentHealth) slot.AgentGroup {
	if h.Group != "" {
		return h.Group
	}
	id := strings.ToLower(h.AgentID)
	switch {
	case strings.Contains(id, "leader"), strings.Contains(id, "orchestrator"):
		return slot.GroupLeader
	case strings.Contains(id, "g1"):
		return slot.GroupG1
	case strings.Contains(id, "g2"):
		return slot.GroupG2
	}
	return ""
}

// determineGroup 故障代理所属组：代理声明的组 > 槽位记录的组 > ID 中的 g1/g2 > 槽位编号奇偶 > G1
func determineGroup(agentID string, declared slot.AgentGroup, sl slot.Slot) slot.AgentGroup {
	if declared == slot.GroupG1 || declared == slot.GroupG2 {
		return declared
	}
	if sl.AgentGroup == slot.GroupG1 || sl.AgentGroup == slot.GroupG2 {
		return sl.AgentGroup
	}
	id := strings.ToLower(agentID)
	if strings.Contains(id, "g1") {
		return slot.GroupG1
	}
	if strings.Contains(id, "g2") {
		return slot.GroupG2
	}
	if num := slotNumberRe.FindString(sl.ID); num != "" {
		if n, err := strconv.Atoi(num); err == nil {
			if n%2 == 1 {
				return slot.GroupG1
			}
			return slot.GroupG2
		}
	}
	return slot.GroupG1
}

// ExecuteFailover 把槽位从故障代理切换到替补代理，并迁移槽位上下文。
// 上下文缺失或存储不可读时使用默认上下文；上下文写回失败会撤销重新绑定。
func (m *Manager) ExecuteFailover(ctx context.Context, failedID, slotID string, substitute slot.AgentHealth, trigger Trigger) (Event, error) {
	started := time.Now()
	s := m.currentSettings()
	now := m.clock.Now()

	ev := Event{
		EventID:           uuid.NewString(),
		SlotID:            slotID,
		FailedAgentID:     failedID,
		SubstituteAgentID: substitute.AgentID,
		Trigger:           trigger,
		Status:            StatusStarted,
		Timestamp:         now,
	}
	if trigger == "" {
		ev.Trigger = TriggerHealthCheckFailed
	}

	fail := func(err error) (Event, error) {
		ev.Status = StatusFailed
		ev.Error = err.Error()
		ev.DurationMs = float64(time.Since(started).Microseconds()) / 1000
		m.finish(ctx, ev)
		logger.Error("❌ [故障切换] 槽位 %s 故障切换失败: %v", slotID, err)
		return ev, err
	}

	if slotID == "" {
		return fail(errors.New("槽位 ID 为空"))
	}
	if substitute.AgentID == "" || substitute.AgentID == failedID {
		return fail(ErrNoSubstitute)
	}
	if m.binder == nil {
		return fail(fmt.Errorf("%w: 缺少槽位绑定器", ErrNotConfigured))
	}

	sc, err := LoadSlotContext(ctx, m.state, slotID)
	switch {
	case err == nil:
		ev.ContextPreserved = true
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("⚠️ [故障切换] 槽位 %s 上下文不存在，使用默认上下文", slotID)
		sc = DefaultSlotContext(slotID, s.DefaultStrategy, now)
	default:
		logger.Warn("⚠️ [故障切换] 读取槽位 %s 上下文失败，使用默认上下文: %v", slotID, err)
		sc = DefaultSlotContext(slotID, s.DefaultStrategy, now)
	}

	m.record(ctx, ev)
	logger.Info("🔄 [故障切换] 执行交接: %s -> %s (槽位 %s)", failedID, substitute.AgentID, slotID)

	if err := m.binder.Rebind(ctx, slotID, substitute.AgentID); err != nil {
		return fail(fmt.Errorf("重新绑定槽位失败: %w", err))
	}

	sc.SlotID = slotID
	sc.LastUpdateTS = m.clock.Now().UnixMilli()
	if err := StoreSlotContext(ctx, m.state, sc, s.ContextTTL); err != nil {
		if rbErr := m.binder.Rebind(ctx, slotID, failedID); rbErr != nil {
			logger.Error("❌ [故障切换] 撤销槽位 %s 绑定失败: %v", slotID, rbErr)
		}
		return fail(fmt.Errorf("写入槽位上下文失败: %w", err))
	}

	if m.statuses != nil {
		if err := m.statuses.SetAgentStatus(failedID, slot.AgentError); err != nil {
			logger.Warn("⚠️ [故障切换] 更新代理 %s 状态失败: %v", failedID, err)
		}
		if err := m.statuses.SetAgentStatus(substitute.AgentID, slot.AgentActive); err != nil {
			logger.Warn("⚠️ [故障切换] 更新代理 %s 状态失败: %v", substitute.AgentID, err)
		}
	}

	ev.Status = StatusCompleted
	ev.DurationMs = float64(time.Since(started).Microseconds()) / 1000
	m.finish(ctx, ev)
	logger.Info("✅ [故障切换] 完成 (%.1fms): %s 接管槽位 %s", ev.DurationMs, substitute.AgentID, slotID)
	return ev, nil
}

func (m *Manager) record(ctx context.Context, ev Event) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordFailoverEvent(ctx, ev); err != nil {
		logger.Warn("⚠️ [故障切换] 保存故障切换事件失败: %v", err)
	}
}

// finish 记录最终状态的事件：内存历史、持久化、指标和通知
func (m *Manager) finish(ctx context.Context, ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.total++
	if over := len(m.events) - m.settings.HistorySize; over > 0 {
		m.events = append([]Event(nil), m.events[over:]...)
	}
	m.mu.Unlock()

	m.record(ctx, ev)
	metrics.GetPrometheusMetrics().RecordFailover(strings.ToLower(string(ev.Status)), time.Duration(ev.DurationMs*float64(time.Millisecond)))

	if m.sink == nil {
		return
	}
	if ev.Status == StatusCompleted {
		details := fmt.Sprintf("%s -> %s (%s, 上下文保留: %v)", ev.FailedAgentID, ev.SubstituteAgentID, ev.Trigger, ev.ContextPreserved)
		m.sink.HandleProtectionEvent(ev.SlotID, protection.SourceFailover, "failover_completed", details, ev.Timestamp)
		return
	}
	details := fmt.Sprintf("%s -> %s 失败: %s", ev.FailedAgentID, ev.SubstituteAgentID, ev.Error)
	m.sink.HandleProtectionEvent(ev.SlotID, protection.SourceFailover, "failover_failed", details, ev.Timestamp)
}

// ProcessFailovers 执行一轮自动故障切换：检测故障代理，为其绑定的每个活跃槽位挑选替补。
// 单个槽位出错不会中断整轮处理。
func (m *Manager) ProcessFailovers(ctx context.Context) ([]Event, error) {
	if !m.Enabled() || m.agents == nil {
		return nil, nil
	}
	if m.registry == nil || m.binder == nil {
		return nil, ErrNotConfigured
	}

	health := m.agents.Health()
	failures := m.DetectFailures(health)
	if len(failures) == 0 {
		return nil, nil
	}

	slots, err := m.registry.ListActiveSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取活跃槽位失败: %w", err)
	}
	bound := make(map[string][]slot.Slot)
	for _, sl := range slots {
		if sl.AssignedAgentID != "" {
			bound[sl.AssignedAgentID] = append(bound[sl.AssignedAgentID], sl)
		}
	}

	failed := make(map[string]bool, len(failures))
	for _, f := range failures {
		failed[f.AgentID] = true
	}
	candidates := make([]slot.AgentHealth, 0, len(health))
	for _, h := range health {
		if !failed[h.AgentID] {
			candidates = append(candidates, h)
		}
	}

	var events []Event
	for _, f := range failures {
		assigned := bound[f.AgentID]
		if len(assigned) == 0 {
			logger.Info("ℹ️ [故障切换] 代理 %s 故障但未绑定活跃槽位，跳过", f.AgentID)
			continue
		}
		for _, sl := range assigned {
			err := utils.SafeCall(func() error {
				group := determineGroup(f.AgentID, f.Group, sl)
				sub, ok := m.SelectSubstitute(f.AgentID, group, candidates)
				if !ok {
					logger.Error("❌ [故障切换] 找不到代理 %s 在组 %s 的替补", f.AgentID, group)
					return nil
				}
				ev, _ := m.ExecuteFailover(ctx, f.AgentID, sl.ID, sub, f.Trigger)
				events = append(events, ev)
				return nil
			})
			if err != nil {
				logger.Error("❌ [故障切换] 处理槽位 %s 出错: %v", sl.ID, err)
			}
		}
	}
	return events, nil
}

// TriggerManualFailover 手动把槽位切换到同组的最佳替补，不受自动切换开关影响
func (m *Manager) TriggerManualFailover(ctx context.Context, slotID string) (Event, error) {
	if m.registry == nil || m.agents == nil {
		return Event{}, ErrNotConfigured
	}
	sl, err := m.registry.GetSlot(ctx, slotID)
	if err != nil {
		return Event{}, fmt.Errorf("获取槽位 %s 失败: %w", slotID, err)
	}
	current := sl.AssignedAgentID
	if current == "" {
		return Event{}, fmt.Errorf("%w: %s", ErrNoAssignedAgent, slotID)
	}

	health := m.agents.Health()
	var declared slot.AgentGroup
	candidates := make([]slot.AgentHealth, 0, len(health))
	for _, h := range health {
		if h.AgentID == current {
			declared = h.Group
			continue
		}
		candidates = append(candidates, h)
	}

	group := determineGroup(current, declared, sl)
	sub, ok := m.SelectSubstitute(current, group, candidates)
	if !ok {
		return Event{}, fmt.Errorf("%w: 组 %s", ErrNoSubstitute, group)
	}
	logger.Info("🖐️ [故障切换] 手动触发槽位 %s 故障切换", slotID)
	return m.ExecuteFailover(ctx, current, slotID, sub, TriggerManual)
}

// Events 最近的故障切换事件（按时间顺序），limit<=0 表示全部
func (m *Manager) Events(limit int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.events) > limit {
		start = len(m.events) - limit
	}
	return append([]Event(nil), m.events[start:]...)
}

// Stats 故障切换统计
func (m *Manager) Stats(ctx context.Context) Stats {
	available := false
	if m.state != nil {
		available = m.state.Ping(ctx) == nil
	}

	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		Enabled:               m.settings.Enabled,
		HeartbeatThresholdSec: m.settings.HeartbeatThreshold.Seconds(),
		StoreAvailable:        available,
		TotalEvents:           m.total,
	}
	for _, ev := range m.events {
		if now.Sub(ev.Timestamp) < 24*time.Hour {
			st.EventsLast24h++
		}
	}
	start := len(m.events) - 5
	if start < 0 {
		start = 0
	}
	st.RecentEvents = append([]Event{}, m.events[start:]...)
	return st
}

// Start 启动检查循环
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		logger.Warn("⚠️ [故障切换] 管理器已在运行")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.wg.Add(1)
	go m.loop(ctx)
	s := m.currentSettings()
	logger.Info("✅ [故障切换] 检查循环已启动 (间隔: %v, 心跳阈值: %v, 启用: %v)", s.CheckInterval, s.HeartbeatThreshold, s.Enabled)
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	pm := metrics.GetPrometheusMetrics()

	for {
		start := time.Now()
		s := m.currentSettings()
		wait := s.CheckInterval
		err := utils.SafeCall(func() error {
			_, err := m.ProcessFailovers(ctx)
			return err
		})
		if err != nil {
			logger.Error("❌ [故障切换] 检查循环出错: %v", err)
			pm.RecordLoopError("failover")
			wait = s.ErrorBackoff
		} else {
			pm.RecordLoopCycle("failover", time.Since(start))
		}
		if !utils.SleepContext(ctx, wait) {
			return
		}
	}
}

// Stop 停止检查循环
func (m *Manager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.running = false
	if !utils.WaitTimeout(&m.wg, m.currentSettings().StopTimeout) {
		logger.Warn("⚠️ [故障切换] 检查循环未能在超时内退出")
		return
	}
	logger.Info("✅ [故障切换] 管理器已停止")
}
