package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"slotmesh/config"
	"slotmesh/logger"
	"slotmesh/metrics"
	"slotmesh/protection"
	"slotmesh/slot"
	"slotmesh/store"
	"slotmesh/utils"
)

// Settings 代理编排参数
type Settings struct {
	ScanInterval     time.Duration
	ErrorBackoff     time.Duration
	StopTimeout      time.Duration
	MinConfidence    float64
	MaxOpenPositions int
	Symbol           string
	ContextTTL       time.Duration // 槽位上下文过期时间
	Agents           []Profile
}

// SettingsFromConfig 从配置构建参数
func SettingsFromConfig(cfg config.AgentsConfig) Settings {
	s := Settings{
		ScanInterval:     time.Duration(cfg.ScanIntervalSec) * time.Second,
		ErrorBackoff:     time.Duration(cfg.ErrorBackoffSec) * time.Second,
		MinConfidence:    cfg.MinConfidence,
		MaxOpenPositions: cfg.MaxOpenPositions,
		Symbol:           cfg.Symbol,
	}
	for _, a := range cfg.Agents {
		s.Agents = append(s.Agents, Profile{
			ID:        a.ID,
			Group:     slot.AgentGroup(strings.ToUpper(a.Group)),
			Strategy:  a.Strategy,
			Timeframe: a.Timeframe,
		})
	}
	return s
}

// DefaultProfiles 默认代理：4 个 G1 短线代理和 3 个 G2 趋势代理
func DefaultProfiles() []Profile {
	profiles := make([]Profile, 0, 7)
	for i := 1; i <= 4; i++ {
		profiles = append(profiles, Profile{ID: fmt.Sprintf("g1_scalp_%d", i), Group: slot.GroupG1, Strategy: "scalp", Timeframe: "5m"})
	}
	for i := 1; i <= 3; i++ {
		profiles = append(profiles, Profile{ID: fmt.Sprintf("g2_trend_%d", i), Group: slot.GroupG2, Strategy: "trend", Timeframe: "15m"})
	}
	return profiles
}

func (s Settings) normalize() Settings {
	if s.ScanInterval <= 0 {
		s.ScanInterval = 30 * time.Second
	}
	if s.ErrorBackoff <= 0 {
		s.ErrorBackoff = 10 * time.Second
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = 10 * time.Second
	}
	if s.MinConfidence <= 0 {
		s.MinConfidence = 0.65
	}
	if s.MaxOpenPositions <= 0 {
		s.MaxOpenPositions = 1
	}
	if s.Symbol == "" {
		s.Symbol = "BTC/USDT"
	}
	if s.ContextTTL <= 0 {
		s.ContextTTL = store.SlotContextTTL
	}
	if len(s.Agents) == 0 {
		s.Agents = DefaultProfiles()
	}
	return s
}

// Deps 编排器协作组件；Slots、Market、Decider 缺失时决策循环不做任何事
type Deps struct {
	Slots     slot.Registry
	Positions PositionCounter
	Market    MarketDataProvider
	Decider   DecisionMaker
	Executor  Executor
	Gate      ProtectionGate
	State     store.StateStore // 为空时不写槽位上下文
	Clock     utils.Clock
}

type agentState struct {
	profile Profile
	status  slot.AgentStatus
	stats   Stats
	health  slot.AgentHealth
}

// Orchestrator 代理编排器：维护代理注册表，周期性地让活跃槽位的代理做决策并执行
type Orchestrator struct {
	deps  Deps
	clock utils.Clock

	// mu 同时保护注册表、计数器和运行状态
	mu       sync.Mutex
	settings Settings
	agents   map[string]*agentState
	order    []string
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewOrchestrator 创建编排器，所有代理初始为 INACTIVE
func NewOrchestrator(settings Settings, deps Deps) *Orchestrator {
	o := &Orchestrator{
		deps:   deps,
		clock:  utils.OrRealClock(deps.Clock),
		agents: make(map[string]*agentState),
	}
	o.settings = settings.normalize()
	o.registerLocked(o.settings.Agents)
	logger.Info("✅ [代理] 已初始化 %d 个代理", len(o.order))
	return o
}

func (o *Orchestrator) registerLocked(profiles []Profile) int {
	added := 0
	for _, p := range profiles {
		if p.ID == "" {
			continue
		}
		if _, ok := o.agents[p.ID]; ok {
			o.agents[p.ID].profile = p
			continue
		}
		o.agents[p.ID] = &agentState{
			profile: p,
			status:  slot.AgentInactive,
			health: slot.AgentHealth{
				AgentID:   p.ID,
				Group:     p.Group,
				Status:    slot.HealthGreen,
				UptimePct: 100,
			},
		}
		o.order = append(o.order, p.ID)
		added++
	}
	return added
}

// ApplySettings 热更新参数；新出现的代理会被注册，已有代理保留状态
func (o *Orchestrator) ApplySettings(settings Settings) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings = settings.normalize()
	if added := o.registerLocked(o.settings.Agents); added > 0 {
		logger.Info("🔧 [代理] 新增 %d 个代理", added)
	}
}

// setStatusLocked 更新状态并刷新活跃代理数量指标
func (o *Orchestrator) setStatusLocked(a *agentState, status slot.AgentStatus) {
	a.status = status
	active := 0
	for _, s := range o.agents {
		if s.status == slot.AgentActive {
			active++
		}
	}
	metrics.GetPrometheusMetrics().SetActiveAgents(active)
}

// ActivateAgent 激活代理
func (o *Orchestrator) ActivateAgent(agentID string) error {
	if err := o.SetAgentStatus(agentID, slot.AgentActive); err != nil {
		logger.Error("❌ [代理] 激活代理 %s 失败: %v", agentID, err)
		return err
	}
	logger.Info("✅ [代理] 代理 %s 已激活", agentID)
	return nil
}

// DeactivateAgent 停用代理
func (o *Orchestrator) DeactivateAgent(agentID string) error {
	if err := o.SetAgentStatus(agentID, slot.AgentInactive); err != nil {
		logger.Error("❌ [代理] 停用代理 %s 失败: %v", agentID, err)
		return err
	}
	logger.Info("🛑 [代理] 代理 %s 已停用", agentID)
	return nil
}

// SetAgentStatus 设置代理状态
func (o *Orchestrator) SetAgentStatus(agentID string, status slot.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("未知的代理状态: %s", status)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.status != status {
		logger.Debug("[代理] %s 状态 %s -> %s", agentID, a.status, status)
	}
	o.setStatusLocked(a, status)
	return nil
}

// ReportHeartbeat 代理上报心跳及健康指标
func (o *Orchestrator) ReportHeartbeat(agentID string, status slot.HealthStatus, latencyMs, uptimePct, accuracy float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.health.Status = status
	a.health.LatencyMs = latencyMs
	a.health.UptimePct = uptimePct
	a.health.Accuracy = accuracy
	a.health.LastHeartbeat = o.clock.Now()
	return nil
}

// healthLocked ERROR 状态的代理视为 RED，暂停的代理视为 AMBER
func healthLocked(a *agentState) slot.AgentHealth {
	h := a.health
	h.AgentID = a.profile.ID
	h.Group = a.profile.Group
	switch a.status {
	case slot.AgentError:
		h.Status = slot.HealthRed
	case slot.AgentPaused:
		if h.Status == slot.HealthGreen {
			h.Status = slot.HealthAmber
		}
	}
	return h
}

// Health 所有代理的健康快照（注册顺序）
func (o *Orchestrator) Health() []slot.AgentHealth {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]slot.AgentHealth, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, healthLocked(o.agents[id]))
	}
	return out
}

// Agents 所有代理的完整视图（注册顺序）
func (o *Orchestrator) Agents() []Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Info, 0, len(o.order))
	for _, id := range o.order {
		a := o.agents[id]
		st := a.stats
		if st.LastDecision != nil {
			d := *st.LastDecision
			st.LastDecision = &d
		}
		out = append(out, Info{Profile: a.profile, Status: a.status, Stats: st, Health: healthLocked(a)})
	}
	return out
}

// Agent 单个代理视图
func (o *Orchestrator) Agent(agentID string) (Info, error) {
	for _, info := range o.Agents() {
		if info.ID == agentID {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
}

// Summary 汇总统计
func (o *Orchestrator) Summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Summary{TotalAgents: len(o.agents), Running: o.running}
	for _, a := range o.agents {
		if a.status == slot.AgentActive {
			s.ActiveAgents++
		}
		s.TotalDecisions += a.stats.DecisionsCount
		s.SuccessfulTrades += a.stats.SuccessfulTrades
		s.FailedTrades += a.stats.FailedTrades
	}
	s.InactiveAgents = s.TotalAgents - s.ActiveAgents
	if done := s.SuccessfulTrades + s.FailedTrades; done > 0 {
		s.SuccessRate = float64(s.SuccessfulTrades) / float64(done) * 100
	}
	return s
}

// RunCycle 执行一轮决策：遍历活跃槽位，单个槽位出错不影响其他槽位。
// 本轮结束后用活跃槽位资金总和更新组合回撤。
func (o *Orchestrator) RunCycle(ctx context.Context) (int, error) {
	if o.deps.Slots == nil || o.deps.Market == nil || o.deps.Decider == nil {
		return 0, nil
	}
	slots, err := o.deps.Slots.ListActiveSlots(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取活跃槽位失败: %w", err)
	}
	if len(slots) == 0 {
		logger.Debug("[代理] 没有活跃槽位")
		return 0, nil
	}
	logger.Debug("[代理] 处理 %d 个活跃槽位", len(slots))

	executed := 0
	total := 0.0
	for _, sl := range slots {
		total += sl.CapitalCurrent
		err := utils.SafeCall(func() error {
			ok, err := o.processSlot(ctx, sl)
			if ok {
				executed++
			}
			return err
		})
		if err != nil {
			logger.Error("❌ [代理] 处理槽位 %s 出错: %v", sl.ID, err)
		}
	}

	if o.deps.Gate != nil && total > 0 {
		if _, err := o.deps.Gate.UpdateGlobalCapital(total); err != nil {
			logger.Warn("⚠️ [代理] 更新组合资金失败: %v", err)
		}
	}
	return executed, nil
}

// processSlot 处理单个槽位，返回是否下单成功
func (o *Orchestrator) processSlot(ctx context.Context, sl slot.Slot) (bool, error) {
	agentID := sl.AssignedAgentID
	if agentID == "" {
		return false, nil
	}

	o.mu.Lock()
	a, ok := o.agents[agentID]
	var profile Profile
	active := false
	if ok {
		profile = a.profile
		active = a.status == slot.AgentActive
	}
	s := o.settings
	o.mu.Unlock()

	if !ok {
		logger.Warn("⚠️ [代理] 槽位 %s 绑定的代理 %s 不存在", sl.ID, agentID)
		return false, nil
	}
	if !active {
		return false, nil
	}

	if o.deps.Positions != nil {
		open, err := o.deps.Positions.OpenPositions(ctx, sl.ID)
		if err != nil {
			return false, fmt.Errorf("查询持仓失败: %w", err)
		}
		if open >= s.MaxOpenPositions {
			logger.Debug("[代理] 槽位 %s 已有 %d 个持仓 (上限 %d)", sl.ID, open, s.MaxOpenPositions)
			return false, nil
		}
	}

	data, err := o.deps.Market.FetchMarketData(ctx, s.Symbol, profile.Timeframe)
	if err != nil {
		return false, fmt.Errorf("获取 %s 行情失败: %w", s.Symbol, err)
	}

	decision, err := o.deps.Decider.Decide(ctx, profile, data)
	if err != nil {
		return false, fmt.Errorf("代理 %s 决策失败: %w", agentID, err)
	}
	if decision.Timestamp.IsZero() {
		decision.Timestamp = o.clock.Now()
	}

	o.mu.Lock()
	if a, ok := o.agents[agentID]; ok {
		d := decision
		a.stats.DecisionsCount++
		a.stats.LastDecision = &d
		a.stats.LastExecution = o.clock.Now()
	}
	o.mu.Unlock()
	metrics.GetPrometheusMetrics().RecordAgentDecision(agentID)

	var verdict *protection.Verdict
	if o.deps.Gate != nil {
		capital := sl.CapitalCurrent
		v := o.deps.Gate.Evaluate(sl.ID, nil, &capital)
		verdict = &v
	}
	o.refreshSlotContext(ctx, sl, profile, decision, verdict, s.ContextTTL)

	if verdict != nil && !verdict.CanTrade {
		logger.Info("🛡️ [代理] 槽位 %s 受保护，忽略代理 %s 的 %s 信号", sl.ID, agentID, decision.Signal)
		return false, nil
	}

	if !decision.Signal.Actionable() || decision.Confidence < s.MinConfidence {
		logger.Debug("[代理] %s: %s %s (置信度 %.2f%%) 观望", agentID, decision.Signal, s.Symbol, decision.Confidence*100)
		return false, nil
	}
	if o.deps.Executor == nil {
		return false, errors.New("未配置交易执行器")
	}

	logger.Info("🎯 [代理] %s: %s %s (置信度 %.2f%%)", agentID, decision.Signal, s.Symbol, decision.Confidence*100)
	filled, err := o.deps.Executor.Execute(ctx, sl, decision, data)
	success := err == nil && filled

	o.mu.Lock()
	if a, ok := o.agents[agentID]; ok {
		if success {
			a.stats.SuccessfulTrades++
		} else {
			a.stats.FailedTrades++
		}
	}
	o.mu.Unlock()
	metrics.GetPrometheusMetrics().RecordAgentTrade(agentID, success)

	if err != nil {
		return false, fmt.Errorf("槽位 %s 执行交易失败: %w", sl.ID, err)
	}
	if !filled {
		logger.Warn("⚠️ [代理] 槽位 %s 交易未成交", sl.ID)
		return false, nil
	}
	logger.Info("✅ [代理] 槽位 %s 交易已执行: %s %s @ %.4f", sl.ID, decision.Signal, s.Symbol, data.CurrentPrice)
	return true, nil
}

// Start 启动决策循环
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		logger.Warn("⚠️ [代理] 编排器已在运行")
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.wg.Add(1)
	go o.loop(ctx)
	logger.Info("🚀 [代理] 决策循环已启动 (间隔: %v)", o.settings.ScanInterval)
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	pm := metrics.GetPrometheusMetrics()

	for {
		start := time.Now()
		o.mu.Lock()
		s := o.settings
		o.mu.Unlock()

		wait := s.ScanInterval
		err := utils.SafeCall(func() error {
			_, err := o.RunCycle(ctx)
			return err
		})
		if err != nil {
			logger.Error("❌ [代理] 决策循环出错: %v", err)
			pm.RecordLoopError("agents")
			wait = s.ErrorBackoff
		} else {
			pm.RecordLoopCycle("agents", time.Since(start))
		}
		if !utils.SleepContext(ctx, wait) {
			return
		}
	}
}

// Stop 停止决策循环并等待当前一轮结束
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.cancel()
	o.running = false
	timeout := o.settings.StopTimeout
	o.mu.Unlock()

	if !utils.WaitTimeout(&o.wg, timeout) {
		logger.Warn("⚠️ [代理] 决策循环未能在超时内退出")
		return
	}
	logger.Info("🛑 [代理] 编排器已停止")
}
