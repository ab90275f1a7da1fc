package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

const maxMemoryRecords = 1000

var (
	defaultG1Agents = []string{"A1", "A2", "A3"}
	defaultG2Agents = []string{"A4", "A5", "A6"}
)

// Settings 级联编排参数
type Settings struct {
	CheckInterval      time.Duration
	ErrorBackoff       time.Duration
	StopTimeout        time.Duration
	DefaultSlotCount   int
	DefaultCapitalBase float64
	DefaultTargetPct   float64
	G1Agents           []string // 默认链奇数槽位轮流分配的代理
	G2Agents           []string // 默认链偶数槽位轮流分配的代理
}

// SettingsFromConfig 从配置构建参数
func SettingsFromConfig(cfg config.CascadeConfig) Settings {
	return Settings{
		CheckInterval:      time.Duration(cfg.CheckIntervalSec) * time.Second,
		ErrorBackoff:       time.Duration(cfg.ErrorBackoffSec) * time.Second,
		DefaultSlotCount:   cfg.DefaultSlotCount,
		DefaultCapitalBase: cfg.DefaultCapitalBase,
		DefaultTargetPct:   cfg.DefaultTargetPct,
	}
}

func (s Settings) normalize() Settings {
	if s.CheckInterval <= 0 {
		s.CheckInterval = 300 * time.Second
	}
	if s.ErrorBackoff <= 0 {
		s.ErrorBackoff = 60 * time.Second
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = 10 * time.Second
	}
	if s.DefaultSlotCount <= 0 {
		s.DefaultSlotCount = 10
	}
	if s.DefaultCapitalBase <= 0 {
		s.DefaultCapitalBase = 1000
	}
	if s.DefaultTargetPct <= 0 {
		s.DefaultTargetPct = 10
	}
	if len(s.G1Agents) == 0 {
		s.G1Agents = defaultG1Agents
	}
	if len(s.G2Agents) == 0 {
		s.G2Agents = defaultG2Agents
	}
	return s
}

// Deps 编排器依赖；除 Store 外均可为 nil
type Deps struct {
	Store     ChainStore
	State     store.StateStore
	Activator slot.AgentActivator
	Sink      protection.Sink
	Clock     utils.Clock
}

// Orchestrator 级联编排器：槽位盈利达到目标后把利润转入链上下一个槽位
type Orchestrator struct {
	settings  Settings
	chains    ChainStore
	state     store.StateStore
	activator slot.AgentActivator
	sink      protection.Sink
	clock     utils.Clock

	saveMu sync.Mutex

	mu            sync.RWMutex
	slots         map[string]*SlotConfig
	order         []string
	records       []Record
	totalCascades int

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// DefaultChain 生成默认级联链：奇数槽位属于 G1，偶数槽位属于 G2，只有第一个槽位启用
func DefaultChain(n int, capitalBase, targetPct float64) []SlotConfig {
	return buildDefaultChain(n, capitalBase, targetPct, defaultG1Agents, defaultG2Agents)
}

func buildDefaultChain(n int, capitalBase, targetPct float64, g1, g2 []string) []SlotConfig {
	chain := make([]SlotConfig, 0, n)
	for i := 1; i <= n; i++ {
		c := SlotConfig{
			SlotID:           fmt.Sprintf("slot_%d", i),
			CapitalBase:      capitalBase,
			CapitalCurrent:   capitalBase,
			CascadeTargetPct: targetPct,
			CascadeEnabled:   true,
			Active:           i == 1,
			AgentStatus:      slot.AgentInactive,
		}
		if i < n {
			c.NextSlotID = fmt.Sprintf("slot_%d", i+1)
		}
		if i%2 == 1 {
			c.AgentGroup = slot.GroupG1
			c.AssignedAgent = g1[(i/2)%len(g1)]
		} else {
			c.AgentGroup = slot.GroupG2
			c.AssignedAgent = g2[(i/2)%len(g2)]
		}
		if c.Active {
			c.AgentStatus = slot.AgentActive
		}
		chain = append(chain, c)
	}
	return chain
}

// New 创建编排器并加载级联链。链缺失、损坏或有环时生成默认链并尽力持久化。
func New(ctx context.Context, settings Settings, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("级联编排器需要 ChainStore")
	}
	o := &Orchestrator{
		settings:  settings.normalize(),
		chains:    deps.Store,
		state:     deps.State,
		activator: deps.Activator,
		sink:      deps.Sink,
		clock:     utils.OrRealClock(deps.Clock),
		slots:     make(map[string]*SlotConfig),
	}

	chain, err := deps.Store.LoadChain(ctx)
	if err == nil {
		err = validateChain(chain)
	}
	if err != nil {
		if errors.Is(err, ErrChainNotFound) {
			logger.Warn("⚠️ [级联] 未找到级联配置，生成默认 %d 槽位链", o.settings.DefaultSlotCount)
		} else {
			logger.Error("❌ [级联] 级联配置无效 (%v)，生成默认链", err)
		}
		s := o.settings
		chain = buildDefaultChain(s.DefaultSlotCount, s.DefaultCapitalBase, s.DefaultTargetPct, s.G1Agents, s.G2Agents)
		if err := deps.Store.SaveChain(ctx, chain); err != nil {
			logger.Error("❌ [级联] 保存默认级联配置失败: %v", err)
		}
	}
	o.setChain(chain)

	if recent, err := deps.Store.Records(ctx, maxMemoryRecords); err == nil {
		o.records = recent
		o.totalCascades = len(recent)
	}

	logger.Info("✅ [级联] 编排器初始化完成: %d 个槽位，检查间隔 %v", len(o.order), o.settings.CheckInterval)
	return o, nil
}

func (o *Orchestrator) setChain(chain []SlotConfig) {
	o.slots = make(map[string]*SlotConfig, len(chain))
	o.order = o.order[:0]
	for i := range chain {
		c := chain[i]
		o.slots[c.SlotID] = &c
		o.order = append(o.order, c.SlotID)
	}
}

func (o *Orchestrator) chainLocked() []SlotConfig {
	chain := make([]SlotConfig, 0, len(o.order))
	for _, id := range o.order {
		chain = append(chain, *o.slots[id])
	}
	return chain
}

// persist 保存最新的级联链；快照在持有 saveMu 之后获取，后写入的总是较新的状态
func (o *Orchestrator) persist(ctx context.Context) error {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()
	return o.chains.SaveChain(ctx, o.Chain())
}

// Chain 当前级联链副本（按链顺序）
func (o *Orchestrator) Chain() []SlotConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.chainLocked()
}

// CheckAllSlots 执行一轮检查，返回成功执行的级联次数。单个槽位出错不影响其他槽位。
func (o *Orchestrator) CheckAllSlots(ctx context.Context) int {
	o.mu.RLock()
	ids := append([]string(nil), o.order...)
	o.mu.RUnlock()

	executed := 0
	for _, id := range ids {
		var ok bool
		err := utils.SafeCall(func() error {
			var err error
			ok, err = o.checkSlot(ctx, id)
			return err
		})
		if err != nil {
			logger.Error("❌ [级联] 检查槽位 %s 失败: %v", id, err)
			continue
		}
		if ok {
			executed++
		}
	}
	return executed
}

// checkSlot 满足条件时执行级联；目标槽位在修改前校验，失败时两个槽位都保持不变
func (o *Orchestrator) checkSlot(ctx context.Context, slotID string) (bool, error) {
	o.mu.Lock()
	src, ok := o.slots[slotID]
	if !ok || !src.Active || !src.CascadeEnabled || src.NextSlotID == "" {
		o.mu.Unlock()
		return false, nil
	}
	profit := src.PnL()
	if profit <= 0 || src.PnLPct() < src.CascadeTargetPct {
		o.mu.Unlock()
		return false, nil
	}

	now := o.clock.Now()
	rec := Record{
		ID:                uuid.NewString(),
		Timestamp:         now,
		FromSlot:          src.SlotID,
		ToSlot:            src.NextSlotID,
		ProfitTransferred: profit,
	}
	logger.Info("🎯 [级联] 槽位 %s 达到目标: %.2f%% >= %.2f%%", src.SlotID, src.PnLPct(), src.CascadeTargetPct)

	dst, ok := o.slots[src.NextSlotID]
	if !ok || dst.SlotID == src.SlotID {
		o.mu.Unlock()
		rec.Error = fmt.Sprintf("%v: %s", ErrInvalidTarget, src.NextSlotID)
		o.finishRecord(ctx, rec, false)
		return false, nil
	}

	src.CapitalCurrent = src.CapitalBase
	dst.CapitalCurrent += profit
	dst.Active = true
	agentID := dst.AssignedAgent
	if agentID != "" {
		dst.AgentStatus = slot.AgentActive
	}
	srcCapital, dstCapital := src.CapitalCurrent, dst.CapitalCurrent
	o.mu.Unlock()

	logger.Info("💸 [级联] %s -> %s 转移利润 %.2f，%s 资金 %.2f", rec.FromSlot, rec.ToSlot, profit, rec.ToSlot, dstCapital)
	pm := metrics.GetPrometheusMetrics()
	pm.SetSlotCapital(rec.FromSlot, srcCapital)
	pm.SetSlotCapital(rec.ToSlot, dstCapital)

	if agentID != "" {
		o.activateAgent(ctx, agentID, rec.ToSlot)
	}

	rec.Success = true
	o.finishRecord(ctx, rec, true)
	return true, nil
}

// finishRecord 记录执行结果并持久化（尽力而为）
func (o *Orchestrator) finishRecord(ctx context.Context, rec Record, chainChanged bool) {
	o.mu.Lock()
	o.records = append(o.records, rec)
	if over := len(o.records) - maxMemoryRecords; over > 0 {
		o.records = append([]Record(nil), o.records[over:]...)
	}
	o.totalCascades++
	o.mu.Unlock()

	metrics.GetPrometheusMetrics().RecordCascade(rec.Success, rec.ProfitTransferred)

	if err := o.chains.AppendRecord(ctx, rec); err != nil {
		logger.Error("❌ [级联] 保存级联记录失败: %v", err)
	}
	if chainChanged {
		if err := o.persist(ctx); err != nil {
			logger.Error("❌ [级联] 保存级联配置失败: %v", err)
		}
	}

	if rec.Success {
		logger.Info("✅ [级联] %s -> %s 完成", rec.FromSlot, rec.ToSlot)
		o.emit(rec.FromSlot, "cascade_completed", fmt.Sprintf("%s -> %s 转移 %.2f", rec.FromSlot, rec.ToSlot, rec.ProfitTransferred), rec.Timestamp)
	} else {
		logger.Error("❌ [级联] %s -> %s 失败: %s", rec.FromSlot, rec.ToSlot, rec.Error)
		o.emit(rec.FromSlot, "cascade_failed", rec.Error, rec.Timestamp)
	}
}

func (o *Orchestrator) emit(slotID, eventType, details string, ts time.Time) {
	if o.sink != nil {
		o.sink.HandleProtectionEvent(slotID, protection.SourceCascade, eventType, details, ts)
	}
}

type agentStatusDoc struct {
	Status        slot.AgentStatus `json:"status"`
	AssignedSlot  string           `json:"assigned_slot"`
	ActivatedAt   *time.Time       `json:"activated_at,omitempty"`
	DeactivatedAt *time.Time       `json:"deactivated_at,omitempty"`
	LastSeen      time.Time        `json:"last_seen"`
}

// activateAgent 在共享存储中登记代理激活，并通知代理编排器；失败只记录日志
func (o *Orchestrator) activateAgent(ctx context.Context, agentID, slotID string) {
	now := o.clock.Now()
	if o.state != nil {
		doc, _ := json.Marshal(agentStatusDoc{Status: slot.AgentActive, AssignedSlot: slotID, ActivatedAt: &now, LastSeen: now})
		if err := o.state.Set(ctx, store.AgentStatusKey(agentID), doc, store.AgentKeyTTL); err != nil {
			logger.Warn("⚠️ [级联] 写入代理 %s 状态失败: %v", agentID, err)
		} else if err := o.state.Set(ctx, store.AgentSlotAssignmentKey(agentID), []byte(slotID), store.AgentKeyTTL); err != nil {
			logger.Warn("⚠️ [级联] 写入代理 %s 槽位分配失败: %v", agentID, err)
		}
	}
	if o.activator != nil {
		if err := o.activator.ActivateAgent(agentID); err != nil {
			logger.Warn("⚠️ [级联] 激活代理 %s 失败: %v", agentID, err)
			return
		}
	}
	logger.Info("🤖 [级联] 代理 %s 已激活，负责槽位 %s", agentID, slotID)
}

// deactivateAgent 在共享存储中登记代理停用
func (o *Orchestrator) deactivateAgent(ctx context.Context, agentID, slotID string) {
	if o.state == nil {
		return
	}
	now := o.clock.Now()
	doc, _ := json.Marshal(agentStatusDoc{Status: slot.AgentInactive, AssignedSlot: slotID, DeactivatedAt: &now, LastSeen: now})
	if err := o.state.Set(ctx, store.AgentStatusKey(agentID), doc, store.AgentKeyTTL); err != nil {
		logger.Warn("⚠️ [级联] 写入代理 %s 状态失败: %v", agentID, err)
		return
	}
	logger.Info("🤖 [级联] 代理 %s 已停用 (槽位 %s)", agentID, slotID)
}

// GetCascadeHistory 最近 limit 条级联记录，存储读取失败时返回内存中的记录
func (o *Orchestrator) GetCascadeHistory(ctx context.Context, limit int) []Record {
	if limit <= 0 {
		limit = 50
	}
	records, err := o.chains.Records(ctx, limit)
	if err == nil {
		return records
	}
	logger.Warn("⚠️ [级联] 读取级联历史失败，使用内存记录: %v", err)

	o.mu.RLock()
	defer o.mu.RUnlock()
	start := len(o.records) - limit
	if start < 0 {
		start = 0
	}
	return append([]Record(nil), o.records[start:]...)
}

func (o *Orchestrator) currentSettings() Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// ApplySettings 热更新循环参数，下一轮检查生效；默认链参数只在链缺失时使用
func (o *Orchestrator) ApplySettings(settings Settings) {
	settings = settings.normalize()
	o.mu.Lock()
	o.settings = settings
	o.mu.Unlock()
	logger.Info("🔄 [级联] 参数已更新 (间隔: %v)", settings.CheckInterval)
}

// Status 编排器状态
func (o *Orchestrator) Status() Status {
	o.loopMu.Lock()
	running := o.running
	o.loopMu.Unlock()

	o.mu.RLock()
	defer o.mu.RUnlock()
	st := Status{
		Running:              running,
		CheckIntervalSeconds: int(o.settings.CheckInterval / time.Second),
		TotalSlots:           len(o.order),
		TotalCascades:        o.totalCascades,
	}
	for _, c := range o.slots {
		if c.Active {
			st.ActiveSlots++
		}
	}
	if n := len(o.records); n > 0 {
		last := o.records[n-1]
		st.LastCascade = &last
	}
	return st
}

// UpdateSlotConfig 修改槽位配置（基础资金、目标、开关、启用状态）并持久化
func (o *Orchestrator) UpdateSlotConfig(ctx context.Context, slotID string, upd SlotUpdate) error {
	if upd.CapitalBase != nil && *upd.CapitalBase <= 0 {
		return fmt.Errorf("%w: capital_base 必须大于0", ErrInvalidUpdate)
	}
	if upd.CascadeTargetPct != nil && *upd.CascadeTargetPct <= 0 {
		return fmt.Errorf("%w: cascade_target_pct 必须大于0", ErrInvalidUpdate)
	}

	o.mu.Lock()
	c, ok := o.slots[slotID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
	}
	if upd.CapitalBase != nil {
		c.CapitalBase = *upd.CapitalBase
	}
	if upd.CascadeTargetPct != nil {
		c.CascadeTargetPct = *upd.CascadeTargetPct
	}
	if upd.CascadeEnabled != nil {
		c.CascadeEnabled = *upd.CascadeEnabled
	}
	var activate, deactivate bool
	if upd.Active != nil && *upd.Active != c.Active {
		c.Active = *upd.Active
		if c.AssignedAgent != "" {
			if c.Active {
				c.AgentStatus = slot.AgentActive
				activate = true
			} else {
				c.AgentStatus = slot.AgentInactive
				deactivate = true
			}
		}
	}
	agentID := c.AssignedAgent
	o.mu.Unlock()

	switch {
	case activate:
		o.activateAgent(ctx, agentID, slotID)
	case deactivate:
		o.deactivateAgent(ctx, agentID, slotID)
	}

	logger.Info("🔧 [级联] 槽位 %s 配置已更新", slotID)
	return o.persist(ctx)
}

// SetCapital 更新槽位当前资金（交易结算回写）
func (o *Orchestrator) SetCapital(ctx context.Context, slotID string, capital float64) error {
	if capital < 0 {
		return fmt.Errorf("%w: 资金不能为负数", ErrInvalidUpdate)
	}
	o.mu.Lock()
	c, ok := o.slots[slotID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
	}
	c.CapitalCurrent = capital
	o.mu.Unlock()

	metrics.GetPrometheusMetrics().SetSlotCapital(slotID, capital)
	return o.persist(ctx)
}

// ListSlots 所有槽位（按链顺序）
func (o *Orchestrator) ListSlots(ctx context.Context) ([]slot.Slot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]slot.Slot, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.slots[id].ToSlot())
	}
	return out, nil
}

// ListActiveSlots 启用中的槽位
func (o *Orchestrator) ListActiveSlots(ctx context.Context) ([]slot.Slot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []slot.Slot
	for _, id := range o.order {
		if c := o.slots[id]; c.Active {
			out = append(out, c.ToSlot())
		}
	}
	return out, nil
}

// GetSlot 查询槽位
func (o *Orchestrator) GetSlot(ctx context.Context, slotID string) (slot.Slot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.slots[slotID]
	if !ok {
		return slot.Slot{}, fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
	}
	return c.ToSlot(), nil
}

// Rebind 把槽位绑定到新的代理；持久化失败时恢复原绑定
func (o *Orchestrator) Rebind(ctx context.Context, slotID, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: 代理 ID 为空", ErrInvalidUpdate)
	}
	o.mu.Lock()
	c, ok := o.slots[slotID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
	}
	previous := c.AssignedAgent
	c.AssignedAgent = agentID
	o.mu.Unlock()

	if err := o.persist(ctx); err != nil {
		o.mu.Lock()
		if c, ok := o.slots[slotID]; ok && c.AssignedAgent == agentID {
			c.AssignedAgent = previous
		}
		o.mu.Unlock()
		return fmt.Errorf("槽位 %s 重新绑定失败: %w", slotID, err)
	}
	logger.Info("🔁 [级联] 槽位 %s 代理 %s -> %s", slotID, previous, agentID)
	return nil
}

// Start 启动检查循环
func (o *Orchestrator) Start(ctx context.Context) {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	if o.running {
		logger.Warn("⚠️ [级联] 编排器已在运行")
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.wg.Add(1)
	go o.loop(ctx)
	logger.Info("✅ [级联] 检查循环已启动 (间隔: %v)", o.currentSettings().CheckInterval)
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	pm := metrics.GetPrometheusMetrics()

	for {
		start := time.Now()
		settings := o.currentSettings()
		wait := settings.CheckInterval
		err := utils.SafeCall(func() error {
			o.CheckAllSlots(ctx)
			return nil
		})
		if err != nil {
			logger.Error("❌ [级联] 检查循环出错: %v", err)
			pm.RecordLoopError("cascade")
			wait = settings.ErrorBackoff
		} else {
			pm.RecordLoopCycle("cascade", time.Since(start))
		}
		if !utils.SleepContext(ctx, wait) {
			return
		}
	}
}

// Stop 停止检查循环，正在执行的一轮检查会先完成
func (o *Orchestrator) Stop() {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	if !o.running {
		return
	}
	o.cancel()
	o.running = false
	if !utils.WaitTimeout(&o.wg, o.currentSettings().StopTimeout) {
		logger.Warn("⚠️ [级联] 检查循环未能在超时内退出")
		return
	}
	logger.Info("✅ [级联] 编排器已停止")
}
