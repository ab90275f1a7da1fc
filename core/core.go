package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"slotmesh/agent"
	"slotmesh/cascade"
	"slotmesh/config"
	"slotmesh/database"
	"slotmesh/event"
	"slotmesh/failover"
	"slotmesh/logger"
	"slotmesh/monitor"
	"slotmesh/notify"
	"slotmesh/protection"
	"slotmesh/slot"
	"slotmesh/store"
	"slotmesh/utils"
	"slotmesh/web"
)

// Collaborators 交易侧的外部组件；行情或决策组件缺失时代理循环不启动
type Collaborators struct {
	Market    agent.MarketDataProvider
	Decider   agent.DecisionMaker
	Executor  agent.Executor
	Positions agent.PositionCounter
}

// Options 创建 Core 的可选项
type Options struct {
	Clock         utils.Clock
	StateStore    store.StateStore  // 为空时按配置创建
	Database      database.Database // 为空且配置启用时按配置创建
	Collaborators Collaborators
}

// GlobalStatus 全局状态：保护状态加上各编排器的概要
type GlobalStatus struct {
	protection.GlobalStatus
	Cascade             cascade.Status `json:"cascade"`
	Agents              agent.Summary  `json:"agents"`
	Failover            failover.Stats `json:"failover"`
	StateStoreAvailable bool           `json:"state_store_available"`
}

// activatorFunc 延迟绑定的代理激活回调
type activatorFunc func(agentID string) error

func (f activatorFunc) ActivateAgent(agentID string) error { return f(agentID) }

// Core 组合根：装配保护、级联、故障切换与代理编排，统一启停
type Core struct {
	clock utils.Clock

	cfgMu sync.RWMutex
	cfg   *config.Config

	state    store.StateStore
	db       database.Database
	events   *event.EventCenter
	notifier *notify.NotificationService

	protection *protection.Manager
	cascade    *cascade.Orchestrator
	agents     *agent.Orchestrator
	failover   *failover.Manager

	monitor *monitor.SystemMonitor
	web     *web.WebServer

	runMu       sync.Mutex
	running     bool
	agentsStart bool
}

// New 按配置装配所有组件；级联链在此加载，循环在 Start 时启动
func New(ctx context.Context, cfg *config.Config, opts Options) (*Core, error) {
	if cfg == nil {
		return nil, errors.New("配置不能为空")
	}
	c := &Core{
		clock: utils.OrRealClock(opts.Clock),
		cfg:   cfg,
	}
	stopTimeout := shutdownTimeout(cfg)

	// 共享存储
	c.state = opts.StateStore
	if c.state == nil {
		st, err := store.NewStateStore(cfg.StateStore, c.clock)
		if err != nil {
			return nil, fmt.Errorf("创建共享存储失败: %w", err)
		}
		c.state = st
	}
	if err := c.state.Ping(ctx); err != nil {
		logger.Warn("⚠️ 共享存储不可用，故障切换的上下文迁移将失败: %v", err)
	} else {
		logger.Info("✅ 共享存储已连接 (%s)", cfg.StateStore.Type)
	}

	// 数据库
	c.db = opts.Database
	if c.db == nil && cfg.Database.Enabled {
		db, err := database.NewDatabase(database.ConfigFrom(cfg.Database))
		if err != nil {
			if cfg.Cascade.Store == "database" {
				return nil, fmt.Errorf("初始化数据库失败: %w", err)
			}
			logger.Warn("⚠️ 初始化数据库失败，保护事件不落库: %v", err)
		} else {
			c.db = db
			logger.Info("✅ 数据库已连接 (%s)", cfg.Database.Type)
		}
	}

	// 事件与通知
	c.notifier = notify.NewNotificationService(cfg.Notifications)
	ecCfg := event.DefaultEventCenterConfig()
	ecCfg.MinSeverity = protection.ParseSeverity(cfg.Notifications.MinSeverity)
	ecCfg.RetentionDays = cfg.Database.RetentionDays
	c.events = event.NewEventCenter(c.db, event.NewEventBus(0), c.notifier, ecCfg)

	// 保护管理器；级联与故障切换的事件也经它记录后转发
	ps := protection.SettingsFromConfig(cfg.Protection)
	ps.StopTimeout = stopTimeout
	c.protection = protection.NewManager(ps, c.clock, c.events)

	// 级联编排器
	agentSettings := agent.SettingsFromConfig(cfg.Agents)
	agentSettings.StopTimeout = stopTimeout
	agentSettings.ContextTTL = time.Duration(cfg.Failover.ContextTTLSec) * time.Second
	cs := cascade.SettingsFromConfig(cfg.Cascade)
	cs.StopTimeout = stopTimeout
	cs.G1Agents, cs.G2Agents = groupAgentIDs(agentSettings.Agents)

	var chains cascade.ChainStore
	if cfg.Cascade.Store == "database" {
		chains = database.NewChainStore(c.db)
	} else {
		chains = cascade.NewFileChainStore(cfg.Cascade.ChainFile, cfg.Cascade.HistoryFile)
	}
	orch, err := cascade.New(ctx, cs, cascade.Deps{
		Store: chains,
		State: c.state,
		Activator: activatorFunc(func(agentID string) error {
			return c.agents.ActivateAgent(agentID)
		}),
		Sink:  c.protection,
		Clock: c.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("创建级联编排器失败: %w", err)
	}
	c.cascade = orch

	// 代理编排器
	collab := opts.Collaborators
	c.agents = agent.NewOrchestrator(agentSettings, agent.Deps{
		Slots:     c.cascade,
		Positions: collab.Positions,
		Market:    collab.Market,
		Decider:   collab.Decider,
		Executor:  collab.Executor,
		Gate:      c.protection,
		State:     c.state,
		Clock:     c.clock,
	})
	c.agentsStart = collab.Market != nil && collab.Decider != nil
	c.syncAgentStatuses()

	// 故障切换管理器
	fs := failover.SettingsFromConfig(cfg.Failover)
	fs.StopTimeout = stopTimeout
	deps := failover.Deps{
		State:    c.state,
		Registry: c.cascade,
		Binder:   c.cascade,
		Agents:   c.agents,
		Statuses: c.agents,
		Sink:     c.protection,
		Clock:    c.clock,
	}
	if c.db != nil {
		deps.Recorder = database.NewFailoverRecorder(c.db)
	}
	c.failover = failover.NewManager(fs, deps)

	// 运维
	if cfg.Monitor.Enabled {
		m, err := monitor.NewSystemMonitor(time.Duration(cfg.Monitor.IntervalSec) * time.Second)
		if err != nil {
			logger.Warn("⚠️ 创建资源监控失败: %v", err)
		} else {
			c.monitor = m
		}
	}
	if cfg.Web.Enabled {
		c.web = web.NewWebServer(cfg.Web.Host, cfg.Web.Port, cfg.System.LogLevel == "debug", c)
	}

	return c, nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.System.ShutdownTimeoutSec > 0 {
		return time.Duration(cfg.System.ShutdownTimeoutSec) * time.Second
	}
	return 10 * time.Second
}

// groupAgentIDs 按分组拆分代理，供默认级联链分配
func groupAgentIDs(profiles []agent.Profile) (g1, g2 []string) {
	if len(profiles) == 0 {
		profiles = agent.DefaultProfiles()
	}
	for _, p := range profiles {
		switch p.Group {
		case slot.GroupG1:
			g1 = append(g1, p.ID)
		case slot.GroupG2:
			g2 = append(g2, p.ID)
		}
	}
	return g1, g2
}

// syncAgentStatuses 按级联链中已启用槽位激活对应代理
func (c *Core) syncAgentStatuses() {
	for _, sc := range c.cascade.Chain() {
		if !sc.Active || sc.AssignedAgent == "" || sc.AgentStatus != slot.AgentActive {
			continue
		}
		if err := c.agents.ActivateAgent(sc.AssignedAgent); err != nil {
			logger.Warn("⚠️ 槽位 %s 绑定的代理 %s 无法激活: %v", sc.SlotID, sc.AssignedAgent, err)
		}
	}
}

// Protection 保护管理器
func (c *Core) Protection() *protection.Manager { return c.protection }

// Cascade 级联编排器
func (c *Core) Cascade() *cascade.Orchestrator { return c.cascade }

// Agents 代理编排器
func (c *Core) Agents() *agent.Orchestrator { return c.agents }

// Failover 故障切换管理器
func (c *Core) Failover() *failover.Manager { return c.failover }

// EvaluateProtection 判断槽位当前能否交易；trades 与 capital 可为空
func (c *Core) EvaluateProtection(slotID string, trades []protection.Trade, capital *float64) protection.Verdict {
	return c.protection.Evaluate(slotID, trades, capital)
}

// ApplyManualProtection 手动施加保护，kind 为 stoploss / drawdown / cooldown
func (c *Core) ApplyManualProtection(slotID, kind string, duration time.Duration, reason string) error {
	k, err := protection.ParseKind(kind)
	if err != nil {
		return err
	}
	return c.protection.ApplyManualProtection(slotID, k, duration, reason)
}

// GetGlobalStatus 全局状态快照
func (c *Core) GetGlobalStatus(ctx context.Context) GlobalStatus {
	fs := c.failover.Stats(ctx)
	return GlobalStatus{
		GlobalStatus:        c.protection.GlobalStatus(),
		Cascade:             c.cascade.Status(),
		Agents:              c.agents.Summary(),
		Failover:            fs,
		StateStoreAvailable: fs.StoreAvailable,
	}
}

// GetCascadeHistory 最近 limit 条级联记录
func (c *Core) GetCascadeHistory(ctx context.Context, limit int) []cascade.Record {
	return c.cascade.GetCascadeHistory(ctx, limit)
}

// GetFailoverStats 故障切换统计
func (c *Core) GetFailoverStats(ctx context.Context) failover.Stats {
	return c.failover.Stats(ctx)
}

// TriggerManualFailover 手动为槽位执行故障切换
func (c *Core) TriggerManualFailover(ctx context.Context, slotID string) (failover.Event, error) {
	return c.failover.TriggerManualFailover(ctx, slotID)
}

// HealthCheck 实现 web.StatusProvider
func (c *Core) HealthCheck(ctx context.Context) (bool, map[string]string) {
	components := map[string]string{"state_store": "ok"}
	ok := true
	if err := c.state.Ping(ctx); err != nil {
		components["state_store"] = err.Error()
		ok = false
	}
	if c.db != nil {
		components["database"] = "ok"
		if err := c.db.Ping(ctx); err != nil {
			components["database"] = err.Error()
			ok = false
		}
	}
	if stop, reason := c.protection.EmergencyStop(); stop {
		components["emergency_stop"] = reason
	}
	return ok, components
}

// StatusSnapshot 实现 web.StatusProvider
func (c *Core) StatusSnapshot(ctx context.Context) interface{} {
	return c.GetGlobalStatus(ctx)
}

// Start 启动事件中心与各个循环；运维服务端口监听失败时返回错误
func (c *Core) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}

	c.events.Start(ctx)
	c.protection.Start(ctx)
	if c.monitor != nil {
		c.monitor.Start(ctx)
	}

	c.cfgMu.RLock()
	cascadeEnabled := c.cfg.Cascade.Enabled
	c.cfgMu.RUnlock()
	if cascadeEnabled {
		c.cascade.Start(ctx)
	} else {
		logger.Info("⏸️ [级联] 级联编排未启用")
	}

	// 检查循环始终运行，自动切换关闭时只跳过检测
	c.failover.Start(ctx)

	if c.agentsStart {
		c.agents.Start(ctx)
	} else {
		logger.Info("⏸️ [代理] 未配置行情或决策组件，决策循环不启动")
	}

	if c.web != nil {
		if err := c.web.Start(); err != nil {
			c.running = true
			return err
		}
	}

	c.running = true
	logger.Info("✅ slotmesh 核心已启动")
	return nil
}

// Stop 按启动的逆序停止所有组件并关闭存储
func (c *Core) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	c.running = false

	timeout := func() time.Duration {
		c.cfgMu.RLock()
		defer c.cfgMu.RUnlock()
		return shutdownTimeout(c.cfg)
	}()

	if c.web != nil {
		c.web.Stop(timeout)
	}
	c.agents.Stop()
	c.failover.Stop()
	c.cascade.Stop()
	if c.monitor != nil {
		c.monitor.Stop()
	}
	c.protection.Stop()
	c.events.Stop()
	c.notifier.Wait()

	if err := c.state.Close(); err != nil {
		logger.Warn("⚠️ 关闭共享存储失败: %v", err)
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			logger.Warn("⚠️ 关闭数据库失败: %v", err)
		}
	}
	logger.Info("✅ slotmesh 核心已停止")
}

// ApplyConfig 热更新回调：重新应用守卫阈值与循环参数
func (c *Core) ApplyConfig(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
	if newCfg == nil {
		return errors.New("新配置不能为空")
	}
	stopTimeout := shutdownTimeout(newCfg)

	if diff == nil || diff.Changed("protection") || diff.Changed("system") {
		ps := protection.SettingsFromConfig(newCfg.Protection)
		ps.StopTimeout = stopTimeout
		c.protection.ApplySettings(ps)
	}
	if diff == nil || diff.Changed("cascade") || diff.Changed("agents") || diff.Changed("failover") || diff.Changed("system") {
		as := agent.SettingsFromConfig(newCfg.Agents)
		as.StopTimeout = stopTimeout
		as.ContextTTL = time.Duration(newCfg.Failover.ContextTTLSec) * time.Second
		cs := cascade.SettingsFromConfig(newCfg.Cascade)
		cs.StopTimeout = stopTimeout
		cs.G1Agents, cs.G2Agents = groupAgentIDs(as.Agents)
		c.cascade.ApplySettings(cs)
		c.agents.ApplySettings(as)
	}
	if diff == nil || diff.Changed("failover") || diff.Changed("system") {
		fs := failover.SettingsFromConfig(newCfg.Failover)
		fs.StopTimeout = stopTimeout
		c.failover.ApplySettings(fs)
	}
	if diff == nil || diff.Changed("system") {
		logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
	}
	if diff != nil && diff.RequiresRestart {
		logger.Warn("⚠️ 配置段 %v 中的部分变更需要重启才能生效", diff.Sections)
	}

	c.cfgMu.Lock()
	c.cfg = newCfg
	c.cfgMu.Unlock()
	return nil
}
