package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("配置无效")

// StoplossGuardConfig 止损保护配置
type StoplossGuardConfig struct {
	Enabled                   bool    `yaml:"enabled"`
	TradeLimit                int     `yaml:"trade_limit"`                  // 回看窗口内触发保护的止损次数
	LookbackPeriodMinutes     int     `yaml:"lookback_period_minutes"`      // 回看窗口（分钟）
	ProtectionDurationMinutes int     `yaml:"protection_duration_minutes"`  // 保护时长（分钟）
	MinLossThreshold          float64 `yaml:"min_loss_threshold"`           // 最小计入亏损（比例，0.01 表示 1%）
	ProfitLimit               float64 `yaml:"profit_limit"`                 // 亏损比例必须不高于该值才计入（负数）
	CleanupHorizonHours       int     `yaml:"cleanup_horizon_hours"`        // 清理多久以前的止损事件
}

// DrawdownGuardConfig 回撤保护配置
type DrawdownGuardConfig struct {
	Enabled                   bool    `yaml:"enabled"`
	MaxDrawdownPct            float64 `yaml:"max_drawdown_pct"`             // 最大回撤比例（0.20 表示 20%）
	MaxDrawdownAbs            float64 `yaml:"max_drawdown_abs"`             // 最大绝对回撤金额
	LookbackPeriodHours       int     `yaml:"lookback_period_hours"`        // 资金历史保留时长（小时）
	ProtectionDurationMinutes int     `yaml:"protection_duration_minutes"`  // 保护时长（分钟）
	MinTradesForProtection    int     `yaml:"min_trades_for_protection"`    // 触发保护所需的最少资金观测数
}

// CooldownConfig 冷却期配置
type CooldownConfig struct {
	Enabled                 bool           `yaml:"enabled"`
	MaxDurationHours        int            `yaml:"max_duration_hours"`        // 单次冷却最长时长（小时）
	MaxConcurrent           int            `yaml:"max_concurrent"`            // 同时生效的冷却数上限
	AutoExtendOnRepeat      bool           `yaml:"auto_extend_on_repeat"`     // 重复触发时自动延长
	HistorySize             int            `yaml:"history_size"`              // 冷却历史保留条数
	DefaultDurationsMinutes map[string]int `yaml:"default_durations_minutes"` // 各原因默认时长，按原因名覆盖
}

// ProtectionConfig 保护管理器配置
type ProtectionConfig struct {
	StoplossGuard             StoplossGuardConfig `yaml:"stoploss_guard"`
	DrawdownGuard             DrawdownGuardConfig `yaml:"drawdown_guard"`
	Cooldown                  CooldownConfig      `yaml:"cooldown"`
	GlobalProtectionThreshold float64             `yaml:"global_protection_threshold"` // 受保护槽位比例达到该值时紧急停止
	EmergencyStopEnabled      bool                `yaml:"emergency_stop_enabled"`
	EmergencyCooldownMinutes  int                 `yaml:"emergency_cooldown_minutes"`
	EventLogSize              int                 `yaml:"event_log_size"`
	MaintenanceIntervalSec    int                 `yaml:"maintenance_interval_seconds"`
}

// CascadeConfig 级联编排配置
type CascadeConfig struct {
	Enabled            bool    `yaml:"enabled"`
	CheckIntervalSec   int     `yaml:"check_interval_seconds"`
	ErrorBackoffSec    int     `yaml:"error_backoff_seconds"`
	Store              string  `yaml:"store"` // file / database
	ChainFile          string  `yaml:"chain_file"`
	HistoryFile        string  `yaml:"history_file"`
	DefaultSlotCount   int     `yaml:"default_slot_count"`
	DefaultCapitalBase float64 `yaml:"default_capital_base"`
	DefaultTargetPct   float64 `yaml:"default_target_pct"` // 百分比，10 表示 10%
}

// FailoverConfig 故障切换配置
type FailoverConfig struct {
	Enabled               bool   `yaml:"enabled"`
	CheckIntervalSec      int    `yaml:"check_interval_seconds"`
	ErrorBackoffSec       int    `yaml:"error_backoff_seconds"`
	HeartbeatThresholdSec int    `yaml:"heartbeat_threshold_seconds"`
	MaxLatencyMs          int    `yaml:"max_latency_ms"`
	ContextTTLSec         int    `yaml:"context_ttl_seconds"`
	HistorySize           int    `yaml:"history_size"`
	DefaultStrategy       string `yaml:"default_strategy"` // 上下文缺失时合成的默认策略
}

// AgentConfig 单个决策代理配置
type AgentConfig struct {
	ID        string `yaml:"id"`
	Group     string `yaml:"group"` // G1 / G2 / LEADER
	Strategy  string `yaml:"strategy"`
	Timeframe string `yaml:"timeframe"`
}

// AgentsConfig 代理编排配置
type AgentsConfig struct {
	ScanIntervalSec  int           `yaml:"scan_interval_seconds"`
	ErrorBackoffSec  int           `yaml:"error_backoff_seconds"`
	MinConfidence    float64       `yaml:"min_confidence"`
	MaxOpenPositions int           `yaml:"max_open_positions"`
	Symbol           string        `yaml:"symbol"`
	Agents           []AgentConfig `yaml:"agents"`
}

// StateStoreConfig 共享状态存储配置
type StateStoreConfig struct {
	Type     string `yaml:"type"` // memory / redis
	RedisURL string `yaml:"redis_url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Type            string `yaml:"type"` // sqlite / postgres / mysql
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒
	LogLevel        string `yaml:"log_level"`
	RetentionDays   int    `yaml:"retention_days"`
}

// NotificationsConfig 通知配置
type NotificationsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	MinSeverity     string  `yaml:"min_severity"` // 低于该级别的保护事件不发送
	RatePerMinute   float64 `yaml:"rate_per_minute"`
	Burst           int     `yaml:"burst"`
	TimeoutSec      int     `yaml:"timeout_seconds"`
	Webhook struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"webhook"`
	Slack struct {
		Enabled    bool   `yaml:"enabled"`
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"slack"`
	Telegram struct {
		Enabled  bool   `yaml:"enabled"`
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
}

// Config 系统配置
type Config struct {
	App struct {
		Name       string `yaml:"name"`
		InstanceID string `yaml:"instance_id"`
	} `yaml:"app"`

	System struct {
		LogLevel           string `yaml:"log_level"`
		LogFile            string `yaml:"log_file"`
		LogMaxSizeMB       int    `yaml:"log_max_size_mb"`
		LogMaxBackups      int    `yaml:"log_max_backups"`
		LogMaxAgeDays      int    `yaml:"log_max_age_days"`
		LogCompress        bool   `yaml:"log_compress"`
		Timezone           string `yaml:"timezone"`
		ShutdownTimeoutSec int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"system"`

	Protection    ProtectionConfig    `yaml:"protection"`
	Cascade       CascadeConfig       `yaml:"cascade"`
	Failover      FailoverConfig      `yaml:"failover"`
	Agents        AgentsConfig        `yaml:"agents"`
	StateStore    StateStoreConfig    `yaml:"state_store"`
	Database      DatabaseConfig      `yaml:"database"`
	Notifications NotificationsConfig `yaml:"notifications"`

	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"web"`

	Monitor struct {
		Enabled     bool `yaml:"enabled"`
		IntervalSec int  `yaml:"interval_seconds"`
	} `yaml:"monitor"`
}

// 未在 YAML 中出现的布尔开关默认开启
const defaultYAML = `
protection:
  stoploss_guard:
    enabled: true
  drawdown_guard:
    enabled: true
  cooldown:
    enabled: true
    auto_extend_on_repeat: true
  emergency_stop_enabled: true
cascade:
  enabled: true
failover:
  enabled: true
`

// DefaultConfig 返回填充默认值的配置
func DefaultConfig() *Config {
	cfg, err := LoadConfigFromBytes(nil)
	if err != nil {
		// 默认配置必然有效
		panic(err)
	}
	return cfg
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节加载配置
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultYAML), &cfg); err != nil {
		return nil, fmt.Errorf("解析默认配置失败: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv 使用环境变量覆盖配置（.env 由 main 预先加载）
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.StateStore.Type = "redis"
		c.StateStore.RedisURL = v
	}
	if v := os.Getenv("IA_FAILOVER_ENABLE"); v != "" {
		c.Failover.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("IA_FAILOVER_HEARTBEAT_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: IA_FAILOVER_HEARTBEAT_SEC=%q", ErrInvalidConfig, v)
		}
		c.Failover.HeartbeatThresholdSec = sec
	}
	if v := os.Getenv("SLOTMESH_LOG_LEVEL"); v != "" {
		c.System.LogLevel = v
	}
	return c.Validate()
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.App.Name == "" {
		c.App.Name = "slotmesh"
	}

	// 系统
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.LogMaxSizeMB <= 0 {
		c.System.LogMaxSizeMB = 100
	}
	if c.System.LogMaxBackups <= 0 {
		c.System.LogMaxBackups = 7
	}
	if c.System.LogMaxAgeDays <= 0 {
		c.System.LogMaxAgeDays = 30
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.ShutdownTimeoutSec <= 0 {
		c.System.ShutdownTimeoutSec = 10
	}

	// 止损保护
	sg := &c.Protection.StoplossGuard
	if sg.TradeLimit <= 0 {
		sg.TradeLimit = 4
	}
	if sg.LookbackPeriodMinutes <= 0 {
		sg.LookbackPeriodMinutes = 60
	}
	if sg.ProtectionDurationMinutes <= 0 {
		sg.ProtectionDurationMinutes = 60
	}
	if sg.MinLossThreshold == 0 {
		sg.MinLossThreshold = 0.01
	}
	if sg.MinLossThreshold < 0 {
		return invalid("止损最小亏损阈值不能为负数: %v", sg.MinLossThreshold)
	}
	if sg.ProfitLimit == 0 {
		sg.ProfitLimit = -0.005
	}
	if sg.ProfitLimit > 0 {
		return invalid("止损 profit_limit 必须为负数: %v", sg.ProfitLimit)
	}
	if sg.CleanupHorizonHours <= 0 {
		sg.CleanupHorizonHours = 24
	}

	// 回撤保护
	dg := &c.Protection.DrawdownGuard
	if dg.MaxDrawdownPct == 0 {
		dg.MaxDrawdownPct = 0.20
	}
	if dg.MaxDrawdownPct < 0 || dg.MaxDrawdownPct >= 1 {
		return invalid("最大回撤比例必须在 (0, 1) 之间: %v", dg.MaxDrawdownPct)
	}
	if dg.MaxDrawdownAbs == 0 {
		dg.MaxDrawdownAbs = 2000
	}
	if dg.MaxDrawdownAbs < 0 {
		return invalid("最大绝对回撤不能为负数: %v", dg.MaxDrawdownAbs)
	}
	if dg.LookbackPeriodHours <= 0 {
		dg.LookbackPeriodHours = 24
	}
	if dg.ProtectionDurationMinutes <= 0 {
		dg.ProtectionDurationMinutes = 240
	}
	if dg.MinTradesForProtection <= 0 {
		dg.MinTradesForProtection = 3
	}

	// 冷却期
	cd := &c.Protection.Cooldown
	if cd.MaxDurationHours <= 0 {
		cd.MaxDurationHours = 24
	}
	if cd.MaxConcurrent <= 0 {
		cd.MaxConcurrent = 10
	}
	if cd.HistorySize <= 0 {
		cd.HistorySize = 1000
	}
	for reason, minutes := range cd.DefaultDurationsMinutes {
		if minutes <= 0 {
			return invalid("冷却原因 %s 的默认时长必须大于0", reason)
		}
	}

	p := &c.Protection
	if p.GlobalProtectionThreshold == 0 {
		p.GlobalProtectionThreshold = 0.3
	}
	if p.GlobalProtectionThreshold < 0 || p.GlobalProtectionThreshold > 1 {
		return invalid("全局保护阈值必须在 [0, 1] 之间: %v", p.GlobalProtectionThreshold)
	}
	if p.EmergencyCooldownMinutes <= 0 {
		p.EmergencyCooldownMinutes = 60
	}
	if p.EventLogSize <= 0 {
		p.EventLogSize = 1000
	}
	if p.MaintenanceIntervalSec <= 0 {
		p.MaintenanceIntervalSec = 60
	}

	// 级联
	cc := &c.Cascade
	if cc.CheckIntervalSec <= 0 {
		cc.CheckIntervalSec = 300
	}
	if cc.ErrorBackoffSec <= 0 {
		cc.ErrorBackoffSec = 60
	}
	if cc.Store == "" {
		cc.Store = "file"
	}
	if cc.Store != "file" && cc.Store != "database" {
		return invalid("不支持的级联存储类型: %s", cc.Store)
	}
	if cc.ChainFile == "" {
		cc.ChainFile = "./data/cascade_config.json"
	}
	if cc.HistoryFile == "" {
		cc.HistoryFile = "./data/cascade_history.jsonl"
	}
	if cc.DefaultSlotCount <= 0 {
		cc.DefaultSlotCount = 10
	}
	if cc.DefaultCapitalBase <= 0 {
		cc.DefaultCapitalBase = 1000
	}
	if cc.DefaultTargetPct <= 0 {
		cc.DefaultTargetPct = 10
	}

	// 故障切换
	fc := &c.Failover
	if fc.CheckIntervalSec <= 0 {
		fc.CheckIntervalSec = 15
	}
	if fc.ErrorBackoffSec <= 0 {
		fc.ErrorBackoffSec = 30
	}
	if fc.HeartbeatThresholdSec <= 0 {
		fc.HeartbeatThresholdSec = 30
	}
	if fc.MaxLatencyMs <= 0 {
		fc.MaxLatencyMs = 5000
	}
	if fc.ContextTTLSec <= 0 {
		fc.ContextTTLSec = 3600
	}
	if fc.HistorySize <= 0 {
		fc.HistorySize = 100
	}
	if fc.DefaultStrategy == "" {
		fc.DefaultStrategy = "momentum"
	}

	// 代理
	ac := &c.Agents
	if ac.ScanIntervalSec <= 0 {
		ac.ScanIntervalSec = 30
	}
	if ac.ErrorBackoffSec <= 0 {
		ac.ErrorBackoffSec = 10
	}
	if ac.MinConfidence == 0 {
		ac.MinConfidence = 0.65
	}
	if ac.MinConfidence < 0 || ac.MinConfidence > 1 {
		return invalid("最小置信度必须在 [0, 1] 之间: %v", ac.MinConfidence)
	}
	if ac.MaxOpenPositions <= 0 {
		ac.MaxOpenPositions = 1
	}
	if ac.Symbol == "" {
		ac.Symbol = "BTC/USDT"
	}
	if len(ac.Agents) == 0 {
		ac.Agents = defaultAgents()
	}
	seen := make(map[string]bool, len(ac.Agents))
	for i := range ac.Agents {
		a := &ac.Agents[i]
		if a.ID == "" {
			return invalid("第 %d 个代理缺少 id", i+1)
		}
		if seen[a.ID] {
			return invalid("代理 id 重复: %s", a.ID)
		}
		seen[a.ID] = true
		a.Group = strings.ToUpper(a.Group)
		switch a.Group {
		case "G1", "G2", "LEADER":
		default:
			return invalid("代理 %s 的分组无效: %q", a.ID, a.Group)
		}
	}

	// 共享存储
	ss := &c.StateStore
	if ss.Type == "" {
		ss.Type = "memory"
	}
	switch ss.Type {
	case "memory":
	case "redis":
		if ss.RedisURL == "" && ss.Addr == "" {
			ss.Addr = "localhost:6379"
		}
		if ss.PoolSize <= 0 {
			ss.PoolSize = 10
		}
	default:
		return invalid("不支持的状态存储类型: %s", ss.Type)
	}

	// 数据库
	db := &c.Database
	if db.Type == "" {
		db.Type = "sqlite"
	}
	if db.DSN == "" && db.Type == "sqlite" {
		db.DSN = "./data/slotmesh.db"
	}
	if db.Enabled && db.DSN == "" {
		return invalid("数据库 %s 缺少 dsn", db.Type)
	}
	if db.MaxOpenConns <= 0 {
		db.MaxOpenConns = 10
	}
	if db.MaxIdleConns <= 0 {
		db.MaxIdleConns = 2
	}
	if db.ConnMaxLifetime <= 0 {
		db.ConnMaxLifetime = 3600
	}
	if db.RetentionDays <= 0 {
		db.RetentionDays = 30
	}
	if c.Cascade.Store == "database" && !db.Enabled {
		return invalid("级联存储为 database 时必须启用数据库")
	}

	// 通知
	n := &c.Notifications
	if n.MinSeverity == "" {
		n.MinSeverity = "HIGH"
	}
	if n.RatePerMinute <= 0 {
		n.RatePerMinute = 20
	}
	if n.Burst <= 0 {
		n.Burst = 5
	}
	if n.TimeoutSec <= 0 {
		n.TimeoutSec = 10
	}

	// Web
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 28890
	}

	if c.Monitor.IntervalSec <= 0 {
		c.Monitor.IntervalSec = 30
	}

	return nil
}

func defaultAgents() []AgentConfig {
	agents := make([]AgentConfig, 0, 7)
	for i := 1; i <= 4; i++ {
		agents = append(agents, AgentConfig{ID: fmt.Sprintf("g1_scalp_%d", i), Group: "G1", Strategy: "scalp", Timeframe: "5m"})
	}
	for i := 1; i <= 3; i++ {
		agents = append(agents, AgentConfig{ID: fmt.Sprintf("g2_trend_%d", i), Group: "G2", Strategy: "trend", Timeframe: "15m"})
	}
	return agents
}
