package database

import (
	"context"
	"time"
)

// Database 数据库接口
type Database interface {
	// 保护事件
	SaveProtectionEvent(ctx context.Context, event *ProtectionEventRecord) error
	GetProtectionEvents(ctx context.Context, filter *ProtectionEventFilter) ([]*ProtectionEventRecord, error)
	GetProtectionEventStats(ctx context.Context) (*ProtectionEventStats, error)

	// 级联链与级联记录
	LoadSlotConfigs(ctx context.Context) ([]*SlotConfigRow, error)
	ReplaceSlotConfigs(ctx context.Context, rows []*SlotConfigRow) error
	SaveCascadeRecord(ctx context.Context, record *CascadeRecordRow) error
	GetCascadeRecords(ctx context.Context, limit int) ([]*CascadeRecordRow, error)

	// 故障切换事件
	SaveFailoverEvent(ctx context.Context, event *FailoverEventRecord) error
	GetFailoverEvents(ctx context.Context, filter *FailoverEventFilter) ([]*FailoverEventRecord, error)

	// 清理 keepDays 天以前的事件与记录，返回删除行数
	CleanupOldRecords(ctx context.Context, keepDays int) (int64, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// ProtectionEventRecord 保护事件记录
type ProtectionEventRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SlotID        string    `gorm:"index:idx_slot_time;size:100" json:"slot_id"`
	Source        string    `gorm:"index;size:50" json:"source"`
	EventType     string    `gorm:"index;size:100" json:"event_type"`
	Severity      string    `gorm:"index;size:20" json:"severity"` // LOW, MEDIUM, HIGH, CRITICAL
	Details       string    `gorm:"type:text" json:"details"`
	AutoGenerated bool      `json:"auto_generated"`
	CreatedAt     time.Time `gorm:"index:idx_slot_time" json:"created_at"`
}

// TableName 表名
func (ProtectionEventRecord) TableName() string { return "protection_events" }

// SlotConfigRow 级联链上的槽位配置
type SlotConfigRow struct {
	SlotID           string    `gorm:"primaryKey;size:100" json:"slot_id"`
	Position         int       `gorm:"index" json:"position"` // 链中的顺序
	CapitalBase      float64   `json:"capital_base"`
	CapitalCurrent   float64   `json:"capital_current"`
	CascadeTargetPct float64   `json:"cascade_target_pct"`
	NextSlotID       string    `gorm:"size:100" json:"next_slot_id"`
	CascadeEnabled   bool      `json:"cascade_enabled"`
	Active           bool      `json:"active"`
	AssignedAgent    string    `gorm:"size:100" json:"assigned_agent"`
	AgentGroup       string    `gorm:"size:20" json:"agent_group"`
	AgentStatus      string    `gorm:"size:20" json:"agent_status"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName 表名
func (SlotConfigRow) TableName() string { return "cascade_slots" }

// CascadeRecordRow 级联转账记录
type CascadeRecordRow struct {
	ID                string    `gorm:"primaryKey;size:64" json:"id"`
	FromSlot          string    `gorm:"index;size:100" json:"from_slot"`
	ToSlot            string    `gorm:"index;size:100" json:"to_slot"`
	ProfitTransferred float64   `json:"profit_transferred"`
	Success           bool      `gorm:"index" json:"success"`
	Error             string    `gorm:"type:text" json:"error"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
}

// TableName 表名
func (CascadeRecordRow) TableName() string { return "cascade_records" }

// FailoverEventRecord 故障切换事件，同一 EventID 的 STARTED 记录会被最终状态覆盖
type FailoverEventRecord struct {
	EventID           string    `gorm:"primaryKey;size:64" json:"event_id"`
	SlotID            string    `gorm:"index;size:100" json:"slot_id"`
	FailedAgentID     string    `gorm:"index;size:100" json:"failed_agent_id"`
	SubstituteAgentID string    `gorm:"size:100" json:"substitute_agent_id"`
	Trigger           string    `gorm:"size:50" json:"trigger_reason"`
	Status            string    `gorm:"index;size:20" json:"status"` // STARTED, COMPLETED, FAILED
	ContextPreserved  bool      `json:"context_preserved"`
	DurationMs        float64   `json:"duration_ms"`
	Error             string    `gorm:"type:text" json:"error"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName 表名
func (FailoverEventRecord) TableName() string { return "failover_events" }

// 过滤器

// ProtectionEventFilter 保护事件过滤器
type ProtectionEventFilter struct {
	SlotID    string
	Source    string
	EventType string
	Severity  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// FailoverEventFilter 故障切换事件过滤器
type FailoverEventFilter struct {
	SlotID    string
	Status    string
	StartTime *time.Time
	Limit     int
	Offset    int
}

// ProtectionEventStats 保护事件统计
type ProtectionEventStats struct {
	TotalCount       int            `json:"total_count"`
	Last24HoursCount int            `json:"last_24h_count"`
	CountBySeverity  map[string]int `json:"count_by_severity"`
	CountBySource    map[string]int `json:"count_by_source"`
	CountByType      map[string]int `json:"count_by_type"`
}
