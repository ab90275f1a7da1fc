package slot

import (
	"context"
	"time"
)

// AgentStatus 代理运行状态
type AgentStatus string

const (
	AgentActive   AgentStatus = "ACTIVE"
	AgentInactive AgentStatus = "INACTIVE"
	AgentError    AgentStatus = "ERROR"
	AgentPaused   AgentStatus = "PAUSED"
)

// Valid 是否为已知状态
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentInactive, AgentError, AgentPaused:
		return true
	}
	return false
}

// HealthStatus 代理健康状态
type HealthStatus string

const (
	HealthGreen HealthStatus = "GREEN"
	HealthAmber HealthStatus = "AMBER"
	HealthRed   HealthStatus = "RED"
)

// AgentGroup 代理分组
type AgentGroup string

const (
	GroupG1     AgentGroup = "G1"
	GroupG2     AgentGroup = "G2"
	GroupLeader AgentGroup = "LEADER"
)

// AgentHealth 代理健康快照
type AgentHealth struct {
	AgentID       string       `json:"agent_id"`
	Group         AgentGroup   `json:"group"`
	Status        HealthStatus `json:"status"`
	LatencyMs     float64      `json:"latency_ms"`
	LastHeartbeat time.Time    `json:"last_heartbeat"` // 零值表示尚未上报心跳
	UptimePct     float64      `json:"uptime_pct"`     // 0-100
	Accuracy      float64      `json:"accuracy"`       // 0-100
}

// Agent 决策代理
type Agent struct {
	ID     string      `json:"id"`
	Group  AgentGroup  `json:"group"`
	Status AgentStatus `json:"status"`
	Health AgentHealth `json:"health"`
}

// Slot 资金槽位
type Slot struct {
	ID               string     `json:"slot_id"`
	CapitalBase      float64    `json:"capital_base"`
	CapitalCurrent   float64    `json:"capital_current"`
	Active           bool       `json:"active"`
	AssignedAgentID  string     `json:"assigned_agent,omitempty"`
	AgentGroup       AgentGroup `json:"agent_group,omitempty"`
	NextSlotID       string     `json:"next_slot_id,omitempty"`
	CascadeTargetPct float64    `json:"cascade_target_pct"` // 百分比，10 表示 10%
	CascadeEnabled   bool       `json:"cascade_enabled"`
}

// PnL 当前盈亏金额
func (s Slot) PnL() float64 {
	return s.CapitalCurrent - s.CapitalBase
}

// PnLPct 当前盈亏比例（0.1 表示 10%），基础资金为 0 时返回 0
func (s Slot) PnLPct() float64 {
	if s.CapitalBase <= 0 {
		return 0
	}
	return s.PnL() / s.CapitalBase
}

// Registry 槽位注册表
type Registry interface {
	ListSlots(ctx context.Context) ([]Slot, error)
	ListActiveSlots(ctx context.Context) ([]Slot, error)
	GetSlot(ctx context.Context, slotID string) (Slot, error)
}

// Binder 槽位与代理的绑定
type Binder interface {
	Rebind(ctx context.Context, slotID, agentID string) error
}

// AgentActivator 代理激活回调
type AgentActivator interface {
	ActivateAgent(agentID string) error
}
