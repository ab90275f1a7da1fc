package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"slotmesh/slot"
)

var (
	ErrChainNotFound = errors.New("级联链配置不存在")
	ErrCorruptChain  = errors.New("级联链配置损坏")
	ErrCyclicChain   = errors.New("级联链存在环")
	ErrSlotNotFound  = errors.New("槽位不存在")
	ErrInvalidUpdate = errors.New("无效的槽位更新")
	ErrInvalidTarget = errors.New("级联目标槽位无效")
)

// SlotConfig 级联链中的槽位配置
type SlotConfig struct {
	SlotID           string           `json:"slot_id"`
	CapitalBase      float64          `json:"capital_base"`
	CapitalCurrent   float64          `json:"capital_current"`
	CascadeTargetPct float64          `json:"cascade_target_pct"` // 百分比，10 表示 10%
	NextSlotID       string           `json:"next_slot_id,omitempty"`
	CascadeEnabled   bool             `json:"cascade_enabled"`
	Active           bool             `json:"active"`
	AssignedAgent    string           `json:"assigned_ia,omitempty"`
	AgentGroup       slot.AgentGroup  `json:"ia_group,omitempty"`
	AgentStatus      slot.AgentStatus `json:"ia_status,omitempty"`
}

// UnmarshalJSON 缺省 capital_current 时取 capital_base，缺省 cascade_enabled 时为 true
func (c *SlotConfig) UnmarshalJSON(data []byte) error {
	type alias SlotConfig
	aux := struct {
		*alias
		CapitalCurrent *float64 `json:"capital_current"`
		CascadeEnabled *bool    `json:"cascade_enabled"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.CapitalCurrent = c.CapitalBase
	if aux.CapitalCurrent != nil {
		c.CapitalCurrent = *aux.CapitalCurrent
	}
	c.CascadeEnabled = true
	if aux.CascadeEnabled != nil {
		c.CascadeEnabled = *aux.CascadeEnabled
	}
	return nil
}

// PnL 盈亏金额
func (c SlotConfig) PnL() float64 {
	return c.CapitalCurrent - c.CapitalBase
}

// PnLPct 盈亏百分比（与 CascadeTargetPct 同单位）
func (c SlotConfig) PnLPct() float64 {
	if c.CapitalBase <= 0 {
		return 0
	}
	return c.PnL() * 100 / c.CapitalBase
}

// ToSlot 转换为通用槽位
func (c SlotConfig) ToSlot() slot.Slot {
	return slot.Slot{
		ID:               c.SlotID,
		CapitalBase:      c.CapitalBase,
		CapitalCurrent:   c.CapitalCurrent,
		Active:           c.Active,
		AssignedAgentID:  c.AssignedAgent,
		AgentGroup:       c.AgentGroup,
		NextSlotID:       c.NextSlotID,
		CascadeTargetPct: c.CascadeTargetPct,
		CascadeEnabled:   c.CascadeEnabled,
	}
}

// Record 一次级联执行记录，只追加不修改
type Record struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	FromSlot          string    `json:"from_slot"`
	ToSlot            string    `json:"to_slot"`
	ProfitTransferred float64   `json:"profit_transferred"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
}

// SlotUpdate 可修改的槽位字段，nil 表示不修改
type SlotUpdate struct {
	CapitalBase      *float64 `json:"capital_base,omitempty"`
	CascadeTargetPct *float64 `json:"cascade_target_pct,omitempty"`
	CascadeEnabled   *bool    `json:"cascade_enabled,omitempty"`
	Active           *bool    `json:"active,omitempty"`
}

// Status 编排器状态
type Status struct {
	Running              bool    `json:"running"`
	CheckIntervalSeconds int     `json:"check_interval_seconds"`
	TotalSlots           int     `json:"total_slots"`
	ActiveSlots          int     `json:"active_slots"`
	TotalCascades        int     `json:"total_cascades"`
	LastCascade          *Record `json:"last_cascade"`
}

// ChainStore 级联链与执行记录的持久化
type ChainStore interface {
	// LoadChain 读取级联链，不存在时返回 ErrChainNotFound，无法解析时返回 ErrCorruptChain
	LoadChain(ctx context.Context) ([]SlotConfig, error)
	SaveChain(ctx context.Context, chain []SlotConfig) error
	AppendRecord(ctx context.Context, rec Record) error
	// Records 最近 limit 条记录（旧到新），limit<=0 返回全部
	Records(ctx context.Context, limit int) ([]Record, error)
}

// validateChain 检查槽位唯一性与链上无环
func validateChain(chain []SlotConfig) error {
	if len(chain) == 0 {
		return ErrCorruptChain
	}
	next := make(map[string]string, len(chain))
	for _, c := range chain {
		if c.SlotID == "" {
			return errors.Join(ErrCorruptChain, errors.New("槽位 ID 为空"))
		}
		if _, dup := next[c.SlotID]; dup {
			return errors.Join(ErrCorruptChain, errors.New("重复的槽位 "+c.SlotID))
		}
		if c.CapitalBase < 0 || c.CapitalCurrent < 0 {
			return errors.Join(ErrCorruptChain, errors.New("槽位 "+c.SlotID+" 资金为负"))
		}
		next[c.SlotID] = c.NextSlotID
	}
	for _, c := range chain {
		seen := map[string]bool{c.SlotID: true}
		for id := next[c.SlotID]; id != ""; id = next[id] {
			if seen[id] {
				return errors.Join(ErrCyclicChain, errors.New("经过槽位 "+id))
			}
			seen[id] = true
		}
	}
	return nil
}
