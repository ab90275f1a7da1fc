package database

import (
	"context"
	"fmt"

	"slotmesh/cascade"
	"slotmesh/slot"
)

// ChainStore 基于数据库的级联链存储，实现 cascade.ChainStore
type ChainStore struct {
	db Database
}

// NewChainStore 创建数据库级联存储
func NewChainStore(db Database) *ChainStore {
	return &ChainStore{db: db}
}

// LoadChain 按顺序读取级联链，表为空时返回 cascade.ErrChainNotFound
func (s *ChainStore) LoadChain(ctx context.Context) ([]cascade.SlotConfig, error) {
	rows, err := s.db.LoadSlotConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取级联配置失败: %w", err)
	}
	if len(rows) == 0 {
		return nil, cascade.ErrChainNotFound
	}
	chain := make([]cascade.SlotConfig, 0, len(rows))
	for _, r := range rows {
		chain = append(chain, cascade.SlotConfig{
			SlotID:           r.SlotID,
			CapitalBase:      r.CapitalBase,
			CapitalCurrent:   r.CapitalCurrent,
			CascadeTargetPct: r.CascadeTargetPct,
			NextSlotID:       r.NextSlotID,
			CascadeEnabled:   r.CascadeEnabled,
			Active:           r.Active,
			AssignedAgent:    r.AssignedAgent,
			AgentGroup:       slot.AgentGroup(r.AgentGroup),
			AgentStatus:      slot.AgentStatus(r.AgentStatus),
		})
	}
	return chain, nil
}

// SaveChain 整体替换级联链
func (s *ChainStore) SaveChain(ctx context.Context, chain []cascade.SlotConfig) error {
	rows := make([]*SlotConfigRow, 0, len(chain))
	for i, c := range chain {
		rows = append(rows, &SlotConfigRow{
			SlotID:           c.SlotID,
			Position:         i,
			CapitalBase:      c.CapitalBase,
			CapitalCurrent:   c.CapitalCurrent,
			CascadeTargetPct: c.CascadeTargetPct,
			NextSlotID:       c.NextSlotID,
			CascadeEnabled:   c.CascadeEnabled,
			Active:           c.Active,
			AssignedAgent:    c.AssignedAgent,
			AgentGroup:       string(c.AgentGroup),
			AgentStatus:      string(c.AgentStatus),
		})
	}
	return s.db.ReplaceSlotConfigs(ctx, rows)
}

// AppendRecord 追加级联记录
func (s *ChainStore) AppendRecord(ctx context.Context, rec cascade.Record) error {
	return s.db.SaveCascadeRecord(ctx, &CascadeRecordRow{
		ID:                rec.ID,
		FromSlot:          rec.FromSlot,
		ToSlot:            rec.ToSlot,
		ProfitTransferred: rec.ProfitTransferred,
		Success:           rec.Success,
		Error:             rec.Error,
		CreatedAt:         rec.Timestamp,
	})
}

// Records 最近 limit 条级联记录（旧到新）
func (s *ChainStore) Records(ctx context.Context, limit int) ([]cascade.Record, error) {
	rows, err := s.db.GetCascadeRecords(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]cascade.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, cascade.Record{
			ID:                r.ID,
			Timestamp:         r.CreatedAt,
			FromSlot:          r.FromSlot,
			ToSlot:            r.ToSlot,
			ProfitTransferred: r.ProfitTransferred,
			Success:           r.Success,
			Error:             r.Error,
		})
	}
	return out, nil
}
