package failover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"slotmesh/store"
)

// SlotContext 槽位的决策上下文，故障转移时由替补代理接手。
// 策略参数、持仓、信号等载荷由代理自行定义，这里按原始 JSON 保存，不做解析。
type SlotContext struct {
	SlotID         string          `json:"slot_id"`
	ActiveStrategy string          `json:"strategy_active"`
	StrategyParams json.RawMessage `json:"strategy_params"`
	OpenPosition   json.RawMessage `json:"open_position"`
	PendingSignals json.RawMessage `json:"pending_signals"`
	RiskSnapshot   json.RawMessage `json:"risk_snapshot"`
	LastDecisions  json.RawMessage `json:"last_decisions"`
	LastUpdateTS   int64           `json:"last_update_ts"` // Unix 毫秒
}

// DefaultSlotContext 上下文缺失时使用的安全默认值
func DefaultSlotContext(slotID, strategy string, now time.Time) SlotContext {
	return SlotContext{
		SlotID:         slotID,
		ActiveStrategy: strategy,
		StrategyParams: json.RawMessage(`{}`),
		OpenPosition:   json.RawMessage(`null`),
		PendingSignals: json.RawMessage(`[]`),
		RiskSnapshot:   json.RawMessage(`{}`),
		LastDecisions:  json.RawMessage(`[]`),
		LastUpdateTS:   now.UnixMilli(),
	}
}

// LastUpdate 最后更新时间
func (c SlotContext) LastUpdate() time.Time {
	return time.UnixMilli(c.LastUpdateTS).UTC()
}

// StoreSlotContext 写入槽位上下文
func StoreSlotContext(ctx context.Context, st store.StateStore, sc SlotContext, ttl time.Duration) error {
	if st == nil {
		return store.ErrUnavailable
	}
	if sc.SlotID == "" {
		return errors.New("槽位上下文缺少 slot_id")
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("序列化槽位上下文失败: %w", err)
	}
	if ttl <= 0 {
		ttl = store.SlotContextTTL
	}
	return st.Set(ctx, store.SlotContextKey(sc.SlotID), data, ttl)
}

// LoadSlotContext 读取槽位上下文，不存在时返回 store.ErrNotFound
func LoadSlotContext(ctx context.Context, st store.StateStore, slotID string) (SlotContext, error) {
	if st == nil {
		return SlotContext{}, store.ErrUnavailable
	}
	data, err := st.Get(ctx, store.SlotContextKey(slotID))
	if err != nil {
		return SlotContext{}, err
	}
	var sc SlotContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return SlotContext{}, fmt.Errorf("解析槽位 %s 上下文失败: %w", slotID, err)
	}
	return sc, nil
}
