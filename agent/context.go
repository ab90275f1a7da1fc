package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"slotmesh/failover"
	"slotmesh/logger"
	"slotmesh/protection"
	"slotmesh/slot"
	"slotmesh/store"
)

// maxContextDecisions 槽位上下文保留的最近决策数
const maxContextDecisions = 5

// riskSnapshot 写入槽位上下文的风控快照
type riskSnapshot struct {
	CanTrade      bool      `json:"can_trade"`
	Capital       float64   `json:"capital"`
	EmergencyStop bool      `json:"emergency_stop"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// refreshSlotContext 每次决策后刷新槽位上下文，故障切换时替补代理从这里接手。
// 策略参数、持仓等由其他组件写入的字段原样保留。
func (o *Orchestrator) refreshSlotContext(ctx context.Context, sl slot.Slot, profile Profile, decision Decision, verdict *protection.Verdict, ttl time.Duration) {
	if o.deps.State == nil {
		return
	}
	now := o.clock.Now()

	sc, err := failover.LoadSlotContext(ctx, o.deps.State, sl.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("⚠️ [代理] 读取槽位 %s 上下文失败，重新生成: %v", sl.ID, err)
		}
		sc = failover.DefaultSlotContext(sl.ID, profile.Strategy, now)
	}
	if profile.Strategy != "" {
		sc.ActiveStrategy = profile.Strategy
	}

	var history []Decision
	if len(sc.LastDecisions) > 0 {
		if err := json.Unmarshal(sc.LastDecisions, &history); err != nil {
			logger.Debug("[代理] 槽位 %s 历史决策无法解析，重新记录: %v", sl.ID, err)
			history = nil
		}
	}
	history = append(history, decision)
	if len(history) > maxContextDecisions {
		history = history[len(history)-maxContextDecisions:]
	}
	if raw, err := json.Marshal(history); err == nil {
		sc.LastDecisions = raw
	}

	if verdict != nil {
		raw, err := json.Marshal(riskSnapshot{
			CanTrade:      verdict.CanTrade,
			Capital:       sl.CapitalCurrent,
			EmergencyStop: verdict.EmergencyStop,
			EvaluatedAt:   verdict.Timestamp,
		})
		if err == nil {
			sc.RiskSnapshot = raw
		}
	}

	sc.SlotID = sl.ID
	sc.LastUpdateTS = now.UnixMilli()
	if err := failover.StoreSlotContext(ctx, o.deps.State, sc, ttl); err != nil {
		logger.Warn("⚠️ [代理] 写入槽位 %s 上下文失败: %v", sl.ID, err)
	}
}
