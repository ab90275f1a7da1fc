package agent

import (
	"context"
	"errors"
	"time"

	"slotmesh/protection"
	"slotmesh/slot"
)

// ErrAgentNotFound 代理不存在
var ErrAgentNotFound = errors.New("代理不存在")

// Signal 交易信号
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Actionable 是否需要下单
func (s Signal) Actionable() bool {
	return s == SignalBuy || s == SignalSell
}

// MarketData 决策所需的行情数据
type MarketData struct {
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	Closes       []float64 `json:"closes"`
	Highs        []float64 `json:"highs"`
	Lows         []float64 `json:"lows"`
	Volumes      []float64 `json:"volumes"`
	CurrentPrice float64   `json:"current_price"`
	Timestamp    time.Time `json:"timestamp"`
}

// Decision 代理给出的决策
type Decision struct {
	Signal     Signal    `json:"signal"`
	Confidence float64   `json:"confidence"` // 0-1
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Profile 代理的静态配置
type Profile struct {
	ID        string          `json:"id"`
	Group     slot.AgentGroup `json:"group"`
	Strategy  string          `json:"strategy"`
	Timeframe string          `json:"timeframe"`
}

// Stats 代理计数器
type Stats struct {
	DecisionsCount   int       `json:"decisions_count"`
	SuccessfulTrades int       `json:"successful_trades"`
	FailedTrades     int       `json:"failed_trades"`
	LastDecision     *Decision `json:"last_decision,omitempty"`
	LastExecution    time.Time `json:"last_execution,omitempty"`
}

// Info 代理完整视图
type Info struct {
	Profile
	Status slot.AgentStatus `json:"status"`
	Stats  Stats            `json:"stats"`
	Health slot.AgentHealth `json:"health"`
}

// Summary 编排器汇总
type Summary struct {
	TotalAgents      int     `json:"total_agents"`
	ActiveAgents     int     `json:"active_agents"`
	InactiveAgents   int     `json:"inactive_agents"`
	Running          bool    `json:"orchestrator_running"`
	TotalDecisions   int     `json:"total_decisions"`
	SuccessfulTrades int     `json:"successful_trades"`
	FailedTrades     int     `json:"failed_trades"`
	SuccessRate      float64 `json:"success_rate"` // 百分比
}

// PositionCounter 查询槽位持仓数量
type PositionCounter interface {
	OpenPositions(ctx context.Context, slotID string) (int, error)
}

// MarketDataProvider 行情数据来源
type MarketDataProvider interface {
	FetchMarketData(ctx context.Context, symbol, timeframe string) (MarketData, error)
}

// DecisionMaker 代理决策
type DecisionMaker interface {
	Decide(ctx context.Context, agent Profile, data MarketData) (Decision, error)
}

// Executor 执行交易，返回是否成交
type Executor interface {
	Execute(ctx context.Context, sl slot.Slot, decision Decision, data MarketData) (bool, error)
}

// ProtectionGate 交易前的保护检查，由保护管理器实现
type ProtectionGate interface {
	Evaluate(slotID string, trades []protection.Trade, capital *float64) protection.Verdict
	UpdateGlobalCapital(total float64) (protection.Snapshot, error)
}
