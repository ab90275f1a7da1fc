package protection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// GlobalSlotID 全局事件使用的槽位标识
const GlobalSlotID = "GLOBAL"

var (
	ErrUnknownProtectionKind = errors.New("未知的保护类型")
	ErrInvalidDuration       = errors.New("保护时长必须大于0")
	ErrInvalidPriority       = errors.New("冷却优先级必须在 1-3 之间")
	ErrLowerPriority         = errors.New("已有同等或更高优先级的冷却")
	ErrCooldownCapacity      = errors.New("冷却数量已达上限且无可驱逐的低优先级冷却")
	ErrNoActiveCooldown      = errors.New("槽位没有生效中的冷却")
	ErrGuardDisabled         = errors.New("保护组件未启用")
	ErrInvalidCapital        = errors.New("资金不能为负数")
	ErrEmptySlotID           = errors.New("槽位 ID 不能为空")
)

// Kind 保护区间类型
type Kind string

const (
	KindStoploss Kind = "stoploss"
	KindDrawdown Kind = "drawdown"
	KindCooldown Kind = "cooldown"
)

// AllKinds 所有保护类型
var AllKinds = []Kind{KindStoploss, KindDrawdown, KindCooldown}

// ParseKind 解析保护类型
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindStoploss:
		return KindStoploss, nil
	case KindDrawdown:
		return KindDrawdown, nil
	case KindCooldown:
		return KindCooldown, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtectionKind, s)
}

// Source 保护事件来源
type Source string

const (
	SourceStoploss Source = "stoploss_guard"
	SourceDrawdown Source = "drawdown_guard"
	SourceCooldown Source = "cooldown_manager"
	SourceManager  Source = "protection_manager"
	SourceCascade  Source = "cascade_orchestrator"
	SourceFailover Source = "failover_manager"
)

// SourceForKind 保护类型对应的事件来源
func SourceForKind(k Kind) Source {
	switch k {
	case KindStoploss:
		return SourceStoploss
	case KindDrawdown:
		return SourceDrawdown
	default:
		return SourceCooldown
	}
}

// Severity 事件级别
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity 解析事件级别，无法识别时返回 SeverityHigh
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// SeverityFor 根据事件类型中的动词判断级别
func SeverityFor(eventType string) Severity {
	switch {
	case strings.Contains(eventType, "triggered"), strings.Contains(eventType, "activated"):
		return SeverityHigh
	case strings.Contains(eventType, "critical"), strings.Contains(eventType, "emergency"):
		return SeverityCritical
	case strings.Contains(eventType, "removed"), strings.Contains(eventType, "expired"):
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Interval 保护区间，[Start, End) 内生效
type Interval struct {
	SlotID   string    `json:"slot_id"`
	Kind     Kind      `json:"kind"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Reason   string    `json:"reason"`
	Priority int       `json:"priority"`
}

// ActiveAt 在 now 时刻是否生效
func (i Interval) ActiveAt(now time.Time) bool {
	return now.Before(i.End)
}

// Remaining 剩余时长
func (i Interval) Remaining(now time.Time) time.Duration {
	if !i.ActiveAt(now) {
		return 0
	}
	return i.End.Sub(now)
}

// Sink 保护事件接收方
type Sink interface {
	HandleProtectionEvent(slotID string, source Source, eventType, details string, ts time.Time)
}

// SinkFunc 函数适配器
type SinkFunc func(slotID string, source Source, eventType, details string, ts time.Time)

func (f SinkFunc) HandleProtectionEvent(slotID string, source Source, eventType, details string, ts time.Time) {
	f(slotID, source, eventType, details, ts)
}

// notice 待发送的事件；守卫在释放锁之后再统一发出
type notice struct {
	slotID    string
	eventType string
	details   string
	ts        time.Time
}

type notices []notice

func (n *notices) add(slotID, eventType, details string, ts time.Time) {
	*n = append(*n, notice{slotID: slotID, eventType: eventType, details: details, ts: ts})
}

func (n notices) flush(sink Sink, source Source) {
	if sink == nil {
		return
	}
	for _, e := range n {
		sink.HandleProtectionEvent(e.slotID, source, e.eventType, e.details, e.ts)
	}
}

func minutes(d time.Duration) int {
	return int(d / time.Minute)
}
