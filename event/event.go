package event

import (
	"time"

	"slotmesh/logger"
	"slotmesh/protection"
)

// Event 保护事件
type Event struct {
	SlotID    string              `json:"slot_id"`
	Source    protection.Source   `json:"source"`
	Type      string              `json:"event_type"`
	Severity  protection.Severity `json:"severity"`
	Details   string              `json:"details"`
	Timestamp time.Time           `json:"timestamp"`
}

// Global 是否为全局事件
func (e *Event) Global() bool {
	return e.SlotID == protection.GlobalSlotID
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000 // 默认1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞），队列满时丢弃并返回 false
func (eb *EventBus) Publish(event *Event) bool {
	if event == nil {
		return false
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case eb.eventCh <- event:
		return true
	default:
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s/%s", event.SlotID, event.Type)
		return false
	}
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Pending 队列中尚未处理的事件数
func (eb *EventBus) Pending() int {
	return len(eb.eventCh)
}
