package event

import (
	"context"
	"sync"
	"time"

	"slotmesh/database"
	"slotmesh/logger"
	"slotmesh/protection"
)

// EventCenter 事件中心：接收保护事件，落库并按级别转发通知
type EventCenter struct {
	db       database.Database // 可为 nil，此时只做通知
	eventBus *EventBus
	notifier NotificationService
	config   EventCenterConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// EventCenterConfig 事件中心配置
type EventCenterConfig struct {
	MinSeverity     protection.Severity // 达到该级别才通知
	RetentionDays   int                 // <=0 不清理
	CleanupInterval time.Duration
	SaveTimeout     time.Duration
}

// DefaultEventCenterConfig 默认配置
func DefaultEventCenterConfig() EventCenterConfig {
	return EventCenterConfig{
		MinSeverity:     protection.SeverityHigh,
		RetentionDays:   30,
		CleanupInterval: 24 * time.Hour,
		SaveTimeout:     5 * time.Second,
	}
}

// NotificationService 通知服务接口
type NotificationService interface {
	Send(event *Event)
}

// NewEventCenter 创建事件中心，db 与 notifier 均可为 nil
func NewEventCenter(db database.Database, eventBus *EventBus, notifier NotificationService, config EventCenterConfig) *EventCenter {
	if eventBus == nil {
		eventBus = NewEventBus(0)
	}
	if config.MinSeverity == 0 {
		config.MinSeverity = protection.SeverityHigh
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 24 * time.Hour
	}
	if config.SaveTimeout <= 0 {
		config.SaveTimeout = 5 * time.Second
	}
	return &EventCenter{
		db:       db,
		eventBus: eventBus,
		notifier: notifier,
		config:   config,
	}
}

// HandleProtectionEvent 实现 protection.Sink，只入队不阻塞调用方
func (ec *EventCenter) HandleProtectionEvent(slotID string, source protection.Source, eventType, details string, ts time.Time) {
	ec.eventBus.Publish(&Event{
		SlotID:    slotID,
		Source:    source,
		Type:      eventType,
		Severity:  protection.SeverityFor(eventType),
		Details:   details,
		Timestamp: ts,
	})
}

// Start 启动事件中心
func (ec *EventCenter) Start(ctx context.Context) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.running {
		return
	}

	logger.Info("🚀 启动事件中心...")
	ctx, ec.cancel = context.WithCancel(ctx)
	ec.running = true

	ec.wg.Add(1)
	go ec.processEvents(ctx)

	if ec.db != nil && ec.config.RetentionDays > 0 {
		ec.wg.Add(1)
		go ec.cleanupTask(ctx)
	}
	logger.Info("✅ 事件中心已启动")
}

// Stop 停止事件中心，队列中剩余的事件会先处理完
func (ec *EventCenter) Stop() {
	ec.mu.Lock()
	if !ec.running {
		ec.mu.Unlock()
		return
	}
	ec.running = false
	ec.cancel()
	ec.mu.Unlock()

	logger.Info("🛑 停止事件中心...")
	ec.wg.Wait()
	ec.drain()
	logger.Info("✅ 事件中心已停止")
}

// processEvents 处理事件
func (ec *EventCenter) processEvents(ctx context.Context) {
	defer ec.wg.Done()

	eventCh := ec.eventBus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventCh:
			ec.handleEvent(event)
		}
	}
}

func (ec *EventCenter) drain() {
	eventCh := ec.eventBus.Subscribe()
	for {
		select {
		case event := <-eventCh:
			ec.handleEvent(event)
		default:
			return
		}
	}
}

// handleEvent 处理单个事件
func (ec *EventCenter) handleEvent(event *Event) {
	if event == nil {
		return
	}

	if ec.db != nil {
		record := &database.ProtectionEventRecord{
			SlotID:        event.SlotID,
			Source:        string(event.Source),
			EventType:     event.Type,
			Severity:      event.Severity.String(),
			Details:       event.Details,
			AutoGenerated: true,
			CreatedAt:     event.Timestamp,
		}

		ctx, cancel := context.WithTimeout(context.Background(), ec.config.SaveTimeout)
		if err := ec.db.SaveProtectionEvent(ctx, record); err != nil {
			// 落库失败不影响通知
			logger.Error("❌ 保存保护事件失败: %v", err)
		}
		cancel()
	}

	if ec.notifier != nil && event.Severity >= ec.config.MinSeverity {
		ec.notifier.Send(event)
	}
}

// cleanupTask 清理任务
func (ec *EventCenter) cleanupTask(ctx context.Context) {
	defer ec.wg.Done()

	// 首次等待1小时后再开始清理
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			ec.performCleanup(ctx)
			timer.Reset(ec.config.CleanupInterval)
		}
	}
}

// performCleanup 执行清理
func (ec *EventCenter) performCleanup(ctx context.Context) {
	logger.Info("🧹 开始清理 %d 天前的事件与记录...", ec.config.RetentionDays)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	deleted, err := ec.db.CleanupOldRecords(ctx, ec.config.RetentionDays)
	if err != nil {
		logger.Error("❌ 清理旧事件失败: %v", err)
		return
	}
	logger.Info("✅ 事件清理完成，删除 %d 条", deleted)
}
