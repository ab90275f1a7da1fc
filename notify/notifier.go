package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slotmesh/config"
	"slotmesh/event"
	"slotmesh/logger"
	"slotmesh/metrics"
	"slotmesh/protection"
)

// Notifier 通知接口
type Notifier interface {
	Send(ctx context.Context, evt *event.Event) error
	Name() string
}

// channel 通知渠道及其限流器
type channel struct {
	notifier Notifier
	limiter  *rate.Limiter
}

// NotificationService 通知服务，实现 event.NotificationService
type NotificationService struct {
	channels    []channel
	minSeverity protection.Severity
	timeout     time.Duration
	wg          sync.WaitGroup
}

// NewNotificationService 根据配置创建通知服务
func NewNotificationService(cfg config.NotificationsConfig) *NotificationService {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	ns := &NotificationService{
		minSeverity: protection.ParseSeverity(cfg.MinSeverity),
		timeout:     timeout,
	}
	if !cfg.Enabled {
		return ns
	}

	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		ns.AddNotifier(NewWebhookNotifier(cfg.Webhook.URL, timeout), cfg.RatePerMinute, cfg.Burst)
		logger.Info("✅ Webhook 通知已启用")
	}
	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		ns.AddNotifier(NewSlackNotifier(cfg.Slack.WebhookURL, timeout), cfg.RatePerMinute, cfg.Burst)
		logger.Info("✅ Slack 通知已启用")
	}
	if cfg.Telegram.Enabled {
		tn, err := NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, timeout)
		if err != nil {
			logger.Warn("⚠️ 初始化 Telegram 通知失败: %v", err)
		} else {
			ns.AddNotifier(tn, cfg.RatePerMinute, cfg.Burst)
			logger.Info("✅ Telegram 通知已启用")
		}
	}
	return ns
}

// AddNotifier 注册通知渠道，perMinute<=0 表示不限流
func (ns *NotificationService) AddNotifier(n Notifier, perMinute float64, burst int) {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	ns.channels = append(ns.channels, channel{notifier: n, limiter: rate.NewLimiter(limit, burst)})
}

// Channels 已启用的渠道数
func (ns *NotificationService) Channels() int {
	return len(ns.channels)
}

// Send 发送通知（异步，不阻塞）
func (ns *NotificationService) Send(evt *event.Event) {
	if evt == nil || len(ns.channels) == 0 || evt.Severity < ns.minSeverity {
		return
	}

	pm := metrics.GetPrometheusMetrics()
	for _, ch := range ns.channels {
		// 超出限流的通知直接丢弃，避免告警风暴
		if !ch.limiter.Allow() {
			pm.RecordNotification(ch.notifier.Name(), "rate_limited")
			logger.Debug("[%s] 通知被限流: %s/%s", ch.notifier.Name(), evt.SlotID, evt.Type)
			continue
		}
		ns.wg.Add(1)
		go func(n Notifier) {
			defer ns.wg.Done()
			ctx := context.Background()
			if ns.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, ns.timeout)
				defer cancel()
			}
			if err := n.Send(ctx, evt); err != nil {
				pm.RecordNotification(n.Name(), "failed")
				logger.Warn("⚠️ [%s] 通知发送失败: %v", n.Name(), err)
				return
			}
			pm.RecordNotification(n.Name(), "sent")
		}(ch.notifier)
	}
}

// Wait 等待发送中的通知完成
func (ns *NotificationService) Wait() {
	ns.wg.Wait()
}
