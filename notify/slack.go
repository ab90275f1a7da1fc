package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"slotmesh/event"
	"slotmesh/protection"
)

// SlackNotifier Slack 通知器
type SlackNotifier struct {
	webhook string
	client  *http.Client
}

// NewSlackNotifier 创建 Slack 通知器
func NewSlackNotifier(webhook string, timeout time.Duration) *SlackNotifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &SlackNotifier{
		webhook: webhook,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name 返回通知器名称
func (sn *SlackNotifier) Name() string {
	return "slack"
}

// Send 发送通知
func (sn *SlackNotifier) Send(ctx context.Context, evt *event.Event) error {
	return postJSON(ctx, sn.client, sn.webhook, map[string]interface{}{
		"text": formatSlackMessage(evt),
	})
}

// formatSlackMessage 格式化 Slack 消息
func formatSlackMessage(evt *event.Event) string {
	emoji := ":bell:"
	switch evt.Severity {
	case protection.SeverityCritical:
		emoji = ":rotating_light:"
	case protection.SeverityHigh:
		emoji = ":warning:"
	case protection.SeverityLow:
		emoji = ":white_check_mark:"
	}

	return fmt.Sprintf("%s *%s* [%s]\n*Slot:* %s\n*Source:* %s\n*Time:* %s\n\n%s",
		emoji, evt.Type, evt.Severity, evt.SlotID, evt.Source,
		evt.Timestamp.Format("2006-01-02 15:04:05"), evt.Details)
}
