package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"slotmesh/event"
	"slotmesh/protection"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier Telegram 通知器
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier 创建 Telegram 通知器
func NewTelegramNotifier(botToken, chatID string, timeout time.Duration) (*TelegramNotifier, error) {
	if botToken == "" || chatID == "" {
		return nil, fmt.Errorf("Telegram BotToken 或 ChatID 未配置")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Name 返回通知器名称
func (tn *TelegramNotifier) Name() string {
	return "telegram"
}

// Send 发送通知
func (tn *TelegramNotifier) Send(ctx context.Context, evt *event.Event) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", tn.apiBase, tn.botToken)
	return postJSON(ctx, tn.client, url, map[string]interface{}{
		"chat_id":    tn.chatID,
		"text":       formatTelegramMessage(evt),
		"parse_mode": "Markdown",
	})
}

// formatTelegramMessage 格式化 Telegram 消息
func formatTelegramMessage(evt *event.Event) string {
	emoji := "ℹ️"
	switch evt.Severity {
	case protection.SeverityCritical:
		emoji = "🚨"
	case protection.SeverityHigh:
		emoji = "⚠️"
	case protection.SeverityLow:
		emoji = "✅"
	}

	message := fmt.Sprintf("%s *%s*\n", emoji, evt.Type)
	message += fmt.Sprintf("槽位: `%s`\n", evt.SlotID)
	message += fmt.Sprintf("来源: %s\n", evt.Source)
	message += fmt.Sprintf("时间: %s\n", evt.Timestamp.Format("2006-01-02 15:04:05"))
	if evt.Details != "" {
		message += fmt.Sprintf("详情: %s\n", evt.Details)
	}
	return message
}
