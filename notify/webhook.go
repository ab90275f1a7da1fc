package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"slotmesh/event"
)

// WebhookNotifier Webhook 通知器
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name 返回通知器名称
func (wn *WebhookNotifier) Name() string {
	return "webhook"
}

// Send 以 JSON 形式推送事件
func (wn *WebhookNotifier) Send(ctx context.Context, evt *event.Event) error {
	payload := map[string]interface{}{
		"slot_id":    evt.SlotID,
		"source":     string(evt.Source),
		"event_type": evt.Type,
		"severity":   evt.Severity.String(),
		"details":    evt.Details,
		"timestamp":  evt.Timestamp.Format(time.RFC3339),
	}
	return postJSON(ctx, wn.client, wn.url, payload)
}

// postJSON 发送 JSON 请求，非 2xx 视为失败
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("返回错误状态码: %d", resp.StatusCode)
	}
	return nil
}
