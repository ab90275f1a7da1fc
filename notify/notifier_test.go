package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotmesh/config"
	"slotmesh/event"
	"slotmesh/protection"
)

type captureServer struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	paths  []string
	status int
}

func newCaptureServer(t *testing.T, status int) (*captureServer, *httptest.Server) {
	cs := &captureServer{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		cs.mu.Lock()
		cs.bodies = append(cs.bodies, body)
		cs.paths = append(cs.paths, r.URL.Path)
		cs.mu.Unlock()
		w.WriteHeader(cs.status)
	}))
	t.Cleanup(srv.Close)
	return cs, srv
}

func (cs *captureServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.bodies)
}

func stoplossEvent() *event.Event {
	return &event.Event{
		SlotID:    "S3",
		Source:    protection.SourceStoploss,
		Type:      "stoploss_triggered",
		Severity:  protection.SeverityHigh,
		Details:   "3 losses in 60m",
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestWebhookNotifier_Payload(t *testing.T) {
	cs, srv := newCaptureServer(t, http.StatusOK)
	wn := NewWebhookNotifier(srv.URL, time.Second)

	require.NoError(t, wn.Send(context.Background(), stoplossEvent()))
	require.Equal(t, 1, cs.count())
	body := cs.bodies[0]
	assert.Equal(t, "S3", body["slot_id"])
	assert.Equal(t, "HIGH", body["severity"])
	assert.Equal(t, "stoploss_guard", body["source"])
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	_, srv := newCaptureServer(t, http.StatusInternalServerError)
	err := NewWebhookNotifier(srv.URL, time.Second).Send(context.Background(), stoplossEvent())
	assert.Error(t, err)
}

func TestSlackAndTelegramFormatting(t *testing.T) {
	cs, srv := newCaptureServer(t, http.StatusOK)

	require.NoError(t, NewSlackNotifier(srv.URL, time.Second).Send(context.Background(), stoplossEvent()))

	tn, err := NewTelegramNotifier("token123", "42", time.Second)
	require.NoError(t, err)
	tn.apiBase = srv.URL
	require.NoError(t, tn.Send(context.Background(), stoplossEvent()))

	require.Equal(t, 2, cs.count())
	assert.True(t, strings.HasPrefix(cs.bodies[0]["text"].(string), ":warning:"))
	assert.Equal(t, "/bottoken123/sendMessage", cs.paths[1])
	assert.Equal(t, "42", cs.bodies[1]["chat_id"])
	assert.Contains(t, cs.bodies[1]["text"], "S3")

	_, err = NewTelegramNotifier("", "42", 0)
	assert.Error(t, err)
}

func TestNotificationService_SeverityAndRateLimit(t *testing.T) {
	cs, srv := newCaptureServer(t, http.StatusOK)

	cfg := config.NotificationsConfig{Enabled: true, MinSeverity: "HIGH", RatePerMinute: 1, Burst: 2, TimeoutSec: 1}
	cfg.Webhook.Enabled = true
	cfg.Webhook.URL = srv.URL
	ns := NewNotificationService(cfg)
	require.Equal(t, 1, ns.Channels())

	low := stoplossEvent()
	low.Severity = protection.SeverityMedium
	ns.Send(low)
	ns.Send(nil)

	for i := 0; i < 5; i++ {
		ns.Send(stoplossEvent())
	}
	ns.Wait()
	assert.Equal(t, 2, cs.count(), "突发额度之外的通知被限流")
}

func TestNotificationService_Disabled(t *testing.T) {
	ns := NewNotificationService(config.NotificationsConfig{Enabled: false})
	assert.Equal(t, 0, ns.Channels())
	ns.Send(stoplossEvent())
	ns.Wait()
}
