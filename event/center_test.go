package event

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotmesh/database"
	"slotmesh/protection"
)

// MockNotifier 模拟通知服务
type MockNotifier struct {
	mu            sync.Mutex
	notifications []*Event
}

func (m *MockNotifier) Send(event *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, event)
}

func (m *MockNotifier) Sent() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.notifications...)
}

func newSQLite(t *testing.T) database.Database {
	t.Helper()
	db, err := database.NewDatabase(&database.Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEventBus_DropsWhenFull(t *testing.T) {
	bus := NewEventBus(1)
	assert.True(t, bus.Publish(&Event{SlotID: "S1", Type: "a"}))
	assert.False(t, bus.Publish(&Event{SlotID: "S1", Type: "b"}))
	assert.False(t, bus.Publish(nil))
	assert.Equal(t, 1, bus.Pending())
}

func TestEventCenter_PersistsAndNotifiesBySeverity(t *testing.T) {
	db := newSQLite(t)
	notifier := &MockNotifier{}
	ec := NewEventCenter(db, NewEventBus(16), notifier, DefaultEventCenterConfig())
	ec.Start(context.Background())

	now := time.Now()
	ec.HandleProtectionEvent("S1", protection.SourceCooldown, "cooldown_removed", "manual", now)
	ec.HandleProtectionEvent("S1", protection.SourceStoploss, "stoploss_triggered", "3 losses", now)
	ec.HandleProtectionEvent(protection.GlobalSlotID, protection.SourceManager, "emergency_stop_activated", "70% protected", now)

	require.Eventually(t, func() bool { return len(notifier.Sent()) == 2 }, 2*time.Second, 10*time.Millisecond)
	ec.Stop()

	sent := notifier.Sent()
	assert.Equal(t, "stoploss_triggered", sent[0].Type)
	assert.True(t, sent[1].Global())

	records, err := db.GetProtectionEvents(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	stats, err := db.GetProtectionEventStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CountBySeverity["LOW"])
	assert.Equal(t, 1, stats.CountBySource["cooldown_manager"])
}

func TestEventCenter_WithoutDatabase(t *testing.T) {
	notifier := &MockNotifier{}
	ec := NewEventCenter(nil, nil, notifier, EventCenterConfig{MinSeverity: protection.SeverityLow})

	ec.HandleProtectionEvent("S2", protection.SourceDrawdown, "drawdown_triggered", "12%", time.Now())
	// 未启动时事件留在队列中，Stop 之前不会丢失
	ec.Start(context.Background())
	ec.Stop()

	require.Len(t, notifier.Sent(), 1)
	assert.Equal(t, protection.SeverityHigh, notifier.Sent()[0].Severity)
}

func TestEventCenter_StopIsIdempotent(t *testing.T) {
	ec := NewEventCenter(nil, nil, nil, DefaultEventCenterConfig())
	ec.Stop()
	ec.Start(context.Background())
	ec.Start(context.Background())
	ec.Stop()
	ec.Stop()
}
