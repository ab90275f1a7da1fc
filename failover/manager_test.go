package failover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotmesh/protection"
	"slotmesh/slot"
	"slotmesh/store"
	"slotmesh/utils"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSlots 同时实现 Registry 和 Binder
type fakeSlots struct {
	mu        sync.Mutex
	slots     map[string]*slot.Slot
	rebinds   []string
	rebindErr error
}

func newFakeSlots(slots ...slot.Slot) *fakeSlots {
	f := &fakeSlots{slots: make(map[string]*slot.Slot)}
	for i := range slots {
		s := slots[i]
		f.slots[s.ID] = &s
	}
	return f
}

func (f *fakeSlots) ListSlots(ctx context.Context) ([]slot.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]slot.Slot, 0, len(f.slots))
	for _, s := range f.slots {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSlots) ListActiveSlots(ctx context.Context) ([]slot.Slot, error) {
	all, _ := f.ListSlots(ctx)
	var out []slot.Slot
	for _, s := range all {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSlots) GetSlot(ctx context.Context, slotID string) (slot.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[slotID]
	if !ok {
		return slot.Slot{}, fmt.Errorf("槽位不存在: %s", slotID)
	}
	return *s, nil
}

func (f *fakeSlots) Rebind(ctx context.Context, slotID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rebindErr != nil {
		return f.rebindErr
	}
	s, ok := f.slots[slotID]
	if !ok {
		return fmt.Errorf("槽位不存在: %s", slotID)
	}
	s.AssignedAgentID = agentID
	f.rebinds = append(f.rebinds, slotID+"->"+agentID)
	return nil
}

func (f *fakeSlots) assigned(slotID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slots[slotID].AssignedAgentID
}

type fakeAgents struct {
	mu       sync.Mutex
	health   []slot.AgentHealth
	statuses map[string]slot.AgentStatus
}

func (f *fakeAgents) Health() []slot.AgentHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]slot.AgentHealth(nil), f.health...)
}

func (f *fakeAgents) SetAgentStatus(agentID string, status slot.AgentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]slot.AgentStatus)
	}
	f.statuses[agentID] = status
	return nil
}

type memRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *memRecorder) RecordFailoverEvent(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// readOnlyStore 读正常、写失败
type readOnlyStore struct {
	*store.MemoryStore
}

func (readOnlyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return store.ErrUnavailable
}

type sinkEvent struct {
	slotID    string
	eventType string
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) HandleProtectionEvent(slotID string, source protection.Source, eventType, details string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{slotID: slotID, eventType: eventType})
}

func (s *recordingSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	mgr      *Manager
	clock    *utils.FakeClock
	state    *store.MemoryStore
	slots    *fakeSlots
	agents   *fakeAgents
	recorder *memRecorder
	sink     *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := utils.NewFakeClock(t0)
	f := &fixture{
		clock: clock,
		state: store.NewMemoryStore(clock),
		slots: newFakeSlots(
			slot.Slot{ID: "slot_1", Active: true, AssignedAgentID: "ia_g1_1", AgentGroup: slot.GroupG1},
			slot.Slot{ID: "slot_2", Active: true, AssignedAgentID: "ia_g2_1", AgentGroup: slot.GroupG2},
		),
		agents: &fakeAgents{health: []slot.AgentHealth{
			{AgentID: "ia_g1_1", Group: slot.GroupG1, Status: slot.HealthGreen, LatencyMs: 50, LastHeartbeat: t0.Add(-45 * time.Second), UptimePct: 99, Accuracy: 70},
			{AgentID: "ia_g1_2", Group: slot.GroupG1, Status: slot.HealthGreen, LatencyMs: 100, LastHeartbeat: t0, UptimePct: 95, Accuracy: 60},
			{AgentID: "ia_g1_3", Group: slot.GroupG1, Status: slot.HealthAmber, LatencyMs: 20, LastHeartbeat: t0, UptimePct: 100, Accuracy: 90},
			{AgentID: "ia_g2_1", Group: slot.GroupG2, Status: slot.HealthGreen, LatencyMs: 80, LastHeartbeat: t0, UptimePct: 99, Accuracy: 70},
		}},
		recorder: &memRecorder{},
		sink:     &recordingSink{},
	}
	f.mgr = NewManager(Settings{Enabled: true}, Deps{
		State:    f.state,
		Registry: f.slots,
		Binder:   f.slots,
		Agents:   f.agents,
		Statuses: f.agents,
		Recorder: f.recorder,
		Sink:     f.sink,
		Clock:    clock,
	})
	return f
}

func TestDetectFailures_HeartbeatTimeout(t *testing.T) {
	f := newFixture(t)

	failures := f.mgr.DetectFailures(f.agents.Health())

	require.Len(t, failures, 2)
	assert.Equal(t, "ia_g1_1", failures[0].AgentID)
	assert.Equal(t, TriggerHeartbeatTimeout, failures[0].Trigger)
	assert.Equal(t, "ia_g1_3", failures[1].AgentID)
	assert.Equal(t, TriggerStatusDegraded, failures[1].Trigger)
}

func TestDetectFailures_Rules(t *testing.T) {
	f := newFixture(t)

	failures := f.mgr.DetectFailures([]slot.AgentHealth{
		{AgentID: "fresh", Status: slot.HealthGreen, LatencyMs: 10, LastHeartbeat: t0.Add(-30 * time.Second)},
		{AgentID: "never", Status: slot.HealthGreen, LatencyMs: 10},
		{AgentID: "slow", Status: slot.HealthGreen, LatencyMs: 5001, LastHeartbeat: t0},
		{AgentID: "edge", Status: slot.HealthGreen, LatencyMs: 5000, LastHeartbeat: t0},
		{AgentID: "red", Status: slot.HealthRed, LatencyMs: 9000, LastHeartbeat: t0.Add(-time.Minute)},
	})

	require.Len(t, failures, 2)
	assert.Equal(t, "slow", failures[0].AgentID)
	assert.Equal(t, TriggerHighLatency, failures[0].Trigger)
	assert.Equal(t, "red", failures[1].AgentID)
	assert.Equal(t, TriggerStatusDegraded, failures[1].Trigger)
	assert.Len(t, failures[1].Reasons, 3)
}

func TestDetectFailures_Disabled(t *testing.T) {
	f := newFixture(t)
	f.mgr.ApplySettings(Settings{Enabled: false})

	assert.Empty(t, f.mgr.DetectFailures(f.agents.Health()))
}

func TestHealthScore(t *testing.T) {
	assert.InDelta(t, 1.0, HealthScore(slot.AgentHealth{Status: slot.HealthGreen, LatencyMs: 50, UptimePct: 100, Accuracy: 100}), 1e-9)
	assert.InDelta(t, 0.2+0.1, HealthScore(slot.AgentHealth{Status: slot.HealthAmber, LatencyMs: 999}), 1e-9)
	assert.InDelta(t, 0.2, HealthScore(slot.AgentHealth{Status: slot.HealthRed, LatencyMs: 1000, UptimePct: 100}), 1e-9)
}

func TestSelectSubstitute_SameGroupGreenOnly(t *testing.T) {
	f := newFixture(t)

	sub, ok := f.mgr.SelectSubstitute("ia_g1_1", slot.GroupG1, f.agents.Health())

	require.True(t, ok)
	assert.Equal(t, "ia_g1_2", sub.AgentID)
}

func TestSelectSubstitute_StableOnTies(t *testing.T) {
	f := newFixture(t)
	same := slot.AgentHealth{Group: slot.GroupG2, Status: slot.HealthGreen, LatencyMs: 10, UptimePct: 90, Accuracy: 50}
	a, b := same, same
	a.AgentID, b.AgentID = "g2_b", "g2_a"

	sub, ok := f.mgr.SelectSubstitute("x", slot.GroupG2, []slot.AgentHealth{a, b})

	require.True(t, ok)
	assert.Equal(t, "g2_b", sub.AgentID)
}

func TestSelectSubstitute_LeaderFallback(t *testing.T) {
	f := newFixture(t)
	candidates := []slot.AgentHealth{
		{AgentID: "ia_g1_9", Group: slot.GroupG1, Status: slot.HealthRed},
		{AgentID: "leader_1", Status: slot.HealthGreen, LatencyMs: 10},
	}

	sub, ok := f.mgr.SelectSubstitute("ia_g1_1", slot.GroupG1, candidates)
	require.True(t, ok)
	assert.Equal(t, "leader_1", sub.AgentID)

	_, ok = f.mgr.SelectSubstitute("ia_g1_1", slot.GroupG1, candidates[:1])
	assert.False(t, ok)
}

func TestDetermineGroup(t *testing.T) {
	assert.Equal(t, slot.GroupG2, determineGroup("x", slot.GroupG2, slot.Slot{ID: "slot_1"}))
	assert.Equal(t, slot.GroupG2, determineGroup("x", "", slot.Slot{ID: "slot_1", AgentGroup: slot.GroupG2}))
	assert.Equal(t, slot.GroupG2, determineGroup("IA_G2_7", "", slot.Slot{ID: "slot_1"}))
	assert.Equal(t, slot.GroupG1, determineGroup("x", slot.GroupLeader, slot.Slot{ID: "slot_3"}))
	assert.Equal(t, slot.GroupG2, determineGroup("x", "", slot.Slot{ID: "slot_4"}))
	assert.Equal(t, slot.GroupG1, determineGroup("leader", "", slot.Slot{ID: "main"}))
}

func TestExecuteFailover_PreservesContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := SlotContext{
		SlotID:         "slot_1",
		ActiveStrategy: "breakout",
		StrategyParams: json.RawMessage(`{"window":20,"k":1.5}`),
		OpenPosition:   json.RawMessage(`{"side":"long","qty":0.25,"entry":64000.5}`),
		PendingSignals: json.RawMessage(`[{"id":"sig-1","action":"SELL"}]`),
		RiskSnapshot:   json.RawMessage(`{"exposure":0.3}`),
		LastDecisions:  json.RawMessage(`[]`),
		LastUpdateTS:   t0.Add(-time.Minute).UnixMilli(),
	}
	require.NoError(t, StoreSlotContext(ctx, f.state, before, 0))
	f.clock.Advance(5 * time.Second)

	sub, ok := f.mgr.SelectSubstitute("ia_g1_1", slot.GroupG1, f.agents.Health())
	require.True(t, ok)
	ev, err := f.mgr.ExecuteFailover(ctx, "ia_g1_1", "slot_1", sub, TriggerHeartbeatTimeout)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, ev.Status)
	assert.True(t, ev.ContextPreserved)
	assert.Equal(t, "ia_g1_2", ev.SubstituteAgentID)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "ia_g1_2", f.slots.assigned("slot_1"))

	after, err := LoadSlotContext(ctx, f.state, "slot_1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UnixMilli(), after.LastUpdateTS)
	after.LastUpdateTS = before.LastUpdateTS
	assert.Equal(t, before, after)

	assert.Equal(t, slot.AgentError, f.agents.statuses["ia_g1_1"])
	assert.Equal(t, slot.AgentActive, f.agents.statuses["ia_g1_2"])
	assert.Equal(t, 1, f.sink.count("failover_completed"))

	require.Len(t, f.recorder.events, 2)
	assert.Equal(t, StatusStarted, f.recorder.events[0].Status)
	assert.Equal(t, StatusCompleted, f.recorder.events[1].Status)
	assert.Equal(t, f.recorder.events[0].EventID, f.recorder.events[1].EventID)
}

func TestExecuteFailover_SynthesizesMissingContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.mgr.ExecuteFailover(ctx, "ia_g1_1", "slot_1", slot.AgentHealth{AgentID: "ia_g1_2"}, TriggerStatusDegraded)
	require.NoError(t, err)
	assert.False(t, ev.ContextPreserved)

	sc, err := LoadSlotContext(ctx, f.state, "slot_1")
	require.NoError(t, err)
	assert.Equal(t, "momentum", sc.ActiveStrategy)
	assert.JSONEq(t, `[]`, string(sc.PendingSignals))
	assert.Equal(t, "null", string(sc.OpenPosition))
}

func TestExecuteFailover_ContextWriteFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.state = readOnlyStore{f.state}

	ev, err := f.mgr.ExecuteFailover(ctx, "ia_g1_1", "slot_1", slot.AgentHealth{AgentID: "ia_g1_2"}, TriggerHeartbeatTimeout)

	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.Equal(t, StatusFailed, ev.Status)
	assert.NotEmpty(t, ev.Error)
	assert.Equal(t, "ia_g1_1", f.slots.assigned("slot_1"))
	assert.Equal(t, []string{"slot_1->ia_g1_2", "slot_1->ia_g1_1"}, f.slots.rebinds)
	assert.Empty(t, f.agents.statuses)
	assert.Equal(t, 1, f.sink.count("failover_failed"))
}

func TestExecuteFailover_RebindFailure(t *testing.T) {
	f := newFixture(t)
	f.slots.rebindErr = errors.New("绑定服务不可用")

	ev, err := f.mgr.ExecuteFailover(context.Background(), "ia_g1_1", "slot_1", slot.AgentHealth{AgentID: "ia_g1_2"}, TriggerHeartbeatTimeout)

	require.Error(t, err)
	assert.Equal(t, StatusFailed, ev.Status)
	assert.Equal(t, "ia_g1_1", f.slots.assigned("slot_1"))
	_, err = LoadSlotContext(context.Background(), f.state, "slot_1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteFailover_RejectsMissingSubstitute(t *testing.T) {
	f := newFixture(t)

	ev, err := f.mgr.ExecuteFailover(context.Background(), "ia_g1_1", "slot_1", slot.AgentHealth{}, TriggerManual)

	assert.ErrorIs(t, err, ErrNoSubstitute)
	assert.Equal(t, StatusFailed, ev.Status)
	assert.Empty(t, f.slots.rebinds)
}

func TestProcessFailovers(t *testing.T) {
	f := newFixture(t)

	events, err := f.mgr.ProcessFailovers(context.Background())
	require.NoError(t, err)

	// ia_g1_3 是 AMBER 但没有绑定槽位
	require.Len(t, events, 1)
	assert.Equal(t, "slot_1", events[0].SlotID)
	assert.Equal(t, "ia_g1_2", events[0].SubstituteAgentID)
	assert.Equal(t, StatusCompleted, events[0].Status)
	assert.Equal(t, "ia_g2_1", f.slots.assigned("slot_2"))
}

func TestProcessFailovers_SkipsInactiveSlotsAndFailedCandidates(t *testing.T) {
	f := newFixture(t)
	f.slots = newFakeSlots(
		slot.Slot{ID: "slot_1", Active: true, AssignedAgentID: "ia_g1_1"},
		slot.Slot{ID: "slot_3", Active: false, AssignedAgentID: "ia_g1_3"},
	)
	f.mgr.registry, f.mgr.binder = f.slots, f.slots
	f.agents.health[1].Status = slot.HealthRed

	events, err := f.mgr.ProcessFailovers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "ia_g1_1", f.slots.assigned("slot_1"))
	assert.Equal(t, "ia_g1_3", f.slots.assigned("slot_3"))
}

func TestTriggerManualFailover(t *testing.T) {
	f := newFixture(t)
	f.mgr.ApplySettings(Settings{Enabled: false})

	ev, err := f.mgr.TriggerManualFailover(context.Background(), "slot_1")
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, ev.Trigger)
	assert.Equal(t, "ia_g1_2", f.slots.assigned("slot_1"))

	_, err = f.mgr.TriggerManualFailover(context.Background(), "slot_9")
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := slot.AgentHealth{AgentID: "ia_g1_2"}

	for i := 0; i < 7; i++ {
		_, err := f.mgr.ExecuteFailover(ctx, "ia_g1_1", "slot_1", sub, TriggerHeartbeatTimeout)
		require.NoError(t, err)
		f.clock.Advance(5 * time.Hour)
	}

	st := f.mgr.Stats(ctx)
	assert.True(t, st.Enabled)
	assert.True(t, st.StoreAvailable)
	assert.Equal(t, 30.0, st.HeartbeatThresholdSec)
	assert.Equal(t, 7, st.TotalEvents)
	// 最后一次在 5 小时前，往前 4 次都在 24 小时内
	assert.Equal(t, 4, st.EventsLast24h)
	assert.Len(t, st.RecentEvents, 5)
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	f.mgr.ApplySettings(Settings{Enabled: true, HistorySize: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.mgr.ExecuteFailover(ctx, "ia_g1_1", "slot_1", slot.AgentHealth{AgentID: "ia_g1_2"}, TriggerManual)
	}

	assert.Len(t, f.mgr.Events(0), 3)
	assert.Equal(t, 5, f.mgr.Stats(ctx).TotalEvents)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.mgr.ApplySettings(Settings{Enabled: true, CheckInterval: 10 * time.Millisecond, StopTimeout: time.Second})

	f.mgr.Start(context.Background())
	require.Eventually(t, func() bool {
		return f.slots.assigned("slot_1") == "ia_g1_2"
	}, 2*time.Second, 10*time.Millisecond)
	f.mgr.Stop()
	f.mgr.Stop()
}
