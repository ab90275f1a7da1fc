package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotmesh/slot"
	"slotmesh/store"
	"slotmesh/utils"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeActivator struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeActivator) ActivateAgent(agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, agentID)
	return nil
}

// failingStore SaveChain 总是失败
type failingStore struct {
	*FileChainStore
}

func (f failingStore) SaveChain(ctx context.Context, chain []SlotConfig) error {
	return errors.New("磁盘已满")
}

type fixture struct {
	orch      *Orchestrator
	files     *FileChainStore
	state     *store.MemoryStore
	activator *fakeActivator
	dir       string
}

func newFixture(t *testing.T, chain []SlotConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	files := NewFileChainStore(filepath.Join(dir, "cascade_config.json"), filepath.Join(dir, "cascade_history.jsonl"))
	if chain != nil {
		require.NoError(t, files.SaveChain(context.Background(), chain))
	}
	clock := utils.NewFakeClock(t0)
	f := &fixture{
		files:     files,
		state:     store.NewMemoryStore(clock),
		activator: &fakeActivator{},
		dir:       dir,
	}
	orch, err := New(context.Background(), Settings{}, Deps{
		Store:     files,
		State:     f.state,
		Activator: f.activator,
		Clock:     clock,
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func twoSlotChain() []SlotConfig {
	return []SlotConfig{
		{SlotID: "S1", CapitalBase: 1000, CapitalCurrent: 1100, CascadeTargetPct: 10, NextSlotID: "S2", CascadeEnabled: true, Active: true, AssignedAgent: "A1", AgentGroup: slot.GroupG1, AgentStatus: slot.AgentActive},
		{SlotID: "S2", CapitalBase: 1000, CapitalCurrent: 500, CascadeTargetPct: 10, CascadeEnabled: true, AssignedAgent: "A4", AgentGroup: slot.GroupG2, AgentStatus: slot.AgentInactive},
	}
}

func TestDefaultChain(t *testing.T) {
	chain := DefaultChain(10, 1000, 10)
	require.Len(t, chain, 10)

	wantAgents := []string{"A1", "A5", "A2", "A6", "A3", "A4", "A1", "A5", "A2", "A6"}
	for i, c := range chain {
		assert.Equal(t, wantAgents[i], c.AssignedAgent, c.SlotID)
		if i%2 == 0 {
			assert.Equal(t, slot.GroupG1, c.AgentGroup)
		} else {
			assert.Equal(t, slot.GroupG2, c.AgentGroup)
		}
		assert.Equal(t, i == 0, c.Active)
		assert.Equal(t, 1000.0, c.CapitalCurrent)
	}
	assert.Equal(t, "slot_2", chain[0].NextSlotID)
	assert.Empty(t, chain[9].NextSlotID)
	assert.Equal(t, slot.AgentActive, chain[0].AgentStatus)
	assert.Equal(t, slot.AgentInactive, chain[1].AgentStatus)
	assert.NoError(t, validateChain(chain))
}

func TestNewCreatesDefaultChainWhenMissing(t *testing.T) {
	f := newFixture(t, nil)

	st := f.orch.Status()
	assert.Equal(t, 10, st.TotalSlots)
	assert.Equal(t, 1, st.ActiveSlots)
	assert.Equal(t, 300, st.CheckIntervalSeconds)

	saved, err := f.files.LoadChain(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 10)
}

func TestNewRegeneratesCorruptOrCyclicChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cascade_config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	files := NewFileChainStore(path, filepath.Join(dir, "h.jsonl"))
	orch, err := New(context.Background(), Settings{}, Deps{Store: files})
	require.NoError(t, err)
	assert.Len(t, orch.Chain(), 10)

	cyclic := []SlotConfig{
		{SlotID: "a", CapitalBase: 1, NextSlotID: "b"},
		{SlotID: "b", CapitalBase: 1, NextSlotID: "a"},
	}
	assert.ErrorIs(t, validateChain(cyclic), ErrCyclicChain)

	f := newFixture(t, cyclic)
	assert.Len(t, f.orch.Chain(), 10)
}

func TestLoadChainDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	doc := `{"cascade_chain":[{"slot_id":"x","capital_base":500,"cascade_target_pct":5,"active":true}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	chain, err := NewFileChainStore(path, filepath.Join(dir, "h.jsonl")).LoadChain(context.Background())
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, 500.0, chain[0].CapitalCurrent)
	assert.True(t, chain[0].CascadeEnabled)
}

func TestCascadeTransfersProfit(t *testing.T) {
	f := newFixture(t, twoSlotChain())
	ctx := context.Background()

	assert.Equal(t, 1, f.orch.CheckAllSlots(ctx))

	s1, err := f.orch.GetSlot(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, s1.CapitalCurrent)
	assert.Equal(t, 0.0, s1.PnL())

	s2, err := f.orch.GetSlot(ctx, "S2")
	require.NoError(t, err)
	assert.Equal(t, 600.0, s2.CapitalCurrent)
	assert.True(t, s2.Active)

	history := f.orch.GetCascadeHistory(ctx, 10)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, "S1", history[0].FromSlot)
	assert.Equal(t, "S2", history[0].ToSlot)
	assert.Equal(t, 100.0, history[0].ProfitTransferred)
	assert.NotEmpty(t, history[0].ID)

	assert.Equal(t, []string{"A4"}, f.activator.ids)
	raw, err := f.state.Get(ctx, store.AgentStatusKey("A4"))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "ACTIVE", doc["status"])
	assert.Equal(t, "S2", doc["assigned_slot"])
	assignment, err := f.state.Get(ctx, store.AgentSlotAssignmentKey("A4"))
	require.NoError(t, err)
	assert.Equal(t, "S2", string(assignment))

	saved, err := f.files.LoadChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 600.0, saved[1].CapitalCurrent)
	assert.Equal(t, slot.AgentActive, saved[1].AgentStatus)

	// 第二轮不再触发
	assert.Equal(t, 0, f.orch.CheckAllSlots(ctx))
	st := f.orch.Status()
	assert.Equal(t, 1, st.TotalCascades)
	require.NotNil(t, st.LastCascade)
	assert.Equal(t, 2, st.ActiveSlots)
}

func TestCascadeSkipsBelowTargetOrDisabled(t *testing.T) {
	chain := twoSlotChain()
	chain[0].CapitalCurrent = 1099
	f := newFixture(t, chain)
	assert.Equal(t, 0, f.orch.CheckAllSlots(context.Background()))

	chain = twoSlotChain()
	chain[0].CascadeEnabled = false
	f = newFixture(t, chain)
	assert.Equal(t, 0, f.orch.CheckAllSlots(context.Background()))

	chain = twoSlotChain()
	chain[0].Active = false
	f = newFixture(t, chain)
	assert.Equal(t, 0, f.orch.CheckAllSlots(context.Background()))
	assert.Empty(t, f.orch.GetCascadeHistory(context.Background(), 10))
}

func TestCascadeUnknownTargetLeavesSlotsUntouched(t *testing.T) {
	chain := twoSlotChain()
	chain[0].NextSlotID = "S9"
	f := newFixture(t, chain)
	ctx := context.Background()

	assert.Equal(t, 0, f.orch.CheckAllSlots(ctx))
	s1, err := f.orch.GetSlot(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1100.0, s1.CapitalCurrent)

	history := f.orch.GetCascadeHistory(ctx, 10)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Contains(t, history[0].Error, "S9")
	assert.Equal(t, 100.0, history[0].ProfitTransferred)
}

func TestUpdateSlotConfig(t *testing.T) {
	f := newFixture(t, twoSlotChain())
	ctx := context.Background()

	bad := -1.0
	assert.ErrorIs(t, f.orch.UpdateSlotConfig(ctx, "S1", SlotUpdate{CapitalBase: &bad}), ErrInvalidUpdate)
	assert.ErrorIs(t, f.orch.UpdateSlotConfig(ctx, "nope", SlotUpdate{}), ErrSlotNotFound)

	target := 20.0
	active := false
	require.NoError(t, f.orch.UpdateSlotConfig(ctx, "S1", SlotUpdate{CascadeTargetPct: &target, Active: &active}))

	s1, err := f.orch.GetSlot(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, s1.CascadeTargetPct)
	assert.False(t, s1.Active)

	raw, err := f.state.Get(ctx, store.AgentStatusKey("A1"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"INACTIVE"`)

	active = true
	require.NoError(t, f.orch.UpdateSlotConfig(ctx, "S2", SlotUpdate{Active: &active}))
	slots, err := f.orch.ListActiveSlots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "S2", slots[0].ID)
	assert.Equal(t, []string{"A4"}, f.activator.ids)
}

func TestSetCapitalAndRegistry(t *testing.T) {
	f := newFixture(t, twoSlotChain())
	ctx := context.Background()

	assert.ErrorIs(t, f.orch.SetCapital(ctx, "S1", -5), ErrInvalidUpdate)
	require.NoError(t, f.orch.SetCapital(ctx, "S1", 1250))
	s1, err := f.orch.GetSlot(ctx, "S1")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, s1.PnLPct(), 1e-12)

	all, err := f.orch.ListSlots(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	_, err = f.orch.GetSlot(ctx, "missing")
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestRebind(t *testing.T) {
	f := newFixture(t, twoSlotChain())
	ctx := context.Background()

	require.NoError(t, f.orch.Rebind(ctx, "S1", "A2"))
	s1, _ := f.orch.GetSlot(ctx, "S1")
	assert.Equal(t, "A2", s1.AssignedAgentID)
	assert.ErrorIs(t, f.orch.Rebind(ctx, "S1", ""), ErrInvalidUpdate)

	broken, err := New(ctx, Settings{}, Deps{Store: failingStore{f.files}})
	require.NoError(t, err)
	assert.Error(t, broken.Rebind(ctx, "S1", "A3"))
	s1, _ = broken.GetSlot(ctx, "S1")
	assert.Equal(t, "A2", s1.AssignedAgentID)
}

func TestHistorySkipsCorruptLines(t *testing.T) {
	f := newFixture(t, twoSlotChain())
	ctx := context.Background()

	require.NoError(t, f.files.AppendRecord(ctx, Record{ID: "1", FromSlot: "a", ToSlot: "b", Success: true}))
	fh, err := os.OpenFile(filepath.Join(f.dir, "cascade_history.jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = fh.WriteString("garbage\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())
	require.NoError(t, f.files.AppendRecord(ctx, Record{ID: "2", FromSlot: "b", ToSlot: "c", Success: true}))

	records, err := f.files.Records(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	last, err := f.files.Records(ctx, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "2", last[0].ID)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, twoSlotChain())
	f.orch.settings.CheckInterval = 10 * time.Millisecond
	f.orch.settings.StopTimeout = time.Second

	f.orch.Start(context.Background())
	assert.True(t, f.orch.Status().Running)
	assert.Eventually(t, func() bool {
		s, _ := f.orch.GetSlot(context.Background(), "S2")
		return s.Active
	}, time.Second, 5*time.Millisecond)
	f.orch.Stop()
	assert.False(t, f.orch.Status().Running)
}
