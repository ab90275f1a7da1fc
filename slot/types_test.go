package slot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlotPnL(t *testing.T) {
	s := Slot{CapitalBase: 1000, CapitalCurrent: 1100}
	assert.InDelta(t, 100, s.PnL(), 1e-9)
	assert.InDelta(t, 0.1, s.PnLPct(), 1e-9)

	zero := Slot{CapitalCurrent: 50}
	assert.Equal(t, 0.0, zero.PnLPct())
}

func TestAgentStatusValid(t *testing.T) {
	assert.True(t, AgentActive.Valid())
	assert.True(t, AgentPaused.Valid())
	assert.False(t, AgentStatus("BUSY").Valid())
}
