package monitor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Collect(t *testing.T) {
	c, err := NewCollector()
	require.NoError(t, err)

	sm, err := c.Collect()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), sm.ProcessID)
	assert.Greater(t, sm.RSSBytes, uint64(0))
	assert.Greater(t, sm.Goroutines, 0)
	assert.GreaterOrEqual(t, sm.CPUPercent, 0.0)
}

func TestSystemMonitor_StartStop(t *testing.T) {
	m, err := NewSystemMonitor(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, m.Latest())

	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.Latest() != nil }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestGetGoRuntimeStats(t *testing.T) {
	stats := GetGoRuntimeStats()
	assert.Contains(t, stats, "goroutines")
	assert.Contains(t, stats, "alloc_mb")
}
