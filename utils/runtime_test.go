package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeCall(t *testing.T) {
	assert.NoError(t, SafeCall(func() error { return nil }))

	want := errors.New("boom")
	assert.ErrorIs(t, SafeCall(func() error { return want }), want)

	err := SafeCall(func() error { panic("槽位数据异常") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "槽位数据异常")
}

func TestWaitTimeout(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		wg.Done()
	}()
	assert.True(t, WaitTimeout(&wg, time.Second))

	var stuck sync.WaitGroup
	stuck.Add(1)
	assert.False(t, WaitTimeout(&stuck, 20*time.Millisecond))
	stuck.Done()
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, SleepContext(ctx, time.Second))
	assert.True(t, SleepContext(context.Background(), time.Millisecond))
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())

	_, isReal := OrRealClock(nil).(RealClock)
	assert.True(t, isReal)
}

func TestSetLocation(t *testing.T) {
	defer SetLocation("UTC")
	require.NoError(t, SetLocation("UTC+8"))
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 8, ToConfiguredTimezone(ts).Hour())
	assert.Error(t, SetLocation("Not/AZone"))
	assert.True(t, ToConfiguredTimezone(time.Time{}).IsZero())
}
