package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotmesh/config"
	"slotmesh/utils"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "slot:slot_3:context", SlotContextKey("slot_3"))
	assert.Equal(t, "ia:agent_A1:status", AgentStatusKey("A1"))
	assert.Equal(t, "ia:agent_A1:slot_assignment", AgentSlotAssignmentKey("A1"))
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clock)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("x"), 0))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// 返回副本，修改不影响存储
	got[0] = 'X'
	again, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("v1"), again)

	clock.Advance(time.Hour)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(ctx, "forever"))
	require.NoError(t, s.Delete(ctx, "forever"))
	assert.Equal(t, 0, s.Len())
	assert.NoError(t, s.Ping(ctx))
}

func TestRedisStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewRedisStore(client)
	defer s.Close()

	ctx := context.Background()
	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
	_, err := s.Get(ctx, "slot:slot_1:context")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Set(ctx, "k", []byte("v"), time.Minute), ErrUnavailable)
}

func TestNewStateStore(t *testing.T) {
	s, err := NewStateStore(config.StateStoreConfig{Type: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStateStore(config.StateStoreConfig{Type: "redis", RedisURL: "redis://localhost:6379/1"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	s.Close()

	_, err = NewStateStore(config.StateStoreConfig{Type: "redis", RedisURL: "://bad"}, nil)
	assert.Error(t, err)

	_, err = NewStateStore(config.StateStoreConfig{Type: "etcd"}, nil)
	assert.Error(t, err)
}
