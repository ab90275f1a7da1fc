package store

import (
	"context"
	"sync"
	"time"

	"slotmesh/utils"
)

type memoryEntry struct {
	value    []byte
	expireAt time.Time // 零值表示不过期
}

// MemoryStore 进程内实现，单实例部署与测试使用
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]memoryEntry
	clock utils.Clock
}

// NewMemoryStore 创建内存存储，clock 为 nil 时使用系统时钟
func NewMemoryStore(clock utils.Clock) *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memoryEntry),
		clock: utils.OrRealClock(clock),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expireAt.IsZero() && !m.clock.Now().Before(e.expireAt) {
		delete(m.data, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Len 返回未过期键数量
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for _, e := range m.data {
		if e.expireAt.IsZero() || now.Before(e.expireAt) {
			n++
		}
	}
	return n
}
