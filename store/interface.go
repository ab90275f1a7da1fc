package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound 键不存在或已过期
	ErrNotFound = errors.New("键不存在")
	// ErrUnavailable 共享存储不可达
	ErrUnavailable = errors.New("共享存储不可用")
)

const (
	// SlotContextTTL 槽位上下文保留时长
	SlotContextTTL = time.Hour
	// AgentKeyTTL 代理状态键保留时长
	AgentKeyTTL = 24 * time.Hour
)

// StateStore 跨进程共享的键值存储（带 TTL）
type StateStore interface {
	// Get 读取键，不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 写入键，ttl<=0 表示不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete 删除键，键不存在不视为错误
	Delete(ctx context.Context, key string) error

	// Ping 检查连接
	Ping(ctx context.Context) error

	// Close 关闭连接
	Close() error
}

// SlotContextKey 槽位上下文键
func SlotContextKey(slotID string) string {
	return fmt.Sprintf("slot:%s:context", slotID)
}

// AgentStatusKey 代理状态键
func AgentStatusKey(agentID string) string {
	return fmt.Sprintf("ia:agent_%s:status", agentID)
}

// AgentSlotAssignmentKey 代理槽位分配键
func AgentSlotAssignmentKey(agentID string) string {
	return fmt.Sprintf("ia:agent_%s:slot_assignment", agentID)
}
