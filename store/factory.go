package store

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"slotmesh/config"
	"slotmesh/utils"
)

// NewStateStore 根据配置创建共享存储
func NewStateStore(cfg config.StateStoreConfig, clock utils.Clock) (StateStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(clock), nil

	case "redis":
		var opts *redis.Options
		if cfg.RedisURL != "" {
			parsed, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("解析 redis_url 失败: %w", err)
			}
			opts = parsed
		} else {
			opts = &redis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			}
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		opts.DialTimeout = 3 * time.Second
		opts.ReadTimeout = 2 * time.Second
		opts.WriteTimeout = 2 * time.Second

		return NewRedisStore(redis.NewClient(opts)), nil

	default:
		return nil, fmt.Errorf("unsupported state store type: %s", cfg.Type)
	}
}
