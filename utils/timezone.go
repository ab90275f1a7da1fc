package utils

import (
	"sync"
	"time"
)

var (
	globalLocation = time.UTC
	locationMu     sync.RWMutex
)

// SetLocation 设置全局时区（日志、状态展示使用，内部计算始终使用 UTC）
func SetLocation(name string) error {
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 容器内常缺 tzdata，常见的东8区写法退化为固定偏移
		if name == "UTC+8" || name == "Asia/Shanghai" {
			loc = time.FixedZone("UTC+8", 8*60*60)
		} else {
			return err
		}
	}
	locationMu.Lock()
	globalLocation = loc
	locationMu.Unlock()
	return nil
}

// Location 返回当前配置的时区
func Location() *time.Location {
	locationMu.RLock()
	defer locationMu.RUnlock()
	return globalLocation
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(Location())
}
