package utils

import (
	"sync"
	"time"
)

// Clock 时间源，守卫与编排器通过它获取当前时间，便于测试中注入固定时间
type Clock interface {
	Now() time.Time
}

// RealClock 系统时钟（UTC）
type RealClock struct{}

// Now 返回当前 UTC 时间
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock 手动推进的时钟
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 创建固定在 t 的时钟
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now 返回当前设定时间
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set 设置时间
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance 推进时间
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// OrRealClock 为 nil 时返回系统时钟
func OrRealClock(c Clock) Clock {
	if c == nil {
		return RealClock{}
	}
	return c
}
