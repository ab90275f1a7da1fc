package monitor

import (
	"context"
	"sync"
	"time"

	"slotmesh/logger"
	"slotmesh/metrics"
	"slotmesh/utils"
)

// SystemMonitor 周期采样进程资源并写入 Prometheus
type SystemMonitor struct {
	collector *Collector
	interval  time.Duration

	mu     sync.RWMutex
	latest *SystemMetrics

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSystemMonitor 创建资源监控
func NewSystemMonitor(interval time.Duration) (*SystemMonitor, error) {
	c, err := NewCollector()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SystemMonitor{collector: c, interval: interval}, nil
}

// Sample 立即采样一次
func (m *SystemMonitor) Sample() (*SystemMetrics, error) {
	sm, err := m.collector.Collect()
	if err != nil {
		return nil, err
	}
	metrics.GetPrometheusMetrics().SetProcessStats(sm.CPUPercent, sm.RSSBytes, sm.Goroutines)

	m.mu.Lock()
	m.latest = sm
	m.mu.Unlock()
	return sm, nil
}

// Latest 最近一次采样，尚未采样时返回 nil
func (m *SystemMonitor) Latest() *SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Start 启动采样循环
func (m *SystemMonitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.wg.Add(1)
	go m.loop(ctx)
	logger.Info("✅ 资源监控已启动 (采样间隔: %v)", m.interval)
}

func (m *SystemMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	pm := metrics.GetPrometheusMetrics()

	for {
		start := time.Now()
		if _, err := m.Sample(); err != nil {
			logger.Warn("⚠️ 资源采样失败: %v", err)
			pm.RecordLoopError("monitor")
		} else {
			pm.RecordLoopCycle("monitor", time.Since(start))
		}
		if !utils.SleepContext(ctx, m.interval) {
			return
		}
	}
}

// Stop 停止采样循环
func (m *SystemMonitor) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.running = false
	if !utils.WaitTimeout(&m.wg, 5*time.Second) {
		logger.Warn("⚠️ 资源监控未能在超时内退出")
	}
}
