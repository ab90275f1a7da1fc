package monitor

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics 进程资源快照
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	RSSBytes      uint64    `json:"rss_bytes"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"` // 占系统内存的百分比
	Goroutines    int       `json:"goroutines"`
	ProcessID     int       `json:"process_id"`
}

// Collector 进程资源采集器
type Collector struct {
	proc *process.Process
}

// NewCollector 创建当前进程的采集器
func NewCollector() (*Collector, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("获取进程失败: %w", err)
	}
	return &Collector{proc: p}, nil
}

// Collect 采集一次资源指标
func (c *Collector) Collect() (*SystemMetrics, error) {
	cpuPercent, err := c.proc.Percent(0)
	if err != nil {
		cpuPercent, err = systemCPUPercent()
		if err != nil {
			return nil, fmt.Errorf("获取CPU占用率失败: %w", err)
		}
	}

	memInfo, err := c.proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("获取内存信息失败: %w", err)
	}

	var memoryPercent float64
	if memStat, err := mem.VirtualMemory(); err == nil && memStat.Total > 0 {
		memoryPercent = float64(memInfo.RSS) / float64(memStat.Total) * 100
	}

	return &SystemMetrics{
		Timestamp:     time.Now(),
		CPUPercent:    cpuPercent,
		RSSBytes:      memInfo.RSS,
		MemoryMB:      float64(memInfo.RSS) / 1024 / 1024,
		MemoryPercent: memoryPercent,
		Goroutines:    runtime.NumGoroutine(),
		ProcessID:     int(c.proc.Pid),
	}, nil
}

// systemCPUPercent 获取系统CPU使用率（备用方法）
func systemCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("无法获取CPU使用率")
	}
	return percentages[0], nil
}

// GetGoRuntimeStats 获取Go运行时统计信息
func GetGoRuntimeStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"goroutines":      runtime.NumGoroutine(),
		"alloc_mb":        float64(m.Alloc) / 1024 / 1024,
		"total_alloc_mb":  float64(m.TotalAlloc) / 1024 / 1024,
		"sys_mb":          float64(m.Sys) / 1024 / 1024,
		"num_gc":          m.NumGC,
		"gc_cpu_fraction": m.GCCPUFraction,
	}
}
