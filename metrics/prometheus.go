package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 保护指标
	protectionActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slotmesh_protection_active_slots",
			Help: "Number of slots currently under protection, by guard",
		},
		[]string{"guard"},
	)

	protectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmesh_protection_events_total",
			Help: "Total number of protection events, by source and severity",
		},
		[]string{"source", "severity"},
	)

	protectionEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmesh_protection_evaluations_total",
			Help: "Total number of admission evaluations, by result",
		},
		[]string{"result"},
	)

	protectedRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotmesh_protected_slot_ratio",
			Help: "Ratio of protected slots to tracked slots at the last evaluation",
		},
	)

	emergencyStop = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotmesh_emergency_stop_active",
			Help: "Whether the emergency stop is active (1 = active, 0 = inactive)",
		},
	)

	// 级联指标
	cascadeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmesh_cascade_total",
			Help: "Total number of executed cascades, by status",
		},
		[]string{"status"},
	)

	cascadeProfit = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slotmesh_cascade_profit_transferred_total",
			Help: "Total profit transferred between slots by successful cascades",
		},
	)

	slotCapital = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slotmesh_slot_capital",
			Help: "Current capital of each slot",
		},
		[]string{"slot"},
	)

	// 故障切换指标
	failoverTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmesh_failover_total",
			Help: "Total number of failover attempts, by status",
		},
		[]string{"status"},
	)

	failoverDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slotmesh_failover_duration_seconds",
			Help:    "Failover handoff duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
	)

	agentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmesh_agent_failures_detected_total",
			Help: "Total number of agent failures detected, by trigger",
		},
		[]string{"trigger"},
	)

	// 代理指标
	agentDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmesh_agent_decisions_total",
			Help: "Total number of decisions produced by each agent",
		},
		[]string{"agent"},
	)

	agentTrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmesh_agent_trades_total",
			Help: "Total number of trades forwarded for execution, by agent and result",
		},
		[]string{"agent", "result"},
	)

	agentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotmesh_agents_active",
			Help: "Number of agents in ACTIVE status",
		},
	)

	// 循环指标
	loopCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slotmesh_loop_cycle_duration_seconds",
			Help:    "Duration of one background loop cycle in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"loop"},
	)

	loopErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmesh_loop_errors_total",
			Help: "Total number of errors inside background loops",
		},
		[]string{"loop"},
	)

	// 通知指标
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotmesh_notifications_total",
			Help: "Total number of notifications, by channel and status",
		},
		[]string{"channel", "status"},
	)

	// 系统指标
	processCPU = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotmesh_process_cpu_percent",
			Help: "Process CPU usage percent",
		},
	)

	processRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotmesh_process_memory_rss_bytes",
			Help: "Process resident memory in bytes",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotmesh_goroutines",
			Help: "Number of goroutines",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// SetProtectionActive 设置某个守卫下受保护的槽位数
func (pm *PrometheusMetrics) SetProtectionActive(guard string, count int) {
	protectionActive.WithLabelValues(guard).Set(float64(count))
}

// RecordProtectionEvent 记录保护事件
func (pm *PrometheusMetrics) RecordProtectionEvent(source, severity string) {
	protectionEvents.WithLabelValues(source, severity).Inc()
}

// RecordEvaluation 记录一次准入评估
func (pm *PrometheusMetrics) RecordEvaluation(canTrade bool) {
	result := "blocked"
	if canTrade {
		result = "allowed"
	}
	protectionEvaluations.WithLabelValues(result).Inc()
}

// SetProtectedRatio 设置受保护槽位比例
func (pm *PrometheusMetrics) SetProtectedRatio(ratio float64) {
	protectedRatio.Set(ratio)
}

// SetEmergencyStop 设置紧急停止状态
func (pm *PrometheusMetrics) SetEmergencyStop(active bool) {
	if active {
		emergencyStop.Set(1)
	} else {
		emergencyStop.Set(0)
	}
}

// RecordCascade 记录级联结果
func (pm *PrometheusMetrics) RecordCascade(success bool, profit float64) {
	if success {
		cascadeTotal.WithLabelValues("success").Inc()
		if profit > 0 {
			cascadeProfit.Add(profit)
		}
		return
	}
	cascadeTotal.WithLabelValues("failed").Inc()
}

// SetSlotCapital 设置槽位资金
func (pm *PrometheusMetrics) SetSlotCapital(slotID string, capital float64) {
	slotCapital.WithLabelValues(slotID).Set(capital)
}

// RecordFailover 记录故障切换结果
func (pm *PrometheusMetrics) RecordFailover(status string, duration time.Duration) {
	failoverTotal.WithLabelValues(status).Inc()
	failoverDuration.Observe(duration.Seconds())
}

// RecordAgentFailure 记录检测到的代理故障
func (pm *PrometheusMetrics) RecordAgentFailure(trigger string) {
	agentFailures.WithLabelValues(trigger).Inc()
}

// RecordAgentDecision 记录代理决策
func (pm *PrometheusMetrics) RecordAgentDecision(agentID string) {
	agentDecisions.WithLabelValues(agentID).Inc()
}

// RecordAgentTrade 记录代理交易执行结果
func (pm *PrometheusMetrics) RecordAgentTrade(agentID string, success bool) {
	result := "failed"
	if success {
		result = "success"
	}
	agentTrades.WithLabelValues(agentID, result).Inc()
}

// SetActiveAgents 设置活跃代理数量
func (pm *PrometheusMetrics) SetActiveAgents(count int) {
	agentsActive.Set(float64(count))
}

// RecordLoopCycle 记录循环周期耗时
func (pm *PrometheusMetrics) RecordLoopCycle(loop string, duration time.Duration) {
	loopCycleDuration.WithLabelValues(loop).Observe(duration.Seconds())
}

// RecordLoopError 记录循环错误
func (pm *PrometheusMetrics) RecordLoopError(loop string) {
	loopErrors.WithLabelValues(loop).Inc()
}

// RecordNotification 记录通知发送结果
func (pm *PrometheusMetrics) RecordNotification(channel, status string) {
	notificationsTotal.WithLabelValues(channel, status).Inc()
}

// SetProcessStats 设置进程资源占用
func (pm *PrometheusMetrics) SetProcessStats(cpuPercent float64, rssBytes uint64, goroutines int) {
	processCPU.Set(cpuPercent)
	processRSS.Set(float64(rssBytes))
	goroutineCount.Set(float64(goroutines))
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
