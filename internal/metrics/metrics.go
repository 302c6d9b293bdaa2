// ============================================================================
// fieldsync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集同步子系統的運行指標
//
// 指標分類:
//
//  1. 計數器 (Counter)：
//     - fieldsync_operations_enqueued_total{type}
//     - fieldsync_submissions_total{type, outcome}  outcome = ok|retryable|permanent|conflict
//     - fieldsync_sync_passes_total{trigger}         trigger = timer|network|manual|startup
//     - fieldsync_sync_triggers_dropped_total{trigger}
//     - fieldsync_operations_purged_total
//
//  2. 分佈 (Histogram)：
//     - fieldsync_submission_latency_seconds{type}
//     - fieldsync_sync_pass_duration_seconds
//
//  3. 狀態 (Gauge)：
//     - fieldsync_operations{status}  pending|in_flight|completed|failed|exhausted
//     - fieldsync_network_connected
//     - fieldsync_last_sync_timestamp_seconds
//
// Prometheus 查詢示例:
//
//	# 衝突比例
//	rate(fieldsync_submissions_total{outcome="conflict"}[1h]) / rate(fieldsync_submissions_total[1h])
//
//	# 積壓
//	fieldsync_operations{status="pending"} + fieldsync_operations{status="failed"}
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/fieldsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldsync"

// Collector Prometheus 指標收集器
type Collector struct {
	enqueued        *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	passes          *prometheus.CounterVec
	droppedTriggers *prometheus.CounterVec
	purged          prometheus.Counter

	submissionLatency *prometheus.HistogramVec
	passDuration      prometheus.Histogram

	operations       *prometheus.GaugeVec
	networkConnected prometheus.Gauge
	lastSync         prometheus.Gauge
}

// NewCollector 建立收集器並註冊到 reg；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_enqueued_total",
			Help:      "Total number of operations recorded locally",
		}, []string{"type"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total number of submission attempts by outcome",
		}, []string{"type", "outcome"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Total number of sync passes run",
		}, []string{"trigger"}),
		droppedTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_triggers_dropped_total",
			Help:      "Sync requests dropped because a pass was already running",
		}, []string{"trigger"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_purged_total",
			Help:      "Completed operations removed by retention",
		}),
		submissionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_latency_seconds",
			Help:      "Remote submission latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of a whole sync pass in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		operations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations",
			Help:      "Current number of operations by status",
		}, []string{"status"}),
		networkConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_connected",
			Help:      "1 when the server is considered reachable",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time of the last successful sync pass",
		}),
	}

	reg.MustRegister(
		c.enqueued,
		c.submissions,
		c.passes,
		c.droppedTriggers,
		c.purged,
		c.submissionLatency,
		c.passDuration,
		c.operations,
		c.networkConnected,
		c.lastSync,
	)

	return c
}

// RecordEnqueue 記錄一筆新操作
func (c *Collector) RecordEnqueue(opType types.OperationType) {
	c.enqueued.WithLabelValues(string(opType)).Inc()
}

// RecordSubmission 記錄一次提交結果與延遲；class 為 FailureNone 表示成功
func (c *Collector) RecordSubmission(opType types.OperationType, class types.FailureClass, latency time.Duration) {
	outcome := "ok"
	if class != types.FailureNone {
		outcome = string(class)
	}
	c.submissions.WithLabelValues(string(opType), outcome).Inc()
	c.submissionLatency.WithLabelValues(string(opType)).Observe(latency.Seconds())
}

// RecordPass 記錄一次同步
func (c *Collector) RecordPass(trigger string, duration time.Duration) {
	c.passes.WithLabelValues(trigger).Inc()
	c.passDuration.Observe(duration.Seconds())
}

// RecordDroppedTrigger 記錄因單飛保護而被丟棄的觸發
func (c *Collector) RecordDroppedTrigger(trigger string) {
	c.droppedTriggers.WithLabelValues(trigger).Inc()
}

// RecordPurged 記錄保留策略清除的筆數
func (c *Collector) RecordPurged(n int) {
	c.purged.Add(float64(n))
}

// UpdateQueueStats 更新各狀態數量
func (c *Collector) UpdateQueueStats(stats types.Stats) {
	c.operations.WithLabelValues(string(types.StatusPending)).Set(float64(stats.Pending))
	c.operations.WithLabelValues(string(types.StatusInFlight)).Set(float64(stats.InFlight))
	c.operations.WithLabelValues(string(types.StatusCompleted)).Set(float64(stats.Completed))
	c.operations.WithLabelValues(string(types.StatusFailed)).Set(float64(stats.Failed))
	c.operations.WithLabelValues("exhausted").Set(float64(stats.Exhausted))
	if stats.LastSyncAt != nil {
		c.lastSync.Set(float64(stats.LastSyncAt.Unix()))
	}
}

// SetNetwork 更新網路狀態
func (c *Collector) SetNetwork(status types.NetworkStatus) {
	if status.Offline() {
		c.networkConnected.Set(0)
		return
	}
	c.networkConnected.Set(1)
}

// Handler 回傳 gatherer 的 /metrics handler；nil 時使用 DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
