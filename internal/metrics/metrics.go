// ============================================================================
// fleetbatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 功能: 收集和暴露批次處理與快取的運行指標
//
// 指標分類:
//
//   1. 批次計數器 (Counter)：
//      - fleetbatch_batches_enqueued_total: 入隊批次總數
//      - fleetbatch_batches_received_total: 被領取的批次總數（含重新投遞）
//      - fleetbatch_batches_completed_total: 成功完成的批次總數
//      - fleetbatch_batches_failed_total: 失敗的執行次數
//      - fleetbatch_batches_dead_lettered_total: 進入死信佇列的批次總數
//
//   2. 性能指標 (Histogram)：
//      - fleetbatch_batch_latency_seconds: 單一批次執行到存檔完成的延遲
//
//   3. 狀態指標 (Gauge)：
//      - fleetbatch_active_workers: 當前執行中的批次數
//      - fleetbatch_queue_depth{channel}: main / dead_letter 佇列深度
//      - fleetbatch_recovery_time_seconds: 啟動時佇列日誌重放耗時
//
//   4. 快取與清理：
//      - fleetbatch_cache_requests_total{result}: hit / miss
//      - fleetbatch_cache_write_errors_total: 背景寫入失敗次數
//      - fleetbatch_cleanup_deleted_total{target}: results / cache 清理刪除數
//
// Prometheus 查詢示例:
//
//   # 95 分位延遲
//   histogram_quantile(0.95, rate(fleetbatch_batch_latency_seconds_bucket[5m]))
//
//   # 快取命中率
//   rate(fleetbatch_cache_requests_total{result="hit"}[5m])
//     / rate(fleetbatch_cache_requests_total[5m])
//
// 所有方法在 nil *Collector 上都是 no-op，元件可以不注入指標。
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetbatch"

// Collector Prometheus 指標收集器
type Collector struct {
	// 批次相關指標
	batchesEnqueued     prometheus.Counter
	batchesReceived     prometheus.Counter
	batchesCompleted    prometheus.Counter
	batchesFailed       prometheus.Counter
	batchesDeadLettered prometheus.Counter

	// 效能指標
	batchLatency prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 狀態指標
	activeWorkers prometheus.Gauge
	queueDepth    *prometheus.GaugeVec

	// 快取與清理
	cacheRequests    *prometheus.CounterVec
	cacheWriteErrors prometheus.Counter
	cleanupDeleted   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用新的 prometheus.Registry；同一個 Registerer 只能註冊一次。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		batchesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_enqueued_total",
			Help:      "Total number of batches enqueued",
		}),
		batchesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_received_total",
			Help:      "Total number of batch deliveries claimed from the queue",
		}),
		batchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_completed_total",
			Help:      "Total number of batches completed successfully",
		}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Total number of failed batch attempts",
		}),
		batchesDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dead_lettered_total",
			Help:      "Total number of batches moved to the dead-letter queue",
		}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Batch execution and persistence latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to replay the queue journal at startup",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Current number of batches being executed",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate number of messages per channel",
		}, []string{"channel"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),
		cacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_errors_total",
			Help:      "Cache writes that failed and were dropped",
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Objects deleted by expiry sweeps",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.batchesEnqueued,
		c.batchesReceived,
		c.batchesCompleted,
		c.batchesFailed,
		c.batchesDeadLettered,
		c.batchLatency,
		c.recoveryTime,
		c.activeWorkers,
		c.queueDepth,
		c.cacheRequests,
		c.cacheWriteErrors,
		c.cleanupDeleted,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordEnqueue 記錄批次入隊
func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.batchesEnqueued.Inc()
}

// RecordReceived 記錄本輪領取的批次數
func (c *Collector) RecordReceived(n int) {
	if c == nil {
		return
	}
	c.batchesReceived.Add(float64(n))
}

// RecordCompleted 記錄批次完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	if c == nil {
		return
	}
	c.batchesCompleted.Inc()
	c.batchLatency.Observe(latencySeconds)
}

// RecordFailed 記錄一次失敗的執行
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.batchesFailed.Inc()
}

// RecordDeadLettered 記錄批次進入死信佇列
func (c *Collector) RecordDeadLettered() {
	if c == nil {
		return
	}
	c.batchesDeadLettered.Inc()
}

// SetActiveWorkers 設置當前執行中的批次數
func (c *Collector) SetActiveWorkers(n int) {
	if c == nil {
		return
	}
	c.activeWorkers.Set(float64(n))
}

// SetRecoveryTime 設置日誌重放耗時
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新佇列深度
func (c *Collector) UpdateQueueStats(queued, deadLettered int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues("main").Set(float64(queued))
	c.queueDepth.WithLabelValues("dead_letter").Set(float64(deadLettered))
}

// RecordCacheHit 記錄快取命中
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues("hit").Inc()
}

// RecordCacheMiss 記錄快取未命中（含過期）
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues("miss").Inc()
}

// RecordCacheWriteError 記錄被丟棄的快取寫入
func (c *Collector) RecordCacheWriteError() {
	if c == nil {
		return
	}
	c.cacheWriteErrors.Inc()
}

// RecordCleanup 記錄清理刪除的物件數；target 為 "results" 或 "cache"
func (c *Collector) RecordCleanup(target string, deleted int) {
	if c == nil {
		return
	}
	c.cleanupDeleted.WithLabelValues(target).Add(float64(deleted))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
