// ============================================================================
// tickcast Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露計時器、觀察者、持久化指標
//
// 指標分類:
//
//   1. 計時器計數器 (Counter):
//      - tickcast_timers_started_total: 啟動的計時器總數
//      - tickcast_timers_stopped_total: 被取消的計時器總數
//      - tickcast_timers_done_total: 倒數完成的計時器總數
//
//   2. 狀態指標 (Gauge):
//      - tickcast_timers_active: 目前 live set 大小
//      - tickcast_observers{transport}: 各 transport 的連線數
//      - tickcast_restore_duration_seconds: 最近一次恢復耗時
//      - tickcast_restored_timers: 最近一次恢復的計時器數
//
//   3. 錯誤指標 (Counter):
//      - tickcast_restore_orphans_total: 恢復時丟棄的過期紀錄
//      - tickcast_persist_failures_total{op}: store 操作失敗
//      - tickcast_persist_dropped_total{op}: 佇列滿而丟棄的操作
//      - tickcast_store_open_failures_total{driver}: 啟動時無法開啟 store
//      - tickcast_broadcast_drops_total{transport}: 因過慢被移除的觀察者
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成的倒數
//   rate(tickcast_timers_done_total[1m])
//
//   # store 錯誤率
//   sum(rate(tickcast_persist_failures_total[5m])) by (op)
//
// HTTP 端點:
//   由 HTTP 伺服器的 /metrics 暴露
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tickcast"

// Collector Prometheus 指標收集器
type Collector struct {
	// 計時器相關指標
	timersStarted prometheus.Counter
	timersStopped prometheus.Counter
	timersDone    prometheus.Counter
	timersActive  prometheus.Gauge

	// 恢復指標
	restoreTime    prometheus.Gauge
	restoredTimers prometheus.Gauge
	restoreOrphans prometheus.Counter

	// 觀察者與持久化
	observers       *prometheus.GaugeVec
	broadcastDrops  *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	persistDropped  *prometheus.CounterVec
	storeOpenFails  *prometheus.CounterVec
}

// NewCollector 建立指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		timersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_started_total",
			Help:      "Total number of timers started",
		}),
		timersStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_stopped_total",
			Help:      "Total number of timers cancelled before reaching zero",
		}),
		timersDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_done_total",
			Help:      "Total number of timers that counted down to zero",
		}),
		timersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers_active",
			Help:      "Current number of live timers",
		}),
		restoreTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restore_duration_seconds",
			Help:      "Time taken by the last restore from the duration store",
		}),
		restoredTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restored_timers",
			Help:      "Number of timers resumed by the last restore",
		}),
		restoreOrphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_orphans_total",
			Help:      "Stored records discarded during restore because they had expired",
		}),
		observers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Connected observers per transport",
		}, []string{"transport"}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Observers pruned because their buffer was full",
		}, []string{"transport"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Duration store operations that returned an error",
		}, []string{"op"}),
		persistDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_dropped_total",
			Help:      "Duration store operations dropped because the queue was full",
		}, []string{"op"}),
		storeOpenFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_open_failures_total",
			Help:      "Duration stores that could not be opened at boot",
		}, []string{"driver"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.timersStarted,
		c.timersStopped,
		c.timersDone,
		c.timersActive,
		c.restoreTime,
		c.restoredTimers,
		c.restoreOrphans,
		c.observers,
		c.broadcastDrops,
		c.persistFailures,
		c.persistDropped,
		c.storeOpenFails,
	)

	return c
}

// RecordTimerStarted 記錄計時器啟動
func (c *Collector) RecordTimerStarted() {
	c.timersStarted.Inc()
}

// RecordTimerStopped 記錄計時器被取消
func (c *Collector) RecordTimerStopped() {
	c.timersStopped.Inc()
}

// RecordTimerDone 記錄計時器歸零
func (c *Collector) RecordTimerDone() {
	c.timersDone.Inc()
}

// SetActiveTimers 設置 live set 大小
func (c *Collector) SetActiveTimers(n int) {
	c.timersActive.Set(float64(n))
}

// RecordRestore 記錄一次恢復的結果
func (c *Collector) RecordRestore(restored, orphans int, duration time.Duration) {
	c.restoreTime.Set(duration.Seconds())
	c.restoredTimers.Set(float64(restored))
	c.restoreOrphans.Add(float64(orphans))
}

// SetObservers 設置某 transport 的連線數
func (c *Collector) SetObservers(transport string, n int) {
	c.observers.WithLabelValues(transport).Set(float64(n))
}

// RecordBroadcastDrop 記錄一個過慢而被移除的觀察者
func (c *Collector) RecordBroadcastDrop(transport string) {
	c.broadcastDrops.WithLabelValues(transport).Inc()
}

// RecordPersistFailure 記錄 store 操作失敗
func (c *Collector) RecordPersistFailure(op string) {
	c.persistFailures.WithLabelValues(op).Inc()
}

// RecordPersistDropped 記錄因佇列滿而丟棄的 store 操作
func (c *Collector) RecordPersistDropped(op string) {
	c.persistDropped.WithLabelValues(op).Inc()
}

// RecordStoreOpenFailure 記錄啟動時 store 開啟失敗，服務改以純記憶體模式執行
func (c *Collector) RecordStoreOpenFailure(driver string) {
	c.storeOpenFails.WithLabelValues(driver).Inc()
}

// Handler 回傳 Prometheus 文本格式的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
