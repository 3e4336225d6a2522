package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	retryAttemptsTotal *prometheus.CounterVec

	cacheLookupsTotal *prometheus.CounterVec
	cacheWritesTotal  *prometheus.CounterVec

	activeConversations   prometheus.Gauge
	sessionResolveTotal   *prometheus.CounterVec
	sessionResolveLatency prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	runTotal     *prometheus.CounterVec
	runDuration  prometheus.Histogram
	runPolls     prometheus.Histogram
	runThrottled prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "platepal_queue_size",
					Help: "Current queued operations by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "platepal_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "platepal_dequeue_total",
					Help: "Total completed operations by status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "platepal_task_duration_seconds",
					Help:    "Queued operation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			retryAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "platepal_retry_attempts_total",
					Help: "Total retries performed by operation.",
				},
				[]string{"operation"},
			),
			cacheLookupsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "platepal_transcript_cache_lookups_total",
					Help: "Transcript cache lookups by result (hit, miss, corrupt).",
				},
				[]string{"result"},
			),
			cacheWritesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "platepal_transcript_cache_writes_total",
					Help: "Transcript cache writes by status.",
				},
				[]string{"status"},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "platepal_active_conversations",
					Help: "Conversations currently loaded in memory.",
				},
			),
			sessionResolveTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "platepal_session_resolve_total",
					Help: "Session resolutions by path (active, profile, created).",
				},
				[]string{"path"},
			),
			sessionResolveLatency: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "platepal_session_resolve_duration_seconds",
					Help:    "Session resolution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "platepal_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "platepal_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "platepal_tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "platepal_run_total",
					Help: "Total assistant runs by final status.",
				},
				[]string{"status"},
			),
			runDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "platepal_run_duration_seconds",
					Help:    "Assistant run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			runPolls: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "platepal_run_polls",
					Help:    "Poll iterations consumed per run.",
					Buckets: prometheus.LinearBuckets(1, 1, 10),
				},
			),
			runThrottled: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "platepal_run_throttled_total",
					Help: "Rate-limited status polls.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.retryAttemptsTotal,
			m.cacheLookupsTotal,
			m.cacheWritesTotal,
			m.activeConversations,
			m.sessionResolveTotal,
			m.sessionResolveLatency,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.runTotal,
			m.runDuration,
			m.runPolls,
			m.runThrottled,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(laneKind(lane)).Inc()
	m.queueSize.WithLabelValues(laneKind(lane)).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(laneKind(lane)).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := statusLabel(success)
	m.dequeueTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(laneKind(lane)).Set(float64(queueSize))
}

func RecordRetry(operation string) {
	getMetrics().retryAttemptsTotal.WithLabelValues(operation).Inc()
}

// RecordCacheLookup counts a transcript lookup; result is hit, miss or corrupt.
func RecordCacheLookup(result string) {
	getMetrics().cacheLookupsTotal.WithLabelValues(result).Inc()
}

func RecordCacheWrite(success bool) {
	getMetrics().cacheWritesTotal.WithLabelValues(statusLabel(success)).Inc()
}

func SetActiveConversations(count int) {
	getMetrics().activeConversations.Set(float64(count))
}

func RecordSessionResolve(path string, duration time.Duration) {
	m := getMetrics()
	m.sessionResolveTotal.WithLabelValues(path).Inc()
	m.sessionResolveLatency.Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordRun(status string, duration time.Duration, polls int) {
	m := getMetrics()
	m.runTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
	m.runPolls.Observe(float64(polls))
}

func RecordRunThrottled() {
	getMetrics().runThrottled.Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// laneKind keeps label cardinality bounded: per-user lanes collapse to "user".
func laneKind(lane string) string {
	for i := 0; i < len(lane); i++ {
		if lane[i] == ':' {
			return lane[:i]
		}
	}
	return lane
}
