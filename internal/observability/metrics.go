package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "personakit"

type moduleMetrics struct {
	activeSessions  *prometheus.GaugeVec
	sessionTotal    *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	turnsTotal      *prometheus.CounterVec

	providerCallTotal    *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	tokensTotal          *prometheus.CounterVec
	costTotal            *prometheus.CounterVec
	costWarningsTotal    *prometheus.CounterVec
	costLimitTotal       prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	storageDuration    *prometheus.HistogramVec
	storageErrorsTotal *prometheus.CounterVec
	prunedTotal        prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	streamClients       prometheus.Gauge

	queueDepth        *prometheus.GaugeVec
	queueTasksTotal   *prometheus.CounterVec
	queueTaskDuration *prometheus.HistogramVec
	hookRunsTotal     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Sessions and conversations currently held by the engine.",
				},
				[]string{"kind"},
			),
			sessionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_total",
					Help:      "Sessions reaching a terminal state by kind and status.",
				},
				[]string{"kind", "status"},
			),
			sessionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_duration_seconds",
					Help:      "Wall time from start to terminal state.",
					Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
				},
				[]string{"kind"},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "conversation_turns_total",
					Help:      "Conversation turns by outcome.",
				},
				[]string{"status"},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_call_total",
					Help:      "Model provider calls by model and status.",
				},
				[]string{"model", "status"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "provider_call_duration_seconds",
					Help:      "Model provider call duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"model"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tokens_total",
					Help:      "Tokens consumed by model and direction.",
				},
				[]string{"model", "direction"},
			),
			costTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cost_total",
					Help:      "Money spent by model and currency.",
				},
				[]string{"model", "currency"},
			),
			costWarningsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cost_warnings_total",
					Help:      "Cost warning thresholds crossed.",
				},
				[]string{"threshold"},
			),
			costLimitTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cost_limit_exceeded_total",
					Help:      "Sessions failed by the cost limit.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_errors_total",
					Help:      "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			storageDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "storage_operation_duration_seconds",
					Help:      "Storage adapter operation duration by backend and operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend", "operation"},
			),
			storageErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "storage_errors_total",
					Help:      "Storage adapter errors by backend and operation.",
				},
				[]string{"backend", "operation"},
			),
			prunedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "pruned_sessions_total",
					Help:      "Session records removed by retention.",
				},
			),
			httpRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_requests_total",
					Help:      "Gateway HTTP requests by route and status code.",
				},
				[]string{"route", "code"},
			),
			httpRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "gateway_request_duration_seconds",
					Help:      "Gateway HTTP request duration by route.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"route"},
			),
			streamClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "gateway_stream_clients",
					Help:      "WebSocket clients streaming session events.",
				},
			),
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_depth",
					Help:      "Tasks waiting in each command queue lane.",
				},
				[]string{"lane"},
			),
			queueTasksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_tasks_total",
					Help:      "Command queue tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			queueTaskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_task_duration_seconds",
					Help:      "Command queue task run time by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			hookRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "hook_runs_total",
					Help:      "Lifecycle hook executions by event and status.",
				},
				[]string{"event", "status"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionTotal,
			m.sessionDuration,
			m.turnsTotal,
			m.providerCallTotal,
			m.providerCallDuration,
			m.tokensTotal,
			m.costTotal,
			m.costWarningsTotal,
			m.costLimitTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.storageDuration,
			m.storageErrorsTotal,
			m.prunedTotal,
			m.httpRequestsTotal,
			m.httpRequestDuration,
			m.streamClients,
			m.queueDepth,
			m.queueTasksTotal,
			m.queueTaskDuration,
			m.hookRunsTotal,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetActiveSessions(kind string, count int) {
	getMetrics().activeSessions.WithLabelValues(kind).Set(float64(count))
}

func RecordSessionFinished(kind, status string, duration time.Duration) {
	m := getMetrics()
	m.sessionTotal.WithLabelValues(kind, status).Inc()
	m.sessionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordTurn(success bool) {
	getMetrics().turnsTotal.WithLabelValues(statusLabel(success)).Inc()
}

func RecordProviderCall(model string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerCallTotal.WithLabelValues(model, statusLabel(success)).Inc()
	m.providerCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func RecordUsage(model string, inputTokens, outputTokens int, cost float64, currency string) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	if cost > 0 {
		m.costTotal.WithLabelValues(model, currency).Add(cost)
	}
}

func RecordCostWarning(threshold string) {
	getMetrics().costWarningsTotal.WithLabelValues(threshold).Inc()
}

func RecordCostLimitExceeded() {
	getMetrics().costLimitTotal.Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordStorageOperation(backend, operation string, duration time.Duration, err error) {
	m := getMetrics()
	m.storageDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		m.storageErrorsTotal.WithLabelValues(backend, operation).Inc()
	}
}

func RecordPruned(count int) {
	getMetrics().prunedTotal.Add(float64(count))
}

func RecordHTTPRequest(route string, code int, duration time.Duration) {
	m := getMetrics()
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func SetStreamClients(count int) {
	getMetrics().streamClients.Set(float64(count))
}

func SetQueueDepth(lane string, depth int) {
	getMetrics().queueDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordQueueTask(lane string, duration time.Duration, success bool, depth int) {
	m := getMetrics()
	m.queueTasksTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.queueTaskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordHookRun(event string, success bool) {
	getMetrics().hookRunsTotal.WithLabelValues(event, statusLabel(success)).Inc()
}
