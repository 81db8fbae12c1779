package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	laneQueueDepth   *prometheus.GaugeVec
	laneEnqueueTotal *prometheus.CounterVec
	laneDequeueTotal *prometheus.CounterVec
	laneRejectTotal  *prometheus.CounterVec
	activeLanes      prometheus.Gauge

	runDuration   *prometheus.HistogramVec
	runTotal      *prometheus.CounterVec
	runIterations prometheus.Histogram

	modelCooldown  *prometheus.GaugeVec
	modelFailTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	sandboxExecTotal    *prometheus.CounterVec
	sandboxExecDuration *prometheus.HistogramVec
	sandboxFallback     prometheus.Counter

	janitorSweepTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneQueueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lane_queue_depth",
					Help: "Current pending queue depth by lane.",
				},
				[]string{"lane"},
			),
			laneEnqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			laneDequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_dequeue_total",
					Help: "Total run completions by lane and terminal status.",
				},
				[]string{"lane", "status"},
			),
			laneRejectTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_reject_total",
					Help: "Total submissions rejected with queue_full by lane.",
				},
				[]string{"lane"},
			),
			activeLanes: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_lanes",
					Help: "Current lane count (running or queued).",
				},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "run_duration_seconds",
					Help:    "Run execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by model and terminal status.",
				},
				[]string{"model", "status"},
			),
			runIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "run_iterations",
					Help:    "Model/tool loop iterations per run.",
					Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 30},
				},
			),
			modelCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "model_cooldown_active",
					Help: "Model cooldown active state (1 active, 0 inactive).",
				},
				[]string{"model"},
			),
			modelFailTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_failures_total",
					Help: "Total failed model calls by model.",
				},
				[]string{"model"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			sandboxExecTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandbox_execution_total",
					Help: "Total sandbox executions by backend and status.",
				},
				[]string{"backend", "status"},
			),
			sandboxExecDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sandbox_execution_duration_seconds",
					Help:    "Sandbox execution duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sandboxFallback: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sandbox_fallback_total",
					Help: "Total executions that fell back to the direct backend.",
				},
			),
			janitorSweepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "janitor_sweep_total",
					Help: "Total janitor sweeps by task.",
				},
				[]string{"task"},
			),
		}

		prometheus.MustRegister(
			m.laneQueueDepth,
			m.laneEnqueueTotal,
			m.laneDequeueTotal,
			m.laneRejectTotal,
			m.activeLanes,
			m.runDuration,
			m.runTotal,
			m.runIterations,
			m.modelCooldown,
			m.modelFailTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.sandboxExecTotal,
			m.sandboxExecDuration,
			m.sandboxFallback,
			m.janitorSweepTotal,
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

func RecordLaneEnqueue(lane string, queueDepth int) {
	m := getMetrics()
	m.laneEnqueueTotal.WithLabelValues(lane).Inc()
	m.laneQueueDepth.WithLabelValues(lane).Set(float64(queueDepth))
}

func RecordLaneReject(lane string) {
	m := getMetrics()
	m.laneRejectTotal.WithLabelValues(lane).Inc()
}

func SetLaneQueueDepth(lane string, queueDepth int) {
	m := getMetrics()
	m.laneQueueDepth.WithLabelValues(lane).Set(float64(queueDepth))
}

func RecordLaneCompletion(lane, status string, duration time.Duration, queueDepth int) {
	m := getMetrics()
	m.laneDequeueTotal.WithLabelValues(lane, status).Inc()
	m.runDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneQueueDepth.WithLabelValues(lane).Set(float64(queueDepth))
}

func SetActiveLanes(count int) {
	m := getMetrics()
	m.activeLanes.Set(float64(count))
}

func RecordRun(model, status string, iterations int) {
	m := getMetrics()
	m.runTotal.WithLabelValues(model, status).Inc()
	m.runIterations.Observe(float64(iterations))
}

func RecordModelFailure(model string) {
	m := getMetrics()
	m.modelFailTotal.WithLabelValues(model).Inc()
}

func SetModelCooldown(model string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.modelCooldown.WithLabelValues(model).Set(value)
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordSandboxExecution(backend string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.sandboxExecTotal.WithLabelValues(backend, status).Inc()
	m.sandboxExecDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordSandboxFallback() {
	m := getMetrics()
	m.sandboxFallback.Inc()
}

func RecordJanitorSweep(task string) {
	m := getMetrics()
	m.janitorSweepTotal.WithLabelValues(task).Inc()
}
