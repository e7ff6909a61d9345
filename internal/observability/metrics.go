package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scoop"

type moduleMetrics struct {
	admissionWaiting  *prometheus.GaugeVec
	admissionWait     prometheus.Histogram
	admissionTimeouts prometheus.Counter
	activeRuns        prometheus.Gauge

	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	roundTrips  *prometheus.CounterVec
	extractions prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	hookFailures *prometheus.CounterVec

	speechChunks   *prometheus.CounterVec
	speechDuration prometheus.Histogram

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	sessionsSwept       prometheus.Counter

	providerCooldown *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			admissionWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "admission_waiting",
				Help: "Runs waiting for admission by session.",
			}, []string{"session"}),
			admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "admission_wait_seconds",
				Help:    "Time spent waiting for the session to become idle.",
				Buckets: prometheus.DefBuckets,
			}),
			admissionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "admission_timeouts_total",
				Help: "Admission waits that exceeded their timeout.",
			}),
			activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "active_runs",
				Help: "Runs currently admitted.",
			}),
			runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "run_total",
				Help: "Completed runs by agent and status.",
			}, []string{"agent", "status"}),
			runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "run_duration_seconds",
				Help:    "Run duration by agent.",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"agent"}),
			roundTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "round_trips_total",
				Help: "Model invocations by provider.",
			}, []string{"provider"}),
			extractions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "input_extractions_total",
				Help: "Structured extraction sub-calls issued for missing inputs.",
			}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "tool_execution_total",
				Help: "Tool executions by tool, kind and status.",
			}, []string{"tool", "kind", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "tool_execution_duration_seconds",
				Help:    "Tool execution duration by tool.",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
			hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "hook_failures_total",
				Help: "Listener failures swallowed by the event hub.",
			}, []string{"event"}),
			speechChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "speech_chunks_total",
				Help: "Synthesized speech chunks by status.",
			}, []string{"status"}),
			speechDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "speech_synthesis_seconds",
				Help:    "Per-chunk synthesis latency.",
				Buckets: prometheus.DefBuckets,
			}),
			sessionLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "session_load_duration_seconds",
				Help:    "Session store read latency.",
				Buckets: prometheus.DefBuckets,
			}),
			sessionSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "session_save_duration_seconds",
				Help:    "Session store write latency.",
				Buckets: prometheus.DefBuckets,
			}),
			sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "sessions_swept_total",
				Help: "Idle sessions removed by the cleanup sweeper.",
			}),
			providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "provider_cooldown",
				Help: "1 while a model auth profile is cooling down.",
			}, []string{"profile"}),
		}

		prometheus.MustRegister(
			m.admissionWaiting, m.admissionWait, m.admissionTimeouts, m.activeRuns,
			m.runTotal, m.runDuration, m.roundTrips, m.extractions,
			m.toolExecutionTotal, m.toolExecutionDuration,
			m.hookFailures,
			m.speechChunks, m.speechDuration,
			m.sessionLoadDuration, m.sessionSaveDuration, m.sessionsSwept,
			m.providerCooldown,
		)
		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered registers the collectors the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func SetAdmissionWaiting(session string, n int) {
	m := getMetrics()
	if n == 0 {
		m.admissionWaiting.DeleteLabelValues(session)
		return
	}
	m.admissionWaiting.WithLabelValues(session).Set(float64(n))
}

func RecordAdmission(wait time.Duration, timedOut bool) {
	m := getMetrics()
	m.admissionWait.Observe(wait.Seconds())
	if timedOut {
		m.admissionTimeouts.Inc()
	}
}

func IncActiveRuns() { getMetrics().activeRuns.Inc() }
func DecActiveRuns() { getMetrics().activeRuns.Dec() }

func RecordRun(agent string, d time.Duration, ok bool) {
	m := getMetrics()
	m.runTotal.WithLabelValues(agent, status(ok)).Inc()
	m.runDuration.WithLabelValues(agent).Observe(d.Seconds())
}

func RecordRoundTrip(provider string) {
	getMetrics().roundTrips.WithLabelValues(provider).Inc()
}

func RecordExtraction() {
	getMetrics().extractions.Inc()
}

func RecordToolExecution(tool, kind string, d time.Duration, ok bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, kind, status(ok)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func RecordHookFailure(event string) {
	getMetrics().hookFailures.WithLabelValues(event).Inc()
}

func RecordSpeechChunk(d time.Duration, ok bool) {
	m := getMetrics()
	m.speechChunks.WithLabelValues(status(ok)).Inc()
	if ok {
		m.speechDuration.Observe(d.Seconds())
	}
}

func RecordSessionLoad(d time.Duration) {
	getMetrics().sessionLoadDuration.Observe(d.Seconds())
}

func RecordSessionSave(d time.Duration) {
	getMetrics().sessionSaveDuration.Observe(d.Seconds())
}

func RecordSessionsSwept(n int) {
	getMetrics().sessionsSwept.Add(float64(n))
}

func SetProviderCooldown(profile string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	getMetrics().providerCooldown.WithLabelValues(profile).Set(v)
}
