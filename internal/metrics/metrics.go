// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns every collector for the pipeline: run lifecycle, stage
// attempts, retries, queue depth, and HTTP server instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	stageAttempts *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec
	degraded      prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers all collectors against a fresh registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_runs_started_total",
			Help: "Total pipeline runs submitted.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_completed_total",
			Help: "Total pipeline runs completed partitioned by result.",
		}, []string{"result"}),
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_attempts_total",
			Help: "Stage attempts partitioned by stage and result.",
		}, []string{"stage", "result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage execution latency partitioned by stage.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_retries_total",
			Help: "Retries scheduled per stage.",
		}, []string{"stage"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_degraded_annotations_total",
			Help: "Degraded-service warnings attached to runs.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency, labeled by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	collectors := []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.stageAttempts, m.stageDuration,
		m.stageRetries, m.degraded, m.httpRequests, m.httpDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RunStarted counts a submitted run.
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
}

// RunCompleted counts a terminal run by result ("succeeded"/"failed").
func (m *Metrics) RunCompleted(result string) {
	m.runsCompleted.WithLabelValues(result).Inc()
}

// StageAttempt records one attempt outcome for a stage.
func (m *Metrics) StageAttempt(stage, result string, dur time.Duration) {
	m.stageAttempts.WithLabelValues(stage, result).Inc()
	if dur > 0 {
		m.stageDuration.WithLabelValues(stage).Observe(dur.Seconds())
	}
}

// RetryScheduled counts a scheduled stage retry.
func (m *Metrics) RetryScheduled(stage string) {
	m.stageRetries.WithLabelValues(stage).Inc()
}

// DegradedAnnotation counts one degraded-service warning.
func (m *Metrics) DegradedAnnotation() {
	m.degraded.Inc()
}

// RegisterLaneDepth exposes a lane's queue depth as a gauge.
func (m *Metrics) RegisterLaneDepth(lane string, depth func() int) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "pipeline_queue_depth",
		Help:        "Buffered tasks per lane.",
		ConstLabels: prometheus.Labels{"lane": lane},
	}, func() float64 {
		return float64(depth())
	})
	return m.registry.Register(gauge)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware instruments HTTP handlers with request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
