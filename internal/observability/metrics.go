package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for docket.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowActivationsTotal *prometheus.CounterVec
	StageTransitionsTotal    *prometheus.CounterVec
	GateChecksTotal          *prometheus.CounterVec
	GateOverridesTotal       *prometheus.CounterVec
	TaskStatusChangesTotal   *prometheus.CounterVec

	// Idempotency metrics
	IdempotencyReplaysTotal prometheus.Counter

	// Template metrics
	TemplatePublishTotal *prometheus.CounterVec
	TemplatesLoaded      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docket_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docket_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docket_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_workflow_activations_total",
			Help: "Total number of workflow activations by outcome.",
		}, []string{"template_key", "outcome"}),
		StageTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_stage_transitions_total",
			Help: "Total number of stage status transitions by target status.",
		}, []string{"status"}),
		GateChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_gate_checks_total",
			Help: "Total number of gate checks by result.",
		}, []string{"result"}),
		GateOverridesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_gate_overrides_total",
			Help: "Total number of gate overrides by gate type.",
		}, []string{"gate_type"}),
		TaskStatusChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_task_status_changes_total",
			Help: "Total number of task status changes handled by the engine.",
		}, []string{"status"}),

		// Idempotency
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docket_idempotency_replays_total",
			Help: "Total requests answered from the idempotency store.",
		}),

		// Templates
		TemplatePublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_template_publish_total",
			Help: "Total template publish attempts by status.",
		}, []string{"status"}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docket_templates_loaded",
			Help: "Number of workflow templates loaded from disk.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowActivationsTotal,
		m.StageTransitionsTotal,
		m.GateChecksTotal,
		m.GateOverridesTotal,
		m.TaskStatusChangesTotal,
		// Idempotency
		m.IdempotencyReplaysTotal,
		// Templates
		m.TemplatePublishTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordActivation records a workflow activation. Outcome is one of
// created, existing or rejected.
func (m *Metrics) RecordActivation(templateKey, outcome string) {
	m.WorkflowActivationsTotal.WithLabelValues(templateKey, outcome).Inc()
}

// RecordStageTransition records n stages entering status.
func (m *Metrics) RecordStageTransition(status string, n int) {
	m.StageTransitionsTotal.WithLabelValues(status).Add(float64(n))
}

// RecordGateCheck records a gate check result: open, warned or blocked.
func (m *Metrics) RecordGateCheck(result string) {
	m.GateChecksTotal.WithLabelValues(result).Inc()
}

// RecordGateOverride records a gate override.
func (m *Metrics) RecordGateOverride(gateType string) {
	m.GateOverridesTotal.WithLabelValues(gateType).Inc()
}

// RecordTaskStatusChange records a task status change.
func (m *Metrics) RecordTaskStatusChange(status string) {
	m.TaskStatusChangesTotal.WithLabelValues(status).Inc()
}

// RecordIdempotencyReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotencyReplay() {
	m.IdempotencyReplaysTotal.Inc()
}

// RecordTemplatePublish records a template publish attempt.
func (m *Metrics) RecordTemplatePublish(status string) {
	m.TemplatePublishTotal.WithLabelValues(status).Inc()
}

// SetTemplatesLoaded sets the number of loaded templates.
func (m *Metrics) SetTemplatesLoaded(count float64) {
	m.TemplatesLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
