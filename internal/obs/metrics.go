// Package obs holds plangov's Prometheus metrics and the HTTP
// instrumentation middleware.
package obs

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names.
const (
	MetricDecisionsTotal      = "plangov_decisions_total"
	MetricDecisionWarnings    = "plangov_decision_warnings_total"
	MetricSubmissionsTotal    = "plangov_submissions_total"
	MetricAuditAppendsTotal   = "plangov_audit_appends_total"
	MetricHTTPInFlight        = "plangov_http_in_flight_requests"
	MetricHTTPRequestsTotal   = "plangov_http_requests_total"
	MetricHTTPRequestDuration = "plangov_http_request_duration_seconds"
)

// Metrics contains the collectors. All methods are safe for concurrent use
// and safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	decisions   *prometheus.CounterVec
	warnings    *prometheus.CounterVec
	submissions *prometheus.CounterVec
	appends     *prometheus.CounterVec

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors. They are not registered; call Register.
func NewMetrics() *Metrics {
	return &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDecisionsTotal,
			Help: "Review decisions by requested decision and result code",
		}, []string{"decision", "code"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDecisionWarnings,
			Help: "Post-commit steps that failed after a decision was recorded",
		}, []string{"step"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSubmissionsTotal,
			Help: "Campaign submissions by result code",
		}, []string{"code"}),
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAuditAppendsTotal,
			Help: "Audit entries appended by action",
		}, []string{"action"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricHTTPInFlight,
			Help: "In-flight HTTP requests",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.decisions, m.warnings, m.submissions, m.appends,
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveDecision counts one Decide call.
func (m *Metrics) ObserveDecision(decision, code string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, code).Inc()
}

// ObserveWarning counts one failed post-commit step.
func (m *Metrics) ObserveWarning(step string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(step).Inc()
}

// ObserveSubmission counts one Submit call.
func (m *Metrics) ObserveSubmission(code string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(code).Inc()
}

// ObserveAppend counts one audit append.
func (m *Metrics) ObserveAppend(action string) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(action).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Instrument wraps next with request count, latency, and in-flight metrics.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so websocket upgrades work
// behind Instrument.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
