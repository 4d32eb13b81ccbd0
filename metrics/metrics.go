// Package metrics provides Prometheus metrics for session and pipeline operations.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the SDK.
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency without nil checks at every call site.
type Metrics struct {
	enabled bool

	// Session lifecycle
	loginTotal         *prometheus.CounterVec
	refreshTotal       *prometheus.CounterVec
	forcedLogoutsTotal *prometheus.CounterVec
	authenticated      prometheus.Gauge

	// Request pipeline
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	retriesTotal    prometheus.Counter
}

// Option configures metrics construction.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers metrics against a custom registry instead of the
// default one. Tests use this to avoid duplicate-registration panics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool, opts ...Option) *Metrics {
	m := &Metrics{enabled: enabled}
	if !enabled {
		return m
	}

	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	factory := promauto.With(o.registerer)

	m.loginTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "lexcase_login_attempts_total",
		Help: "Login attempts by result",
	}, []string{"result"})

	m.refreshTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "lexcase_token_refreshes_total",
		Help: "Token refresh attempts by mode and result",
	}, []string{"mode", "result"})

	m.forcedLogoutsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "lexcase_logouts_total",
		Help: "Session terminations by reason",
	}, []string{"reason"})

	m.authenticated = factory.NewGauge(prometheus.GaugeOpts{
		Name: "lexcase_session_authenticated",
		Help: "Whether an authenticated session is currently held (0 or 1)",
	})

	m.requestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "lexcase_requests_total",
		Help: "Pipeline requests by method and status class",
	}, []string{"method", "status"})

	m.requestDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "lexcase_request_duration_seconds",
		Help:    "Pipeline request duration in seconds, including retries",
		Buckets: prometheus.DefBuckets,
	})

	m.retriesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexcase_request_retries_total",
		Help: "Transport retries issued by the pipeline",
	})

	return m
}

// ObserveLogin records a login attempt.
func (m *Metrics) ObserveLogin(success bool) {
	if m == nil || !m.enabled {
		return
	}
	m.loginTotal.WithLabelValues(result(success)).Inc()
}

// ObserveRefresh records a token refresh attempt. mode is "sync" or "async".
func (m *Metrics) ObserveRefresh(mode string, success bool) {
	if m == nil || !m.enabled {
		return
	}
	m.refreshTotal.WithLabelValues(mode, result(success)).Inc()
}

// ObserveLogout records a session termination by reason.
func (m *Metrics) ObserveLogout(reason string) {
	if m == nil || !m.enabled {
		return
	}
	m.forcedLogoutsTotal.WithLabelValues(reason).Inc()
}

// SetAuthenticated tracks whether a session is currently held.
func (m *Metrics) SetAuthenticated(v bool) {
	if m == nil || !m.enabled {
		return
	}
	if v {
		m.authenticated.Set(1)
	} else {
		m.authenticated.Set(0)
	}
}

// ObserveRequest records a completed pipeline call.
func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.requestsTotal.WithLabelValues(method, statusClass(status)).Inc()
	m.requestDuration.Observe(d.Seconds())
}

// ObserveRetry records a transport retry.
func (m *Metrics) ObserveRetry() {
	if m == nil || !m.enabled {
		return
	}
	m.retriesTotal.Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func statusClass(status int) string {
	if status == 0 {
		return "transport_error"
	}
	return fmt.Sprintf("%dxx", status/100)
}
