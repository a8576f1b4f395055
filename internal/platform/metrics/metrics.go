// Package metrics holds the prometheus collectors for gate decisions,
// lifecycle transitions, calls and uploads.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "consent_gateway"

// Gate decision outcomes.
const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
	OutcomeOK      = "ok"
)

type Metrics struct {
	registry *prometheus.Registry

	GateDecisions   *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	Calls           *prometheus.CounterVec
	Uploads         *prometheus.CounterVec
	Sessions        prometheus.Gauge
	RequestDuration *prometheus.HistogramVec
}

// New builds a Metrics on its own registry, with Go runtime and process
// collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Access gate decisions by checkpoint and outcome.",
		}, []string{"checkpoint", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Test request transitions by target status and outcome.",
		}, []string{"status", "outcome"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_attempts_total",
			Help:      "Call attempts by terminal state.",
		}, []string{"state"}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_uploads_total",
			Help:      "Content-addressed uploads by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Sessions currently open.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.GateDecisions, m.Transitions, m.Calls, m.Uploads, m.Sessions, m.RequestDuration,
	)
	return m
}

// Gate records an access decision. A nil Metrics records nothing.
func (m *Metrics) Gate(checkpoint, outcome string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(checkpoint, outcome).Inc()
}

func (m *Metrics) Transition(status, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) Call(state string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(state).Inc()
}

func (m *Metrics) Upload(kind, outcome string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.Sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.Sessions.Dec()
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware observes request latency keyed by the matched route, not the
// raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.RequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
