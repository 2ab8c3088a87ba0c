package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "order_orchestrator"

type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	gatewayCalls   *prometheus.CounterVec
	gatewayRetries *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	outboxEvents   *prometheus.CounterVec
}

func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "remote_calls_total",
			Help: "Remote calls through the resilience gateway by outcome.",
		}, []string{"operation", "outcome"}),
		gatewayRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "remote_call_retries_total",
			Help: "Retried remote call attempts.",
		}, []string{"operation"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Breaker state per operation: 0 closed, 1 half-open, 2 open.",
		}, []string{"operation"}),
		outboxEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_dispatched_total",
			Help: "Outbox events handed to the log by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records requests under their chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) CallFinished(operation, outcome string) {
	m.gatewayCalls.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Retried(operation string) {
	m.gatewayRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) StateChanged(operation, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(operation).Set(v)
}

func (m *Metrics) Dispatched(ok bool) {
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.outboxEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) Abandoned() {
	m.outboxEvents.WithLabelValues("dead").Inc()
}
