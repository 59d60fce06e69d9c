package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the gateway collectors on a private prometheus registry,
// so tests and reloads never collide with the global one.
type Registry struct {
	reg *prometheus.Registry

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	attempts    *prometheus.CounterVec
	failovers   *prometheus.CounterVec
	endpointUp  *prometheus.GaugeVec
	activeConns *prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of client requests by service, route, method and final status.",
			},
			[]string{"service", "route", "method", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Client request duration in seconds, including retries and internal redirects.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "route"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Upstream attempts by endpoint, role and outcome.",
			},
			[]string{"service", "endpoint", "role", "outcome"},
		),
		failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failovers_total",
				Help: "Requests retried on another endpoint, by the reason of the failed attempt.",
			},
			[]string{"service", "reason"},
		),
		endpointUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_endpoint_up",
				Help: "1 if the endpoint is eligible for new requests, 0 while it is skipped after failures.",
			},
			[]string{"service", "endpoint", "role"},
		),
		activeConns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_active_connections",
				Help: "Open client connections per listener.",
			},
			[]string{"listener"},
		),
	}

	r.reg.MustRegister(
		r.requests,
		r.latency,
		r.attempts,
		r.failovers,
		r.endpointUp,
		r.activeConns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) IncRequest(service, route, method, status string) {
	r.requests.WithLabelValues(service, route, method, status).Inc()
}

func (r *Registry) ObserveLatency(service, route string, d time.Duration) {
	r.latency.WithLabelValues(service, route).Observe(d.Seconds())
}

// IncAttempt counts one upstream attempt. outcome is "ok" or a failover reason name.
func (r *Registry) IncAttempt(service, endpoint, role, outcome string) {
	r.attempts.WithLabelValues(service, endpoint, role, outcome).Inc()
}

func (r *Registry) IncFailover(service, reason string) {
	r.failovers.WithLabelValues(service, reason).Inc()
}

func (r *Registry) SetEndpointUp(service, endpoint, role string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	r.endpointUp.WithLabelValues(service, endpoint, role).Set(v)
}

// ResetEndpoints drops every endpoint health series; reload repopulates them.
func (r *Registry) ResetEndpoints() {
	r.endpointUp.Reset()
}

func (r *Registry) IncActiveConns(listener string) {
	r.activeConns.WithLabelValues(listener).Inc()
}

func (r *Registry) DecActiveConns(listener string) {
	r.activeConns.WithLabelValues(listener).Dec()
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
