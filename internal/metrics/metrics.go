// Package metrics owns the Prometheus collectors exported by the edge proxy.
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgeproxy"

type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  prometheus.Counter
	blocked         prometheus.Counter

	routeTableSize prometheus.Gauge
	routeReloads   *prometheus.CounterVec
	routeRefreshes *prometheus.CounterVec
	feedErrors     prometheus.Counter

	certLookups *prometheus.CounterVec

	identityMinted  *prometheus.CounterVec
	identityDropped prometheus.Counter

	proxyLogWritten prometheus.Counter
	proxyLogDropped prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the proxy, by routing status and status code.",
		}, []string{"routing_status", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration including streaming.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"routing_status"}),
		upstreamErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Requests that failed while contacting an upstream.",
		}),
		blocked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_requests_total",
			Help:      "Requests rejected by IP access control.",
		}),
		routeTableSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_table_entries",
			Help:      "Exact and wildcard entries currently in the route table.",
		}),
		routeReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_reloads_total",
			Help:      "Full route table reloads, by result.",
		}, []string{"result"}),
		routeRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_refreshes_total",
			Help:      "Targeted single-host refreshes, by result.",
		}, []string{"result"}),
		feedErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_feed_errors_total",
			Help:      "Failed polls of the route change feed.",
		}),
		certLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_certificate_lookups_total",
			Help:      "Handshake-time certificate lookups, by result.",
		}, []string{"result"}),
		identityMinted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_minted_total",
			Help:      "Newly issued visitor and session identifiers.",
		}, []string{"kind"}),
		identityDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_persist_dropped_total",
			Help:      "Identity writes dropped because the queue was full.",
		}),
		proxyLogWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_log_entries_written_total",
			Help:      "Proxy log entries persisted.",
		}),
		proxyLogDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_log_entries_dropped_total",
			Help:      "Proxy log entries dropped because the queue was full or the write failed.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(routingStatus string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(routingStatus, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(routingStatus).Observe(elapsed.Seconds())
}

func (m *Metrics) UpstreamError() {
	if m != nil {
		m.upstreamErrors.Inc()
	}
}

func (m *Metrics) Blocked() {
	if m != nil {
		m.blocked.Inc()
	}
}

func (m *Metrics) SetRouteTableSize(n int) {
	if m != nil {
		m.routeTableSize.Set(float64(n))
	}
}

func (m *Metrics) RouteReload(ok bool) {
	if m != nil {
		m.routeReloads.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) RouteRefresh(ok bool) {
	if m != nil {
		m.routeRefreshes.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) FeedError() {
	if m != nil {
		m.feedErrors.Inc()
	}
}

// CertLookup records a handshake outcome: "hit", "wildcard", "fallback",
// "miss" or "error".
func (m *Metrics) CertLookup(outcome string) {
	if m != nil {
		m.certLookups.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IdentityMinted(kind string) {
	if m != nil {
		m.identityMinted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IdentityDropped() {
	if m != nil {
		m.identityDropped.Inc()
	}
}

func (m *Metrics) ProxyLogWritten(n int) {
	if m != nil {
		m.proxyLogWritten.Add(float64(n))
	}
}

func (m *Metrics) ProxyLogDropped(n int) {
	if m != nil {
		m.proxyLogDropped.Add(float64(n))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
