// Package metrics exposes relay, firewall and announcement counters to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	// Relay metrics, labeled by public port
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive *prometheus.GaugeVec
	ConnectErrors     *prometheus.CounterVec
	BytesRelayed      *prometheus.CounterVec

	// Worker lifecycle
	WorkerStarts *prometheus.CounterVec

	// Firewall operations by backend, op (allow/revoke) and result
	FirewallOps *prometheus.CounterVec

	// Announcements
	WebhookAttempts    *prometheus.CounterVec
	ResolveFailures    prometheus.Counter
	LastAnnounceResult prometheus.Gauge
	LastAnnounceTime   prometheus.Gauge

	// API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the process-wide registry on the default Prometheus registerer.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return registry
}

// NewRegistry registers a fresh metric set on reg. Tests pass
// prometheus.NewRegistry() for both arguments.
func NewRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	f := promauto.With(reg)
	r := &Registry{registerer: reg, gatherer: gatherer}

	r.ConnectionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "v6tunnel_connections_total",
		Help: "Inbound connections accepted per public port",
	}, []string{"port"})

	r.ConnectionsActive = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "v6tunnel_connections_active",
		Help: "Relays currently in progress per public port",
	}, []string{"port"})

	r.ConnectErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "v6tunnel_connect_errors_total",
		Help: "Failed dials to the local backend per public port",
	}, []string{"port"})

	r.BytesRelayed = f.NewCounterVec(prometheus.CounterOpts{
		Name: "v6tunnel_bytes_relayed_total",
		Help: "Bytes copied by relays (in = client to backend, out = backend to client)",
	}, []string{"port", "direction"})

	r.WorkerStarts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "v6tunnel_worker_starts_total",
		Help: "Worker start attempts by result",
	}, []string{"result"})

	r.FirewallOps = f.NewCounterVec(prometheus.CounterOpts{
		Name: "v6tunnel_firewall_operations_total",
		Help: "Firewall allow/revoke operations",
	}, []string{"backend", "op", "result"})

	r.WebhookAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "v6tunnel_webhook_attempts_total",
		Help: "Webhook delivery attempts by result",
	}, []string{"result"})

	r.ResolveFailures = f.NewCounter(prometheus.CounterOpts{
		Name: "v6tunnel_address_resolve_failures_total",
		Help: "Announcement attempts that found no global IPv6 address",
	})

	r.LastAnnounceResult = f.NewGauge(prometheus.GaugeOpts{
		Name: "v6tunnel_last_announce_success",
		Help: "1 if the most recent webhook attempt succeeded",
	})

	r.LastAnnounceTime = f.NewGauge(prometheus.GaugeOpts{
		Name: "v6tunnel_last_announce_timestamp_seconds",
		Help: "Unix time of the most recent webhook attempt",
	})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "v6tunnel_api_requests_total",
		Help: "Management API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "v6tunnel_api_request_duration_seconds",
		Help:    "Management API latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

// NewIsolated returns a registry backed by its own prometheus.Registry,
// for tests and for running with metrics disabled.
func NewIsolated() *Registry {
	reg := prometheus.NewRegistry()
	return NewRegistry(reg, reg)
}

// Handler serves the registry's gatherer in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Register adds an extra collector, such as a StatusCollector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.registerer.Register(c)
}

// Port formats a port label.
func Port(p int) string {
	return strconv.Itoa(p)
}

// RecordWebhook records the outcome of one delivery attempt.
func (r *Registry) RecordWebhook(ok bool, unix float64) {
	result := "failure"
	gauge := 0.0
	if ok {
		result = "success"
		gauge = 1
	}
	r.WebhookAttempts.WithLabelValues(result).Inc()
	r.LastAnnounceResult.Set(gauge)
	r.LastAnnounceTime.Set(unix)
}

// RecordFirewall records a firewall operation.
func (r *Registry) RecordFirewall(backend, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.FirewallOps.WithLabelValues(backend, op, result).Inc()
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, seconds float64) {
	r.APIRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(seconds)
}
