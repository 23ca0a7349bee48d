package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector handles metrics collection for the gateway. Paths are never used
// as labels since every path is forwarded. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Gateway metrics
	resolutionsTotal    *prometheus.CounterVec
	unresolvedTotal     prometheus.Counter
	upstreamErrorsTotal prometheus.Counter
	websocketsActive    prometheus.Gauge
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	collector := &Collector{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_target_resolutions_total",
				Help: "Resolved upstream targets by the source that produced them",
			},
			[]string{"source"},
		),
		unresolvedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_target_unresolved_total",
				Help: "Requests for which no upstream target could be resolved",
			},
		),
		upstreamErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_upstream_errors_total",
				Help: "Upstream transport failures",
			},
		),
		websocketsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_websocket_relays_active",
				Help: "Current number of relayed WebSocket connections",
			},
		),
	}

	// Register metrics
	registry.MustRegister(
		collector.httpRequestsTotal,
		collector.httpRequestDuration,
		collector.httpRequestsInFlight,
		collector.resolutionsTotal,
		collector.unresolvedTotal,
		collector.upstreamErrorsTotal,
		collector.websocketsActive,
	)

	return collector
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ServeHTTP implements http.Handler for metrics endpoint
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c == nil {
		http.NotFound(w, r)
		return
	}
	promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// RecordRequest records an HTTP request
func (c *Collector) RecordRequest(method string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// TrackRequestInFlight tracks a request in flight
func (c *Collector) TrackRequestInFlight(inFlight bool) {
	if c == nil {
		return
	}
	if inFlight {
		c.httpRequestsInFlight.Inc()
	} else {
		c.httpRequestsInFlight.Dec()
	}
}

func (c *Collector) RecordResolution(source string) {
	if c == nil {
		return
	}
	c.resolutionsTotal.WithLabelValues(source).Inc()
}

func (c *Collector) RecordUnresolved() {
	if c == nil {
		return
	}
	c.unresolvedTotal.Inc()
}

func (c *Collector) RecordUpstreamError() {
	if c == nil {
		return
	}
	c.upstreamErrorsTotal.Inc()
}

// TrackWebSocket adjusts the number of active relays by delta.
func (c *Collector) TrackWebSocket(delta int) {
	if c == nil {
		return
	}
	c.websocketsActive.Add(float64(delta))
}
