// Package metrics provides the Prometheus collectors shared by the proxy and
// the voice relay. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector groups the application metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// CRM upstream
	crmRequestsTotal *prometheus.CounterVec

	// Relay client
	relayStateChanges *prometheus.CounterVec
	relayReconnects   prometheus.Counter
	relayMessages     *prometheus.CounterVec

	// Gateway
	gatewaySessions prometheus.Gauge
	gatewayFrames   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates and registers all collectors under namespace
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.crmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crm_requests_total",
			Help:      "Total number of requests forwarded to the CRM Web API",
		},
		[]string{"operation", "status"},
	)

	c.relayStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_state_changes_total",
			Help:      "Relay connection state transitions by target state",
		},
		[]string{"state"},
	)

	c.relayReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnect_attempts_total",
			Help:      "Automatic relay reconnect attempts",
		},
	)

	c.relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relay envelopes by direction and type",
		},
		[]string{"direction", "type"},
	)

	c.gatewaySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_sessions",
			Help:      "Voice gateway sessions currently open",
		},
	)

	c.gatewayFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_frames_total",
			Help:      "Frames relayed by the voice gateway",
		},
		[]string{"direction"},
	)

	c.registry.MustRegister(
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.crmRequestsTotal,
		c.relayStateChanges,
		c.relayReconnects,
		c.relayMessages,
		c.gatewaySessions,
		c.gatewayFrames,
	)

	return c
}

// Registry returns the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one served HTTP request
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCRMRequest records one upstream CRM call
func (c *Collector) RecordCRMRequest(operation string, status int) {
	if c == nil {
		return
	}
	c.crmRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

// RecordRelayState records a relay connection state transition
func (c *Collector) RecordRelayState(state string) {
	if c == nil {
		return
	}
	c.relayStateChanges.WithLabelValues(state).Inc()
}

// RecordRelayReconnect records an automatic reconnect attempt
func (c *Collector) RecordRelayReconnect() {
	if c == nil {
		return
	}
	c.relayReconnects.Inc()
}

// RecordRelayMessage records a relayed envelope
func (c *Collector) RecordRelayMessage(direction, messageType string) {
	if c == nil {
		return
	}
	c.relayMessages.WithLabelValues(direction, messageType).Inc()
}

// GatewaySessionOpened increments the open gateway session gauge
func (c *Collector) GatewaySessionOpened() {
	if c == nil {
		return
	}
	c.gatewaySessions.Inc()
}

// GatewaySessionClosed decrements the open gateway session gauge
func (c *Collector) GatewaySessionClosed() {
	if c == nil {
		return
	}
	c.gatewaySessions.Dec()
}

// RecordGatewayFrame records a frame relayed in the given direction
func (c *Collector) RecordGatewayFrame(direction string) {
	if c == nil {
		return
	}
	c.gatewayFrames.WithLabelValues(direction).Inc()
}
