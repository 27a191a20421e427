// Package metrics wires the Prometheus collectors named throughout spec §4.5
// and §4.6, and hosts the Recent-State Ring (spec §4.7).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used across the Execution Engine,
// Supervisor, and Streaming Session Manager.
type Registry struct {
	RequestsStarted *prometheus.CounterVec
	RequestsSuccess *prometheus.CounterVec
	RequestsError   *prometheus.CounterVec
	RequestsTimeout *prometheus.CounterVec
	PayloadBytes    *prometheus.HistogramVec
	DurationMS      *prometheus.HistogramVec

	Backpressure        *prometheus.CounterVec
	StreamingSessions   prometheus.Gauge
	StreamingUpdates    *prometheus.CounterVec
	ChannelWarnings     *prometheus.CounterVec
	TransportReconnects *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec

	WebSocketConnections prometheus.Gauge
}

// NewRegistry constructs and registers every collector.
func NewRegistry() *Registry {
	labels := []string{"request_type", "user", "channel"}
	return &Registry{
		RequestsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_requests_started_total",
			Help: "Total number of requests admitted by the Execution Engine",
		}, labels),
		RequestsSuccess: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_requests_success_total",
			Help: "Total number of requests completed with SUCCESS",
		}, labels),
		RequestsError: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_requests_error_total",
			Help: "Total number of requests completed with ERROR",
		}, labels),
		RequestsTimeout: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_requests_timeout_total",
			Help: "Total number of requests that TIMED_OUT",
		}, labels),
		PayloadBytes: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dgfacade_payload_bytes",
			Help:    "Size in bytes of request payloads admitted",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"request_type"}),
		DurationMS: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dgfacade_duration_ms",
			Help:    "Handler invocation duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}, labels),
		Backpressure: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_backpressure_total",
			Help: "Total number of admissions refused due to backpressure",
		}, []string{"source"}),
		StreamingSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dgfacade_streaming_sessions_active",
			Help: "Number of active streaming sessions",
		}),
		StreamingUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_streaming_updates_total",
			Help: "Total number of streaming updates published",
		}, []string{"channel"}),
		ChannelWarnings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_channel_warnings_total",
			Help: "Total number of egress channels removed from a session after persistent failure",
		}, []string{"channel"}),
		TransportReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_transport_reconnects_total",
			Help: "Total number of transport reconnect attempts",
		}, []string{"transport"}),
		PublishFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_publish_failures_total",
			Help: "Total number of publish attempts that failed to reach the broker",
		}, []string{"transport"}),
		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dgfacade_websocket_connections_active",
			Help: "Number of currently registered WebSocket connections",
		}),
	}
}

// Handler returns an HTTP handler exposing the process's Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
