// Package metrics holds the Prometheus collectors for the fan-out service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsgraph_realtime"

var (
	// Registry is the dedicated registry served on /metrics.
	Registry = prometheus.NewRegistry()

	// ConnectionsActive is the number of registered connections per transport.
	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Registered realtime connections."},
		[]string{"transport"},
	)
	// BroadcastsTotal counts broadcast calls by event type.
	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_total", Help: "Broadcast calls by event type."},
		[]string{"event_type"},
	)
	// DeliveriesTotal counts per-connection outcomes: sent, filtered or pruned.
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_total", Help: "Per-connection broadcast outcomes."},
		[]string{"transport", "result"},
	)
	// BroadcastDuration records how long one fan-out pass takes.
	BroadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: namespace, Name: "broadcast_duration_seconds", Help: "Fan-out pass duration in seconds.", Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5}},
	)
	// InboundMessages counts WebSocket client messages by type.
	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "inbound_messages_total", Help: "Inbound WebSocket messages by type."},
		[]string{"type"},
	)
	// OutboxEvents counts relayed outbox rows by status (published, requeued, failed).
	OutboxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "outbox_events_total", Help: "Outbox rows handled by the relay."},
		[]string{"status"},
	)
	// OutboxPending is the last observed number of unpublished outbox rows.
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "outbox_pending", Help: "Unpublished outbox rows at the last poll."},
	)
	// HTTPRequests counts requests by method, route and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "route", "status"},
	)
	// HTTPDuration records request durations in seconds.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "route", "status"},
	)
)

var regOnce sync.Once

// Register adds every collector plus the Go and process collectors to
// Registry. Safe to call more than once.
func Register() {
	regOnce.Do(func() {
		Registry.MustRegister(
			ConnectionsActive,
			BroadcastsTotal,
			DeliveriesTotal,
			BroadcastDuration,
			InboundMessages,
			OutboxEvents,
			OutboxPending,
			HTTPRequests,
			HTTPDuration,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
