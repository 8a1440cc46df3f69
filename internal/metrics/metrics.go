// Package metrics provides Prometheus instrumentation for the Luup session
// server. It exposes gauges for live connections and rooms, counters for the
// session lifecycle and broadcast fan-out, and the durable backend health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "luup_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// LiveSessions tracks the number of sessions with at least one connection.
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "luup_live_sessions",
		Help: "Current number of sessions with at least one live connection",
	})

	// SessionsCreated counts sessions created, labeled by kind and the
	// backend that accepted the write.
	SessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "luup_sessions_created_total",
		Help: "Total number of sessions created",
	}, []string{"kind", "backend"})

	// SessionsDeleted counts deletions, labeled by cause: "explicit", "expired"
	// or "orphan".
	SessionsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "luup_sessions_deleted_total",
		Help: "Total number of sessions deleted",
	}, []string{"cause"})

	// PartialDeleteFailures counts deletions whose side storage could not be
	// removed. A non-zero rate means files may be leaking on disk.
	PartialDeleteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "luup_partial_delete_failures_total",
		Help: "Session deletions where side storage removal failed",
	})

	// BackendFallbacks counts transitions of the durable backend to unavailable.
	BackendFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "luup_backend_fallbacks_total",
		Help: "Number of times the store fell back to the in-memory backend",
	})

	// BackendHealthy is 1 while the durable backend is in use, 0 otherwise.
	BackendHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "luup_backend_healthy",
		Help: "1 when the durable backend is healthy, 0 when the store is on the fallback",
	})

	// ReapCycles records reaper cycle duration in seconds.
	ReapCycles = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "luup_reap_cycle_seconds",
		Help:    "Duration of expiry reaper cycles",
		Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 30},
	})

	// ReapItemErrors counts per-record errors inside reaper cycles.
	ReapItemErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "luup_reap_item_errors_total",
		Help: "Per-record errors encountered by the expiry reaper",
	})

	// BroadcastDeliveries counts per-connection delivery attempts, labeled by
	// result: "delivered" or "dropped".
	BroadcastDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "luup_broadcast_deliveries_total",
		Help: "Per-connection broadcast delivery attempts",
	}, []string{"result"})

	// MessagesTotal counts inbound live messages, labeled by type:
	// "chat", "draw", "blocked" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "luup_messages_total",
		Help: "Total number of inbound live messages processed",
	}, []string{"type"})

	// MessageLatency records inbound message processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "luup_message_latency_seconds",
		Help:    "Inbound message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		LiveSessions,
		SessionsCreated,
		SessionsDeleted,
		PartialDeleteFailures,
		BackendFallbacks,
		BackendHealthy,
		ReapCycles,
		ReapItemErrors,
		BroadcastDeliveries,
		MessagesTotal,
		MessageLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
