// Package metrics holds the Prometheus collectors for the real-time path and
// the store. HTTP request metrics live with the HTTP middleware.
//
// All collectors are registered on the default registry at init and exposed
// through the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WSConnections gauges open real-time connections.
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_ws_connections",
		Help: "Current number of open websocket connections.",
	})

	// WSRooms gauges materialized broadcast groups.
	WSRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_ws_rooms",
		Help: "Current number of rooms with at least one joined session.",
	})

	// WSEvents counts inbound client events by name.
	WSEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_ws_events_total",
		Help: "Inbound websocket events by event name.",
	}, []string{"event"})

	// MessagesTotal counts persisted room messages.
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_messages_total",
		Help: "Room messages persisted and broadcast.",
	})

	// BroadcastDrops counts sessions closed because their send buffer was full.
	BroadcastDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_ws_broadcast_drops_total",
		Help: "Sessions dropped on send buffer overflow.",
	})

	// RateLimited counts events rejected by the per-connection bucket.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_ws_rate_limited_total",
		Help: "Websocket events rejected by the per-connection rate limit.",
	})

	// DirectMessages counts encrypted direct messages stored.
	DirectMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_dm_sent_total",
		Help: "Encrypted direct messages stored.",
	})

	// StoreRetries counts busy retries by store operation.
	StoreRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_store_retries_total",
		Help: "Store operations retried after SQLITE_BUSY/LOCKED.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		WSConnections,
		WSRooms,
		WSEvents,
		MessagesTotal,
		BroadcastDrops,
		RateLimited,
		DirectMessages,
		StoreRetries,
	)
}

// StoreRetryHook is passed to repo.WithRetryHook.
func StoreRetryHook(op string) { StoreRetries.WithLabelValues(op).Inc() }
