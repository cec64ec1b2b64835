// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connection, presence and subscription counts, counters
// for message and event throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of users with at least one live connection",
	})

	// Disconnects counts closed connections labeled by reason: "closed",
	// "idle", "unresponsive" or "error".
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_disconnects_total",
		Help: "Total number of closed connections",
	}, []string{"reason"})

	// MessagesTotal counts send-message requests labeled by outcome:
	// "sent", "duplicate", "rejected", "blocked" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of send-message requests processed",
	}, []string{"outcome"})

	// MessageLatency records time from accepting a send to finishing fan-out.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_message_latency_seconds",
		Help:    "Message persist and fan-out latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// EventsTotal counts outbound events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Total number of outbound events enqueued",
	}, []string{"type"})

	// DroppedEvents counts events that could not be enqueued on a connection.
	DroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_events_total",
		Help: "Total number of outbound events dropped by a failing connection",
	})

	// Subscriptions tracks the number of (connection, chat) subscriptions.
	Subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_subscriptions",
		Help: "Current number of chat subscriptions across connections",
	})

	// TypingActive tracks the number of (chat, user) pairs in the typing state.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_typing_active",
		Help: "Current number of users typing",
	})

	// PresenceBroadcasts counts presence transitions, labeled by outcome:
	// "sent" or "skipped" (superseded by a newer transition).
	PresenceBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_presence_broadcasts_total",
		Help: "Total number of presence transitions processed",
	}, []string{"outcome"})

	// ReadsTotal counts mark-read requests that advanced a read marker.
	ReadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_reads_total",
		Help: "Total number of mark-read requests that cleared unread messages",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		Disconnects,
		MessagesTotal,
		MessageLatency,
		EventsTotal,
		DroppedEvents,
		Subscriptions,
		TypingActive,
		PresenceBroadcasts,
		ReadsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
