// Package metrics exposes Prometheus instrumentation for the group chat
// server: live connection and member gauges, counters for messages,
// reactions and moderation, and store latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers mirrors the connection registry count that clients see.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_online_users",
		Help: "Current number of joined users",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_messages_total",
		Help: "Total number of submitted messages",
	}, []string{"outcome"}) // outcome = "posted", "rejected", "rate_limited", "failed"

	ReactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_reactions_total",
		Help: "Total number of applied reaction changes",
	}, []string{"kind", "action"})

	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_reports_total",
		Help: "Total number of reports appended to a ledger",
	})

	// PendingRemovals tracks armed moderation removal jobs.
	PendingRemovals = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_pending_removals",
		Help: "Reported messages waiting for automatic removal",
	})

	MessagesRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_messages_removed_total",
		Help: "Messages removed by moderation",
	})

	// StoreLatency records message store call latency in seconds by operation.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupchat_store_latency_seconds",
		Help:    "Message store latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		ReactionsTotal,
		ReportsTotal,
		PendingRemovals,
		MessagesRemoved,
		StoreLatency,
	)
}

// ObserveStore records the latency of a store call started at start.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
