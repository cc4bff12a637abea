// Package metrics provides Prometheus instrumentation for the chat core. It
// exposes gauges for connections, conversations and the waiting pool,
// counters for message and moderation throughput, and latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonyconnect_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// ActiveConversations tracks conversations in the active state.
	ActiveConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonyconnect_active_conversations",
		Help: "Current number of active conversations",
	})

	// MatchQueueSize tracks users waiting for a partner.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonyconnect_match_queue_size",
		Help: "Current number of users in the waiting pool",
	})

	// MessagesTotal counts appended messages by result: "stored" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonyconnect_messages_total",
		Help: "Total number of messages processed",
	}, []string{"result"})

	// MessageRejections counts moderation rejections by verdict code.
	MessageRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonyconnect_message_rejections_total",
		Help: "Messages rejected by the content filter",
	}, []string{"code"})

	// AppendLatency records the time spent inside a conversation's append lock.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anonyconnect_append_latency_seconds",
		Help:    "Message append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchesTotal counts pairings.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonyconnect_matches_total",
		Help: "Total number of conversations created by matchmaking",
	})

	// MatchWaitDuration records the time from entering the pool to pairing.
	MatchWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anonyconnect_match_wait_seconds",
		Help:    "Time from entering the waiting pool to being paired",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 15, 20, 30, 60},
	})

	// ReportsTotal counts submitted reports by reason.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonyconnect_reports_total",
		Help: "Reports submitted",
	}, []string{"reason"})

	// BansTotal counts bans applied by cause: "reports" or "minor_suspected".
	BansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonyconnect_bans_total",
		Help: "Bans applied",
	}, []string{"cause"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveConversations,
		MatchQueueSize,
		MessagesTotal,
		MessageRejections,
		AppendLatency,
		MatchesTotal,
		MatchWaitDuration,
		ReportsTotal,
		BansTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
