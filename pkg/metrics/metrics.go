package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askbot_messages_relayed_total",
			Help: "Messages relayed between chats and the bot",
		},
		[]string{"direction"}, // to_bot, from_bot
	)

	RelayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askbot_relay_errors_total",
			Help: "Upstream failures by stage",
		},
		[]string{"stage"}, // token, connect, send, stream, refresh
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "askbot_active_sessions",
			Help: "Open Direct Line conversations",
		},
	)

	// Web chat metrics
	ReplyLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askbot_reply_latency_seconds",
			Help:    "Time from a user message to the first bot reply",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	CitationsExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askbot_citations_extracted_total",
			Help: "Citation definitions extracted from bot replies",
		},
	)

	SendRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askbot_send_rejected_total",
			Help: "Chat sends refused before reaching the bot",
		},
		[]string{"reason"}, // busy, failed, rate_limited, forbidden
	)
)
