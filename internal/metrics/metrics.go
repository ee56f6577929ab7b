package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Room registry metrics
var (
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rooms_active",
			Help: "Number of rooms with at least one member",
		},
	)

	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connections_active",
			Help: "Number of active websocket connections",
		},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcasts_total",
			Help: "Total room broadcasts by event type",
		},
		[]string{"type"},
	)

	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slow_clients_evicted_total",
			Help: "Connections force-closed because their send buffer filled",
		},
	)
)

// Chat pipeline metrics
var (
	MessagesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_accepted_total",
			Help: "Chat messages accepted and broadcast",
		},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_rejected_total",
			Help: "Chat messages rejected by reason code",
		},
		[]string{"reason"},
	)
)

// Webhook dispatcher metrics
var (
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Outbound webhook request duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	WebhookQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_queue_depth",
			Help: "Pending deliveries in the dispatcher queue",
		},
	)
)

// Presence metrics
var (
	PresenceTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "presence_tick_duration_seconds",
			Help:    "Duration of one presence reconciliation tick",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
	)
)
