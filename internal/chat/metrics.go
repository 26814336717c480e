package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of clients currently in the roster",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total registry events processed by type",
	}, []string{"type"})

	EnvelopesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_envelopes_received_total",
		Help: "Envelopes decoded from clients by protocol type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_broadcast_fanout",
		Help:    "Number of clients each broadcast was queued for",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	DroppedDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_deliveries_total",
		Help: "Envelopes dropped because a client's outbound queue was full",
	})

	PersistenceFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_persistence_failures_total",
		Help: "Failed history log operations",
	})

	ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_protocol_errors_total",
		Help: "Connections dropped because of a malformed envelope",
	})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EnvelopesReceived)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(BroadcastFanout)
	prometheus.MustRegister(DroppedDeliveries)
	prometheus.MustRegister(PersistenceFailures)
	prometheus.MustRegister(ProtocolErrors)
}
