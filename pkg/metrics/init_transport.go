package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTransportMetrics() {
	r.TransportMessagesSent = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_transport_messages_sent_total",
			Help: "Total number of peer messages sent",
		},
		[]string{"type"},
	)

	r.TransportMessagesReceived = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_transport_messages_received_total",
			Help: "Total number of peer messages received",
		},
		[]string{"type"},
	)

	r.TransportSendFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_transport_send_failures_total",
			Help: "Total number of peer messages that could not be delivered",
		},
		[]string{"reason"},
	)

	r.TransportDropped = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_transport_dropped_total",
			Help: "Total number of incoming frames dropped before processing",
		},
		[]string{"reason"}, // decode, auth, stale_epoch, foreign_shard
	)
}
