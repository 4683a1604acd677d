package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for a cluster node
type Registry struct {
	// Admin HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Membership and failure detection
	ClusterPeers            *prometheus.GaugeVec
	ClusterPeerTransitions  *prometheus.CounterVec
	ClusterHeartbeatRTT     prometheus.Histogram
	ClusterHeartbeatTimeout *prometheus.GaugeVec
	ClusterPeersCollected   prometheus.Counter
	ClusterEpoch            prometheus.Gauge

	// Elections
	ClusterElectionsTotal *prometheus.CounterVec
	ClusterTerm           *prometheus.GaugeVec
	ClusterLeader         *prometheus.GaugeVec
	ClusterRole           *prometheus.GaugeVec

	// Replication
	ReplicationCommitIndex   *prometheus.GaugeVec
	ReplicationAppliedIndex  *prometheus.GaugeVec
	ReplicationLastIndex     *prometheus.GaugeVec
	ReplicationAppendRejects prometheus.Counter
	ReplicationApplyFailures prometheus.Counter
	ReplicationApplyHalted   *prometheus.GaugeVec
	ReplicationEntriesSent   prometheus.Counter

	// Transport
	TransportMessagesSent     *prometheus.CounterVec
	TransportMessagesReceived *prometheus.CounterVec
	TransportSendFailures     *prometheus.CounterVec
	TransportDropped          *prometheus.CounterVec

	// System Metrics
	UptimeSeconds prometheus.Gauge
	GoRoutines    prometheus.Gauge

	registry *prometheus.Registry
}
