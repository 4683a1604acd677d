package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ClusterPeers = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_cluster_peers",
			Help: "Number of known peers by membership state",
		},
		[]string{"state"}, // seed, alive, suspected, offline, left
	)

	r.ClusterPeerTransitions = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_cluster_peer_transitions_total",
			Help: "Total number of peer state transitions",
		},
		[]string{"from", "to"},
	)

	r.ClusterHeartbeatRTT = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cluso_cluster_heartbeat_rtt_seconds",
			Help:    "Heartbeat round trip time in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	r.ClusterHeartbeatTimeout = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_cluster_heartbeat_timeout_seconds",
			Help: "Adaptive heartbeat deadline currently applied to each peer",
		},
		[]string{"peer_id"},
	)

	r.ClusterPeersCollected = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_cluster_peers_removed_total",
			Help: "Total number of peers removed after leaving or staying offline",
		},
	)

	r.ClusterEpoch = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_cluster_epoch",
			Help: "Local process epoch",
		},
	)

	r.ClusterElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_cluster_elections_total",
			Help: "Total number of leader elections",
		},
		[]string{"result"}, // started, won, lost, stepped_down
	)

	r.ClusterTerm = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_cluster_term",
			Help: "Current election term",
		},
		[]string{"shard"},
	)

	r.ClusterLeader = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_cluster_leader_id",
			Help: "Peer id of the known shard leader (0 when unknown)",
		},
		[]string{"shard"},
	)

	r.ClusterRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_cluster_role",
			Help: "Node role per shard (1 for current role, 0 otherwise)",
		},
		[]string{"shard", "role"}, // follower, candidate, leader
	)
}
