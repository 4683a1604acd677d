package metrics

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initHTTPMetrics()
	r.initClusterMetrics()
	r.initReplicationMetrics()
	r.initTransportMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// RecordHTTPRequest records an admin HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetPeerCounts replaces the per-state peer gauges. States missing from
// counts are reported as zero.
func (r *Registry) SetPeerCounts(states []string, counts map[string]int) {
	for _, s := range states {
		r.ClusterPeers.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// RecordPeerTransition counts one peer state change
func (r *Registry) RecordPeerTransition(from, to string) {
	r.ClusterPeerTransitions.WithLabelValues(from, to).Inc()
}

// ObserveHeartbeatRTT records a heartbeat round trip
func (r *Registry) ObserveHeartbeatRTT(rtt time.Duration) {
	r.ClusterHeartbeatRTT.Observe(rtt.Seconds())
}

// SetHeartbeatTimeout publishes the adaptive deadline currently applied to a peer
func (r *Registry) SetHeartbeatTimeout(peer uint64, timeout time.Duration) {
	r.ClusterHeartbeatTimeout.WithLabelValues(peerLabel(peer)).Set(timeout.Seconds())
}

// ForgetPeer drops per-peer series once a peer leaves the registry
func (r *Registry) ForgetPeer(peer uint64) {
	r.ClusterHeartbeatTimeout.DeleteLabelValues(peerLabel(peer))
	r.ClusterPeersCollected.Inc()
}

// RecordElection records an election outcome (started, won, lost, stepped_down)
func (r *Registry) RecordElection(result string) {
	r.ClusterElectionsTotal.WithLabelValues(result).Inc()
}

// SetTerm sets the current term of a shard
func (r *Registry) SetTerm(shard uint32, term uint64) {
	r.ClusterTerm.WithLabelValues(shardLabel(shard)).Set(float64(term))
}

// SetLeader publishes the known leader of a shard, zero when unknown
func (r *Registry) SetLeader(shard uint32, leader uint64) {
	r.ClusterLeader.WithLabelValues(shardLabel(shard)).Set(float64(leader))
}

// SetClusterRole sets the current election role for a shard
func (r *Registry) SetClusterRole(shard uint32, role string) {
	label := shardLabel(shard)

	// Reset all roles
	r.ClusterRole.WithLabelValues(label, "follower").Set(0)
	r.ClusterRole.WithLabelValues(label, "candidate").Set(0)
	r.ClusterRole.WithLabelValues(label, "leader").Set(0)

	r.ClusterRole.WithLabelValues(label, role).Set(1)
}

// UpdateReplicationMetrics publishes the log positions of a shard
func (r *Registry) UpdateReplicationMetrics(shard uint32, lastIndex, commitIndex, appliedIndex uint64) {
	label := shardLabel(shard)
	r.ReplicationLastIndex.WithLabelValues(label).Set(float64(lastIndex))
	r.ReplicationCommitIndex.WithLabelValues(label).Set(float64(commitIndex))
	r.ReplicationAppliedIndex.WithLabelValues(label).Set(float64(appliedIndex))
}

// SetApplyHalted flags a shard whose state machine refused an entry
func (r *Registry) SetApplyHalted(shard uint32, halted bool) {
	v := 0.0
	if halted {
		v = 1
	}
	r.ReplicationApplyHalted.WithLabelValues(shardLabel(shard)).Set(v)
}

// RecordMessageSent counts an outgoing message by type
func (r *Registry) RecordMessageSent(msgType string) {
	r.TransportMessagesSent.WithLabelValues(msgType).Inc()
}

// RecordMessageReceived counts an incoming message by type
func (r *Registry) RecordMessageReceived(msgType string) {
	r.TransportMessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordSendFailure counts a failed send by reason (dial, encode, queue_full, closed)
func (r *Registry) RecordSendFailure(reason string) {
	r.TransportSendFailures.WithLabelValues(reason).Inc()
}

// RecordDropped counts an incoming message dropped before reaching the engine
func (r *Registry) RecordDropped(reason string) {
	r.TransportDropped.WithLabelValues(reason).Inc()
}

// UpdateSystemMetrics refreshes uptime and runtime gauges
func (r *Registry) UpdateSystemMetrics(startTime time.Time) {
	r.UptimeSeconds.Set(time.Since(startTime).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
}

func shardLabel(shard uint32) string {
	return strconv.FormatUint(uint64(shard), 10)
}

func peerLabel(peer uint64) string {
	return strconv.FormatUint(peer, 10)
}
