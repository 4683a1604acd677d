package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicationCommitIndex = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_replication_commit_index",
			Help: "Highest log index known to be committed",
		},
		[]string{"shard"},
	)

	r.ReplicationAppliedIndex = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_replication_applied_index",
			Help: "Highest log index handed to the state machine",
		},
		[]string{"shard"},
	)

	r.ReplicationLastIndex = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_replication_last_index",
			Help: "Index of the last entry in the local log",
		},
		[]string{"shard"},
	)

	r.ReplicationAppendRejects = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_replication_append_rejects_total",
			Help: "Total number of AppendEntries rejected on log mismatch",
		},
	)

	r.ReplicationApplyFailures = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_replication_apply_failures_total",
			Help: "Total number of committed entries the state machine failed to apply",
		},
	)

	r.ReplicationApplyHalted = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_replication_apply_halted",
			Help: "Whether applying is halted for the shard (1=yes, 0=no)",
		},
		[]string{"shard"},
	)

	r.ReplicationEntriesSent = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_replication_entries_sent_total",
			Help: "Total number of log entries shipped to followers",
		},
	)
}
