package cluster

import (
	"time"
)

// Status is a point-in-time view of the node for diagnostics
type Status struct {
	Self        PeerID             `json:"self"`
	Addr        string             `json:"addr"`
	Epoch       uint64             `json:"epoch"`
	Shard       ShardStatus        `json:"shard"`
	Leaders     map[ShardID]PeerID `json:"leaders"`
	Peers       []PeerSnapshot     `json:"peers"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ShardStatus describes the local shard's election and log
type ShardStatus struct {
	ID          ShardID `json:"id"`
	Role        string  `json:"role"`
	Term        uint64  `json:"term"`
	Leader      PeerID  `json:"leader,omitempty"`
	VotedFor    PeerID  `json:"voted_for,omitempty"`
	LastIndex   uint64  `json:"last_index"`
	LastTerm    uint64  `json:"last_term"`
	CommitIndex uint64  `json:"commit_index"`
	LastApplied uint64  `json:"last_applied"`
	Voters      int     `json:"voters"`
	Quorum      int     `json:"quorum"`
	Healthy     int     `json:"healthy_voters"`
	ApplyError  string  `json:"apply_error,omitempty"`
}

// PeerSnapshot is one registry entry as reported by ClusterStatus
type PeerSnapshot struct {
	ID           PeerID        `json:"id"`
	Shard        ShardID       `json:"shard"`
	Addr         string        `json:"addr"`
	Hostname     string        `json:"hostname,omitempty"`
	Epoch        uint64        `json:"epoch"`
	State        string        `json:"state"`
	Healthy      bool          `json:"healthy"`
	Deadline     time.Duration `json:"deadline"`
	RTTMean      time.Duration `json:"rtt_mean"`
	RTTSamples   int           `json:"rtt_samples"`
	WindowFull   bool          `json:"window_full"`
	LastReply    time.Time     `json:"last_reply,omitempty"`
	LastLogIndex uint64        `json:"last_log_index"`
	LastLogTerm  uint64        `json:"last_log_term"`
	CommitIndex  uint64        `json:"commit_index"`
	MatchIndex   uint64        `json:"match_index,omitempty"`
	NextIndex    uint64        `json:"next_index,omitempty"`
	VoteGranted  bool          `json:"vote_granted,omitempty"`
}

func (e *engine) status(now time.Time) Status {
	st := Status{
		Self:  e.self,
		Addr:  e.cfg.Addr,
		Epoch: e.epoch,
		Shard: ShardStatus{
			ID:          e.shard,
			Role:        e.el.role.String(),
			Term:        e.el.term,
			Leader:      e.el.leader,
			VotedFor:    e.el.votedFor,
			LastIndex:   e.log.LastIndex(),
			LastTerm:    e.log.LastTerm(),
			CommitIndex: e.repl.commitIndex,
			LastApplied: e.repl.lastApplied,
			Voters:      len(e.voters()) + 1,
			Quorum:      e.quorum(),
			Healthy:     e.healthyVoters(),
		},
		Leaders:     make(map[ShardID]PeerID, len(e.leaders)+1),
		GeneratedAt: now,
	}
	if e.repl.applyErr != nil {
		st.Shard.ApplyError = e.repl.applyErr.Error()
	}
	if e.el.leader != 0 {
		st.Leaders[e.shard] = e.el.leader
	}
	for shard, h := range e.leaders {
		st.Leaders[shard] = h.leader
	}

	leading := e.el.role == RoleLeader
	for _, p := range e.registry.All() {
		snap := PeerSnapshot{
			ID:           p.ID,
			Shard:        p.Shard,
			Addr:         p.Addr,
			Hostname:     p.Hostname,
			Epoch:        p.Epoch,
			State:        p.State.String(),
			Healthy:      p.IsHealthy(),
			Deadline:     e.deadline(p),
			RTTMean:      p.window.Mean(),
			RTTSamples:   p.window.Len(),
			WindowFull:   p.window.Full(),
			LastReply:    p.LastReply,
			LastLogIndex: p.LastLogIndex,
			LastLogTerm:  p.LastLogTerm,
			CommitIndex:  p.CommitIndex,
			VoteGranted:  p.VoteGranted,
		}
		if leading && p.Shard == e.shard {
			snap.MatchIndex = p.MatchIndex
			snap.NextIndex = p.NextIndex
		}
		st.Peers = append(st.Peers, snap)
	}
	return st
}
