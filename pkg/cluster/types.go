package cluster

import (
	"strconv"
	"time"
)

// PeerID identifies a cluster member. IDs are never reused; zero means "none".
type PeerID uint64

func (id PeerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ShardID identifies a partition of accounts. Zero is the unassigned shard
// seeds start in until they announce themselves.
type ShardID uint32

// NoShard marks a peer whose shard is not yet known
const NoShard ShardID = 0

// Clock supplies the current time. Tests inject a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Rand is the random source for election timeouts and gossip targets.
// *math/rand.Rand satisfies it.
type Rand interface {
	Int63n(n int64) int64
}

// PeerInfo is what peers tell each other about a member: carried in gossip
// and used to seed the registry.
type PeerInfo struct {
	ID           PeerID  `json:"id" msgpack:"id"`
	Shard        ShardID `json:"shard" msgpack:"shard"`
	Addr         string  `json:"addr" msgpack:"addr"`
	Hostname     string  `json:"hostname,omitempty" msgpack:"hostname,omitempty"`
	Epoch        uint64  `json:"epoch" msgpack:"epoch"`
	Generation   uint64  `json:"generation,omitempty" msgpack:"generation,omitempty"`
	LastLogIndex uint64  `json:"last_log_index" msgpack:"last_log_index"`
	LastLogTerm  uint64  `json:"last_log_term" msgpack:"last_log_term"`
	CommitIndex  uint64  `json:"commit_index" msgpack:"commit_index"`

	// Leader of Shard as known by the advertising node, with its term
	Leader PeerID `json:"leader,omitempty" msgpack:"leader,omitempty"`
	Term   uint64 `json:"term,omitempty" msgpack:"term,omitempty"`
}

// Peer is the registry's record of one member. Only the engine touches it.
type Peer struct {
	ID         PeerID
	Shard      ShardID
	Addr       string
	Hostname   string
	Epoch      uint64
	Generation uint64
	State      PeerState

	window HeartbeatWindow

	// Replication bookkeeping as last reported by the peer
	LastLogIndex uint64
	LastLogTerm  uint64
	CommitIndex  uint64
	VoteGranted  bool

	// Leader bookkeeping, valid while this node leads the shard
	NextIndex  uint64
	MatchIndex uint64
	lastAck    time.Time

	// Detector bookkeeping
	LastReply    time.Time
	pendingSince time.Time // send time of the outstanding heartbeat, zero if none
	lastProbe    time.Time
	OfflineSince time.Time
}

// IsHealthy reports whether the peer counts toward quorum
func (p *Peer) IsHealthy() bool {
	return p.State.IsHealthyState()
}

// IsOffline reports whether the peer is unreachable or gone
func (p *Peer) IsOffline() bool {
	return p.State == PeerOffline || p.State == PeerLeft
}

// InShard reports whether the peer serves shard
func (p *Peer) InShard(shard ShardID) bool {
	return p.Shard == shard
}

// resetStats forgets heartbeat history, used when a peer restarts or is readmitted
func (p *Peer) resetStats() {
	p.window.Reset()
	p.pendingSince = time.Time{}
	p.OfflineSince = time.Time{}
	p.VoteGranted = false
}

func (p *Peer) info() PeerInfo {
	return PeerInfo{
		ID:           p.ID,
		Shard:        p.Shard,
		Addr:         p.Addr,
		Hostname:     p.Hostname,
		Epoch:        p.Epoch,
		Generation:   p.Generation,
		LastLogIndex: p.LastLogIndex,
		LastLogTerm:  p.LastLogTerm,
		CommitIndex:  p.CommitIndex,
	}
}
