package cluster

import (
	"github.com/dd0wney/cluso-mail/pkg/raftlog"
)

// MessageKind tags the variants of Message
type MessageKind uint8

const (
	KindHeartbeat MessageKind = iota + 1
	KindHeartbeatAck
	KindPeerInfoExchange
	KindRequestVote
	KindVoteGranted
	KindAppendEntries
	KindAppendAck
	KindLeave
	KindConnectionLost
)

func (k MessageKind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindHeartbeatAck:
		return "heartbeat_ack"
	case KindPeerInfoExchange:
		return "peer_info"
	case KindRequestVote:
		return "request_vote"
	case KindVoteGranted:
		return "vote_granted"
	case KindAppendEntries:
		return "append_entries"
	case KindAppendAck:
		return "append_ack"
	case KindLeave:
		return "leave"
	case KindConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Message is one of the pointer types below
type Message interface {
	Kind() MessageKind
}

// Envelope carries a message together with the sender's identity. Every
// envelope refreshes the sender's registry entry, so Epoch also guards
// against messages from an earlier run of the same peer.
type Envelope struct {
	From  PeerID
	Addr  string
	Shard ShardID
	Epoch uint64
	Msg   Message
}

// Heartbeat probes a peer. SentAt is the sender's clock in Unix microseconds.
type Heartbeat struct {
	Epoch  uint64 `json:"epoch" msgpack:"epoch"`
	SentAt int64  `json:"sent_at" msgpack:"sent_at"`
}

// HeartbeatAck answers a Heartbeat, echoing its SentAt as Timestamp
type HeartbeatAck struct {
	Epoch     uint64 `json:"epoch" msgpack:"epoch"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
}

// PeerInfoExchange gossips the sender's view of the membership
type PeerInfoExchange struct {
	Peers []PeerInfo `json:"peers" msgpack:"peers"`
}

// RequestVote asks for a vote in Term
type RequestVote struct {
	Term         uint64 `json:"term" msgpack:"term"`
	LastLogIndex uint64 `json:"last_log_index" msgpack:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term" msgpack:"last_log_term"`
}

// VoteGranted answers a RequestVote
type VoteGranted struct {
	Term    uint64 `json:"term" msgpack:"term"`
	Granted bool   `json:"granted" msgpack:"granted"`
}

// AppendEntries replicates entries following (PrevIndex, PrevTerm). With no
// entries it doubles as the leader's liveness signal.
type AppendEntries struct {
	Term         uint64          `json:"term" msgpack:"term"`
	PrevIndex    uint64          `json:"prev_index" msgpack:"prev_index"`
	PrevTerm     uint64          `json:"prev_term" msgpack:"prev_term"`
	Entries      []raftlog.Entry `json:"entries,omitempty" msgpack:"entries,omitempty"`
	LeaderCommit uint64          `json:"leader_commit" msgpack:"leader_commit"`
}

// AppendAck answers AppendEntries. On failure MatchIndex is the highest
// index the follower might still share with the leader.
type AppendAck struct {
	Term       uint64 `json:"term" msgpack:"term"`
	MatchIndex uint64 `json:"match_index" msgpack:"match_index"`
	Success    bool   `json:"success" msgpack:"success"`
}

// Leave announces a graceful shutdown
type Leave struct {
	Epoch uint64 `json:"epoch" msgpack:"epoch"`
}

// ConnectionLost is produced locally by a transport when the connection
// to From drops. It never crosses the wire.
type ConnectionLost struct{}

func (*Heartbeat) Kind() MessageKind        { return KindHeartbeat }
func (*HeartbeatAck) Kind() MessageKind     { return KindHeartbeatAck }
func (*PeerInfoExchange) Kind() MessageKind { return KindPeerInfoExchange }
func (*RequestVote) Kind() MessageKind      { return KindRequestVote }
func (*VoteGranted) Kind() MessageKind      { return KindVoteGranted }
func (*AppendEntries) Kind() MessageKind    { return KindAppendEntries }
func (*AppendAck) Kind() MessageKind        { return KindAppendAck }
func (*Leave) Kind() MessageKind            { return KindLeave }
func (*ConnectionLost) Kind() MessageKind   { return KindConnectionLost }
