package cluster

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrInvalidConfig           = errors.New("invalid cluster configuration")
	ErrInvalidSeed             = errors.New("invalid seed")
	ErrElectionTimeoutTooSmall = errors.New("election timeout must be greater than heartbeat interval")
)

// Election and submit errors
var (
	ErrNoLeader       = errors.New("no leader available")
	ErrNotLeader      = errors.New("not the current leader")
	ErrEmptyPayload   = errors.New("log entry payload cannot be empty")
	ErrEntryDiscarded = errors.New("log entry was replaced before it committed")
	ErrUnknownShard   = errors.New("shard is not served by this node")
)

// Apply errors
var (
	ErrApplyHalted = errors.New("apply halted")
)

// Lifecycle errors
var (
	ErrStopped         = errors.New("cluster node stopped")
	ErrAlreadyRunning  = errors.New("cluster node already running")
	ErrTransportClosed = errors.New("transport receive channel closed")
)

// NotLeaderError is returned by Submit on a follower. Leader is the
// node to retry against, zero when unknown.
type NotLeaderError struct {
	Leader PeerID
	Addr   string
}

func (e *NotLeaderError) Error() string {
	if e.Leader == 0 {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s: leader is %d at %s", ErrNotLeader, e.Leader, e.Addr)
}

// Unwrap lets errors.Is(err, ErrNotLeader) match
func (e *NotLeaderError) Unwrap() error {
	return ErrNotLeader
}

// ApplyError records the entry the state machine refused
type ApplyError struct {
	Shard ShardID
	Index uint64
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: shard %d index %d: %v", ErrApplyHalted, e.Shard, e.Index, e.Err)
}

func (e *ApplyError) Unwrap() []error {
	return []error{ErrApplyHalted, e.Err}
}
