package cluster

import (
	"fmt"
	"time"
)

// Role is this node's position in its shard's election
type Role int

const (
	// RoleFollower is a node following the current leader
	RoleFollower Role = iota
	// RoleCandidate is a node requesting votes
	RoleCandidate
	// RoleLeader is the elected leader
	RoleLeader
)

// String returns the string representation of a Role
func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// roleTransitions lists the legal moves. A follower can only become leader
// by first standing as candidate.
var roleTransitions = map[Role][]Role{
	RoleFollower:  {RoleFollower, RoleCandidate},
	RoleCandidate: {RoleFollower, RoleCandidate, RoleLeader},
	RoleLeader:    {RoleFollower},
}

func canTransition(from, to Role) bool {
	for _, r := range roleTransitions[from] {
		if r == to {
			return true
		}
	}
	return false
}

// election is the shard's term and vote bookkeeping
type election struct {
	role     Role
	term     uint64
	votedFor PeerID
	leader   PeerID
	votes    map[PeerID]bool // granted votes in the current candidacy

	// deadline fires the next election attempt while not leading
	deadline      time.Time
	startedAt     time.Time
	leaderSince   time.Time
	leaderContact time.Time
}

func (el *election) setRole(to Role) {
	if !canTransition(el.role, to) {
		// Reaching here means a handler broke the single-leader protocol
		panic(fmt.Sprintf("cluster: illegal role transition %s -> %s in term %d", el.role, to, el.term))
	}
	el.role = to
}

// leaderHint is a leader of another shard learned through gossip
type leaderHint struct {
	leader PeerID
	term   uint64
}
