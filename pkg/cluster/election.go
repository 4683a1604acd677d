package cluster

import (
	"time"

	"github.com/dd0wney/cluso-mail/pkg/logging"
)

// electionTick starts an election when the leader has gone quiet and makes
// a leader that lost contact with its quorum step down
func (e *engine) electionTick(now time.Time) {
	if e.el.role == RoleLeader {
		e.checkQuorum(now)
		return
	}
	if now.Before(e.el.deadline) {
		return
	}

	e.el.leader = 0
	healthy, quorum := e.healthyVoters(), e.quorum()
	if healthy < quorum {
		// Degraded: no candidate could collect a majority
		e.logger.Warn("election timeout without quorum, shard has no leader",
			logging.Term(e.el.term),
			logging.Int("healthy_voters", healthy),
			logging.Int("quorum", quorum))
		e.el.deadline = now.Add(e.randomElectionTimeout())
		return
	}

	e.startElection(now)
}

// startElection increments the term, votes for self and asks every healthy
// shard peer for its vote
func (e *engine) startElection(now time.Time) {
	e.el.setRole(RoleCandidate)
	e.el.term++
	e.el.votedFor = e.self
	e.el.votes = map[PeerID]bool{e.self: true}
	e.el.startedAt = now
	e.el.deadline = now.Add(e.randomElectionTimeout())

	for _, p := range e.voters() {
		p.VoteGranted = false
	}

	if err := e.persistHardState(); err != nil {
		// Without a durable self-vote the candidacy is abandoned; the timer retries
		e.logger.Error("failed to persist hard state, abandoning election",
			logging.Term(e.el.term), logging.Error(err))
		e.el.setRole(RoleFollower)
		return
	}

	lastIndex, lastTerm := e.log.LastIndex(), e.log.LastTerm()
	e.logger.Info("starting election",
		logging.Term(e.el.term),
		logging.Index(lastIndex),
		logging.Uint64("last_log_term", lastTerm))
	if e.metrics != nil {
		e.metrics.RecordElection("started")
		e.metrics.SetTerm(uint32(e.shard), e.el.term)
		e.metrics.SetClusterRole(uint32(e.shard), RoleCandidate.String())
	}

	req := &RequestVote{Term: e.el.term, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
	for _, p := range e.voters() {
		if p.IsHealthy() {
			e.send(p, req)
		}
	}

	// A single-member shard wins on its own vote
	e.checkVotes(now)
}

// checkVotes promotes a candidate holding a strict majority of the voters
func (e *engine) checkVotes(now time.Time) {
	if e.el.role != RoleCandidate {
		return
	}
	granted := 0
	if e.el.votes[e.self] {
		granted++
	}
	for _, p := range e.voters() {
		if e.el.votes[p.ID] {
			granted++
		}
	}
	if granted >= e.quorum() {
		e.becomeLeader(now, granted)
	}
}

// becomeLeader takes over the shard and appends a no-op entry so entries
// from earlier terms can commit
func (e *engine) becomeLeader(now time.Time, votes int) {
	e.el.setRole(RoleLeader)
	e.el.leader = e.self
	e.el.leaderSince = now
	e.el.votes = nil

	last := e.log.LastIndex()
	for _, p := range e.voters() {
		p.NextIndex = last + 1
		p.MatchIndex = 0
		p.lastAck = now
	}

	e.logger.Info("became leader",
		logging.Term(e.el.term),
		logging.Int("votes", votes),
		logging.Duration("election", now.Sub(e.el.startedAt)))
	if e.metrics != nil {
		e.metrics.RecordElection("won")
		e.metrics.SetClusterRole(uint32(e.shard), RoleLeader.String())
		e.metrics.SetLeader(uint32(e.shard), uint64(e.self))
	}

	if _, err := e.appendLocal(nil); err != nil {
		e.logger.Error("failed to append leader no-op entry", logging.Term(e.el.term), logging.Error(err))
	}
	e.broadcastAppend(now)
	e.advanceCommit()
	e.gossipDirty = true
}

// becomeFollower adopts term. A higher term clears the vote.
func (e *engine) becomeFollower(now time.Time, term uint64, leader PeerID) {
	prev := e.el.role
	if term > e.el.term {
		e.el.term = term
		e.el.votedFor = 0
		if err := e.persistHardState(); err != nil {
			e.logger.Error("failed to persist hard state", logging.Term(term), logging.Error(err))
		}
	}
	e.el.setRole(RoleFollower)
	e.el.leader = leader
	e.el.votes = nil
	e.el.deadline = now.Add(e.randomElectionTimeout())

	if prev != RoleFollower {
		e.logger.Info("became follower",
			logging.Term(term),
			logging.String("previous_role", prev.String()),
			logging.Uint64("leader", uint64(leader)))
		if e.metrics != nil {
			if prev == RoleCandidate {
				e.metrics.RecordElection("lost")
			}
			e.metrics.SetClusterRole(uint32(e.shard), RoleFollower.String())
		}
	}
	if e.metrics != nil {
		e.metrics.SetTerm(uint32(e.shard), e.el.term)
	}
}

// observeTerm steps down on any message from a newer term. It reports
// whether the message's term is current after the adjustment.
func (e *engine) observeTerm(now time.Time, term uint64) bool {
	if term > e.el.term {
		e.logger.Info("observed higher term, stepping down",
			logging.Term(term), logging.Uint64("current_term", e.el.term))
		e.becomeFollower(now, term, 0)
	}
	return term == e.el.term
}

// checkQuorum steps a leader down when a majority has not acknowledged it
// within the maximum election timeout
func (e *engine) checkQuorum(now time.Time) {
	window := e.cfg.ElectionTimeoutMax
	if now.Sub(e.el.leaderSince) < window {
		return
	}
	acked := 1
	for _, p := range e.voters() {
		if now.Sub(p.lastAck) <= window {
			acked++
		}
	}
	if acked >= e.quorum() {
		return
	}

	e.logger.Warn("leader lost contact with quorum, stepping down",
		logging.Term(e.el.term),
		logging.Int("acked", acked),
		logging.Int("quorum", e.quorum()))
	if e.metrics != nil {
		e.metrics.RecordElection("stepped_down")
	}
	e.becomeFollower(now, e.el.term, 0)
}

// onPeerTransition re-evaluates leader liveness after a detector transition
func (e *engine) onPeerTransition(now time.Time, p *Peer, from, to PeerState) {
	if p.Shard != e.shard {
		return
	}
	if p.ID == e.el.leader && (to == PeerOffline || to == PeerLeft) {
		e.logger.Warn("shard leader unreachable", logging.PeerID(uint64(p.ID)), logging.State(to))
		e.el.leader = 0
		// Do not wait out a full timeout for a leader known to be gone
		if soon := now.Add(e.cfg.ElectionTimeoutMin); soon.Before(e.el.deadline) {
			e.el.deadline = soon
		}
	}
	if e.el.role == RoleLeader && from.IsHealthyState() && !to.IsHealthyState() && e.healthyVoters() < e.quorum() {
		e.logger.Warn("leader has fewer healthy voters than quorum",
			logging.PeerID(uint64(p.ID)),
			logging.Int("healthy_voters", e.healthyVoters()),
			logging.Int("quorum", e.quorum()))
	}
}

// CurrentLeader of shard as known here. For the local shard that is the
// election result; other shards come from gossip.
func (e *engine) currentLeader(shard ShardID) (PeerID, bool) {
	if shard == e.shard {
		return e.el.leader, e.el.leader != 0
	}
	h, ok := e.leaders[shard]
	if !ok || h.leader == 0 {
		return 0, false
	}
	return h.leader, true
}

// stepDown hands leadership away voluntarily. The old leader waits out a
// longer timeout so a caught-up follower campaigns first.
func (e *engine) stepDown(now time.Time, shard ShardID) error {
	if shard != e.shard {
		return ErrUnknownShard
	}
	if e.el.role != RoleLeader {
		return e.notLeaderError()
	}
	e.logger.Info("stepping down on request", logging.Term(e.el.term))
	if e.metrics != nil {
		e.metrics.RecordElection("stepped_down")
	}
	e.becomeFollower(now, e.el.term, 0)
	e.el.deadline = now.Add(e.cfg.ElectionTimeoutMax + e.randomElectionTimeout())
	return nil
}
