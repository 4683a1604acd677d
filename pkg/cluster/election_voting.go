package cluster

import (
	"time"

	"github.com/dd0wney/cluso-mail/pkg/logging"
)

// logUpToDate applies Raft's rule: the later last term wins, equal terms
// compare by length
func (e *engine) logUpToDate(lastIndex, lastTerm uint64) bool {
	ourTerm := e.log.LastTerm()
	if lastTerm != ourTerm {
		return lastTerm > ourTerm
	}
	return lastIndex >= e.log.LastIndex()
}

// handleRequestVote grants at most one vote per term
func (e *engine) handleRequestVote(now time.Time, p *Peer, m *RequestVote) {
	if m.Term < e.el.term {
		e.logger.Debug("denying vote for stale term",
			logging.PeerID(uint64(p.ID)),
			logging.Term(m.Term),
			logging.Uint64("current_term", e.el.term))
		e.send(p, &VoteGranted{Term: e.el.term, Granted: false})
		return
	}
	e.observeTerm(now, m.Term)

	p.LastLogIndex, p.LastLogTerm = m.LastLogIndex, m.LastLogTerm
	if p.CommitIndex > p.LastLogIndex {
		p.CommitIndex = p.LastLogIndex
	}

	granted := false
	if (e.el.votedFor == 0 || e.el.votedFor == p.ID) && e.el.role == RoleFollower &&
		e.logUpToDate(m.LastLogIndex, m.LastLogTerm) {
		prev := e.el.votedFor
		e.el.votedFor = p.ID
		if err := e.persistHardState(); err != nil {
			e.el.votedFor = prev
			e.logger.Error("failed to persist vote, denying",
				logging.PeerID(uint64(p.ID)), logging.Term(m.Term), logging.Error(err))
		} else {
			granted = true
			e.el.deadline = now.Add(e.randomElectionTimeout())
		}
	}

	e.logger.Debug("vote requested",
		logging.PeerID(uint64(p.ID)),
		logging.Term(m.Term),
		logging.Index(m.LastLogIndex),
		logging.Bool("granted", granted))
	e.send(p, &VoteGranted{Term: e.el.term, Granted: granted})
}

// handleVoteGranted counts a reply to this node's candidacy
func (e *engine) handleVoteGranted(now time.Time, p *Peer, m *VoteGranted) {
	if !e.observeTerm(now, m.Term) {
		return
	}
	if e.el.role != RoleCandidate || !m.Granted {
		return
	}
	e.el.votes[p.ID] = true
	p.VoteGranted = true
	e.checkVotes(now)
}
