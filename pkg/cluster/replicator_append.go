package cluster

import (
	"time"

	"github.com/dd0wney/cluso-mail/pkg/logging"
	"github.com/dd0wney/cluso-mail/pkg/raftlog"
)

// replicationTick sends the leader's periodic AppendEntries round, which
// doubles as its liveness signal and carries the commit index
func (e *engine) replicationTick(now time.Time) {
	if e.el.role != RoleLeader || now.Before(e.repl.nextAppend) {
		return
	}
	e.broadcastAppend(now)
}

// broadcastAppend sends every reachable voter the entries it is missing
func (e *engine) broadcastAppend(now time.Time) {
	e.repl.nextAppend = now.Add(e.cfg.HeartbeatInterval)
	for _, p := range e.voters() {
		if p.State == PeerOffline {
			continue
		}
		e.sendAppend(p)
	}
}

// sendAppend sends p the entries from its NextIndex on
func (e *engine) sendAppend(p *Peer) {
	last := e.log.LastIndex()
	if p.NextIndex == 0 || p.NextIndex > last+1 {
		p.NextIndex = last + 1
	}

	prev := p.NextIndex - 1
	prevTerm, err := e.log.Term(prev)
	if err != nil {
		e.logger.Error("failed to read previous log term",
			logging.PeerID(uint64(p.ID)), logging.Index(prev), logging.Error(err))
		return
	}

	var entries []raftlog.Entry
	if p.NextIndex <= last {
		entries, err = e.log.Entries(p.NextIndex, last, e.cfg.MaxAppendEntries)
		if err != nil {
			e.logger.Error("failed to read log entries",
				logging.PeerID(uint64(p.ID)), logging.Index(p.NextIndex), logging.Error(err))
			return
		}
	}

	e.send(p, &AppendEntries{
		Term:         e.el.term,
		PrevIndex:    prev,
		PrevTerm:     prevTerm,
		Entries:      entries,
		LeaderCommit: e.repl.commitIndex,
	})
	if e.metrics != nil && len(entries) > 0 {
		e.metrics.ReplicationEntriesSent.Add(float64(len(entries)))
	}
}

// handleAppendEntries is the follower side of log matching
func (e *engine) handleAppendEntries(now time.Time, p *Peer, m *AppendEntries) {
	if m.Term < e.el.term {
		e.logger.Debug("rejecting append from stale term",
			logging.PeerID(uint64(p.ID)), logging.Term(m.Term), logging.Uint64("current_term", e.el.term))
		e.send(p, &AppendAck{Term: e.el.term, Success: false})
		return
	}
	e.observeTerm(now, m.Term)
	switch e.el.role {
	case RoleCandidate:
		e.becomeFollower(now, m.Term, p.ID)
	case RoleLeader:
		// Vote uniqueness rules this out; refuse rather than corrupt the log
		e.logger.Error("append from another leader in the same term",
			logging.PeerID(uint64(p.ID)), logging.Term(m.Term))
		return
	}
	if e.el.leader != p.ID {
		e.logger.Info("following leader", logging.PeerID(uint64(p.ID)), logging.Term(m.Term))
		e.el.leader = p.ID
	}
	e.el.deadline = now.Add(e.randomElectionTimeout())
	e.el.leaderContact = now

	last := e.log.LastIndex()
	if m.PrevIndex > last {
		e.send(p, &AppendAck{Term: e.el.term, MatchIndex: last, Success: false})
		return
	}
	if prevTerm, err := e.log.Term(m.PrevIndex); err != nil || prevTerm != m.PrevTerm {
		e.logger.Debug("log mismatch at previous index",
			logging.Index(m.PrevIndex),
			logging.Uint64("prev_term", m.PrevTerm),
			logging.Uint64("local_term", prevTerm))
		e.send(p, &AppendAck{Term: e.el.term, MatchIndex: min(last, m.PrevIndex-1), Success: false})
		return
	}

	var toAppend []raftlog.Entry
	for i, ent := range m.Entries {
		if ent.Index > last {
			toAppend = m.Entries[i:]
			break
		}
		if t, err := e.log.Term(ent.Index); err == nil && t == ent.Term {
			continue
		}
		if ent.Index <= e.repl.commitIndex {
			e.logger.Error("leader conflicts with a committed entry",
				logging.PeerID(uint64(p.ID)), logging.Index(ent.Index), logging.Term(ent.Term))
			return
		}
		if err := e.log.TruncateFrom(ent.Index); err != nil {
			e.logger.Error("failed to truncate conflicting entries", logging.Index(ent.Index), logging.Error(err))
			return
		}
		e.logger.Info("truncated conflicting log suffix",
			logging.Index(ent.Index), logging.Uint64("previous_last", last))
		toAppend = m.Entries[i:]
		break
	}
	if len(toAppend) > 0 {
		if err := e.log.Append(toAppend...); err != nil {
			e.logger.Error("failed to append replicated entries",
				logging.Index(toAppend[0].Index), logging.Error(err))
			e.send(p, &AppendAck{Term: e.el.term, MatchIndex: min(e.log.LastIndex(), m.PrevIndex), Success: false})
			return
		}
	}

	lastNew := m.PrevIndex + uint64(len(m.Entries))
	e.setCommit(min(m.LeaderCommit, lastNew))
	if lastNew > p.LastLogIndex {
		p.LastLogIndex = lastNew
	}
	if m.LeaderCommit > p.CommitIndex {
		p.CommitIndex = min(m.LeaderCommit, p.LastLogIndex)
	}
	e.send(p, &AppendAck{Term: e.el.term, MatchIndex: lastNew, Success: true})
}

// handleAppendAck moves the follower's replication cursor and retries
// from an earlier index after a mismatch
func (e *engine) handleAppendAck(now time.Time, p *Peer, m *AppendAck) {
	if !e.observeTerm(now, m.Term) || e.el.role != RoleLeader {
		return
	}
	p.lastAck = now

	if m.Success {
		if m.MatchIndex > p.MatchIndex {
			p.MatchIndex = m.MatchIndex
		}
		if p.NextIndex <= p.MatchIndex {
			p.NextIndex = p.MatchIndex + 1
		}
		if p.MatchIndex > p.LastLogIndex {
			p.LastLogIndex = p.MatchIndex
		}
		e.advanceCommit()
		if p.NextIndex <= e.log.LastIndex() {
			e.sendAppend(p)
		}
		return
	}

	if e.metrics != nil {
		e.metrics.ReplicationAppendRejects.Inc()
	}
	next := m.MatchIndex + 1
	if p.NextIndex > 1 && p.NextIndex-1 < next {
		next = p.NextIndex - 1
	}
	if next <= p.MatchIndex {
		next = p.MatchIndex + 1
	}
	if next < 1 {
		next = 1
	}
	e.logger.Debug("append rejected, backing off",
		logging.PeerID(uint64(p.ID)),
		logging.Uint64("next_index", next),
		logging.Uint64("follower_match", m.MatchIndex))
	p.NextIndex = next
	e.sendAppend(p)
}

// advanceCommit commits the highest index of the current term stored on a
// strict majority of the voters
func (e *engine) advanceCommit() {
	if e.el.role != RoleLeader {
		return
	}
	voters, quorum := e.voters(), e.quorum()
	for n := e.log.LastIndex(); n > e.repl.commitIndex; n-- {
		t, err := e.log.Term(n)
		if err != nil || t < e.el.term {
			// Earlier terms commit only underneath an entry of this term
			return
		}
		if t > e.el.term {
			continue
		}
		count := 1
		for _, p := range voters {
			if p.MatchIndex >= n {
				count++
			}
		}
		if count >= quorum {
			e.setCommit(n)
			return
		}
	}
}
