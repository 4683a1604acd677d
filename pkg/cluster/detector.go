package cluster

import (
	"time"

	"github.com/dd0wney/cluso-mail/pkg/logging"
)

// deadline is the adaptive heartbeat timeout currently applied to p
func (e *engine) deadline(p *Peer) time.Duration {
	return p.window.Deadline(e.cfg.InitialHeartbeatTimeout, e.cfg.MinHeartbeatTimeout, e.cfg.Sensitivity)
}

// detectorTick expires overdue heartbeats, probes idle peers and forgets
// peers that left or stayed offline too long
func (e *engine) detectorTick(now time.Time) {
	for _, p := range e.registry.All() {
		if p.State == PeerLeft {
			e.forgetPeer(p, "left")
			continue
		}
		if p.State == PeerOffline && now.Sub(p.OfflineSince) > e.cfg.OfflineGCAfter {
			e.forgetPeer(p, "offline too long")
			continue
		}

		if !p.pendingSince.IsZero() && now.Sub(p.pendingSince) > e.deadline(p) {
			p.pendingSince = time.Time{}
			e.applyPeerEvent(now, p, EventDeadlineMissed)
		}

		if p.pendingSince.IsZero() && now.Sub(p.lastProbe) >= e.cfg.HeartbeatInterval {
			p.pendingSince = now
			p.lastProbe = now
			e.send(p, &Heartbeat{Epoch: e.epoch, SentAt: now.UnixMicro()})
		}
	}
}

func (e *engine) handleHeartbeat(p *Peer, m *Heartbeat) {
	e.send(p, &HeartbeatAck{Epoch: e.epoch, Timestamp: m.SentAt})
}

// handleHeartbeatAck measures the round trip and feeds the reply to the
// state machine
func (e *engine) handleHeartbeatAck(now time.Time, p *Peer, m *HeartbeatAck) {
	if m.Timestamp <= 0 {
		return
	}
	// An ack for a heartbeat that already missed its deadline says nothing
	// about the probe now outstanding
	if !p.pendingSince.IsZero() && m.Timestamp < p.pendingSince.UnixMicro() {
		return
	}
	rtt := time.Duration(now.UnixMicro()-m.Timestamp) * time.Microsecond
	if rtt < 0 {
		rtt = 0
	}

	p.pendingSince = time.Time{}
	p.LastReply = now
	// Readmission clears the window, so the sample goes in afterwards
	e.applyPeerEvent(now, p, EventReply)
	p.window.Push(rtt)

	if e.metrics != nil {
		e.metrics.ObserveHeartbeatRTT(rtt)
		e.metrics.SetHeartbeatTimeout(uint64(p.ID), e.deadline(p))
	}
}

// handleConnectionLost cancels the outstanding heartbeat and suspects the peer
func (e *engine) handleConnectionLost(now time.Time, id PeerID) {
	p, ok := e.registry.Get(id)
	if !ok {
		return
	}
	p.pendingSince = time.Time{}
	e.applyPeerEvent(now, p, EventConnectionLost)
}

func (e *engine) handleLeave(now time.Time, p *Peer, m *Leave) {
	if m.Epoch < p.Epoch {
		return
	}
	e.applyPeerEvent(now, p, EventLeave)
}

// applyPeerEvent runs the transition table and reports state changes to
// the election and gossip
func (e *engine) applyPeerEvent(now time.Time, p *Peer, ev PeerEvent) {
	from := p.State
	to, readmit := nextPeerState(from, ev)
	if readmit {
		p.resetStats()
		e.logger.Info("peer readmitted", logging.PeerID(uint64(p.ID)), logging.State(from))
	}
	if to == from && !readmit {
		return
	}
	p.State = to

	switch to {
	case PeerOffline:
		p.OfflineSince = now
	case PeerAlive:
		p.OfflineSince = time.Time{}
	}

	fields := []logging.Field{
		logging.PeerID(uint64(p.ID)),
		logging.String("from", from.String()),
		logging.State(to),
		logging.String("event", ev.String()),
	}
	switch to {
	case PeerSuspected, PeerOffline:
		e.logger.Warn("peer state changed", append(fields, logging.Duration("deadline", e.deadline(p)))...)
	default:
		e.logger.Info("peer state changed", fields...)
	}
	if e.metrics != nil {
		e.metrics.RecordPeerTransition(from.String(), to.String())
	}

	e.onPeerTransition(now, p, from, to)
	e.gossipDirty = true
}

// forgetPeer removes p from the registry
func (e *engine) forgetPeer(p *Peer, reason string) {
	e.registry.Remove(p.ID)
	e.departed[p.ID] = p.Epoch
	if p.ID == e.el.leader {
		e.el.leader = 0
	}
	e.logger.Info("peer removed", logging.PeerID(uint64(p.ID)), logging.String("reason", reason))
	if e.metrics != nil {
		e.metrics.ForgetPeer(uint64(p.ID))
	}
	e.gossipDirty = true
}

// leaveAll announces a graceful shutdown to every known peer
func (e *engine) leaveAll() {
	msg := &Leave{Epoch: e.epoch}
	for _, p := range e.registry.All() {
		if p.State != PeerLeft {
			e.send(p, msg)
		}
	}
	e.logger.Info("leaving cluster", logging.Int("peers", e.registry.Len()))
}
