package cluster

import (
	"time"

	"github.com/dd0wney/cluso-mail/pkg/logging"
)

// gossipTick pushes this node's membership view to a few random peers every
// GossipInterval, and sooner when the view changed and the limiter allows
func (e *engine) gossipTick(now time.Time) {
	periodic := !now.Before(e.nextGossip)
	if !periodic && !(e.gossipDirty && e.gossipLimiter.AllowN(now, 1)) {
		return
	}
	if periodic {
		e.nextGossip = now.Add(e.cfg.GossipInterval)
	}
	e.gossipDirty = false

	targets := e.gossipTargets()
	if len(targets) == 0 {
		return
	}
	msg := e.peerInfoExchange()
	for _, p := range targets {
		e.send(p, msg)
	}
}

// gossipTargets picks up to GossipFanout reachable peers at random
func (e *engine) gossipTargets() []*Peer {
	var candidates []*Peer
	for _, p := range e.registry.All() {
		if !p.IsOffline() && p.Addr != "" {
			candidates = append(candidates, p)
		}
	}
	n := min(e.cfg.GossipFanout, len(candidates))
	// Partial Fisher-Yates over the id-sorted list
	for i := 0; i < n; i++ {
		j := i + int(e.rand.Int63n(int64(len(candidates)-i)))
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	return candidates[:n]
}

// peerInfoExchange describes self and every peer that has not left
func (e *engine) peerInfoExchange() *PeerInfoExchange {
	peers := e.registry.All()
	out := make([]PeerInfo, 0, len(peers)+1)
	out = append(out, e.selfInfo())
	for _, p := range peers {
		if p.State == PeerLeft {
			continue
		}
		info := p.info()
		if h, ok := e.leaders[p.Shard]; ok && p.Shard != e.shard {
			info.Leader, info.Term = h.leader, h.term
		}
		out = append(out, info)
	}
	return &PeerInfoExchange{Peers: out}
}

// handlePeerInfo merges a gossiped view into the registry
func (e *engine) handlePeerInfo(now time.Time, from *Peer, m *PeerInfoExchange) {
	for _, info := range m.Peers {
		if info.ID == e.self || info.ID == 0 {
			continue
		}
		e.learnLeader(info)

		if epoch, ok := e.departed[info.ID]; ok {
			if info.Epoch <= epoch {
				continue
			}
			delete(e.departed, info.ID)
		}

		p, res := e.registry.Upsert(info)
		switch res {
		case UpsertCreated, UpsertRestarted:
			e.logger.Debug("peer introduced by gossip",
				logging.PeerID(uint64(info.ID)),
				logging.Uint64("via", uint64(from.ID)))
			e.onPeerAdmitted(now, p, res)
		}
	}
}

// learnLeader records the leader another shard advertises. The local
// shard's leader is only ever set by the election.
func (e *engine) learnLeader(info PeerInfo) {
	if info.Shard == NoShard || info.Shard == e.shard || info.Leader == 0 {
		return
	}
	h, ok := e.leaders[info.Shard]
	if ok && info.Term < h.term {
		return
	}
	if !ok || h.leader != info.Leader {
		e.logger.Debug("learned shard leader",
			logging.ShardID(uint32(info.Shard)),
			logging.PeerID(uint64(info.Leader)),
			logging.Term(info.Term))
	}
	e.leaders[info.Shard] = leaderHint{leader: info.Leader, term: info.Term}
}
