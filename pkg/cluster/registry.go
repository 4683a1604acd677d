package cluster

import (
	"sort"
)

// UpsertResult tells the caller what merging a PeerInfo did
type UpsertResult uint8

const (
	// UpsertCreated added a previously unknown peer in state Seed
	UpsertCreated UpsertResult = iota
	// UpsertUpdated refreshed a peer with the same epoch
	UpsertUpdated
	// UpsertRestarted saw a higher epoch: the peer restarted and its statistics were reset
	UpsertRestarted
	// UpsertStale ignored information older than what is stored
	UpsertStale
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertCreated:
		return "created"
	case UpsertUpdated:
		return "updated"
	case UpsertRestarted:
		return "restarted"
	case UpsertStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Registry is the table of known peers keyed by id. It is owned by the
// engine and never blocks or performs I/O.
type Registry struct {
	peers      map[PeerID]*Peer
	windowSize int
}

// NewRegistry creates an empty registry whose peers keep windowSize RTT samples
func NewRegistry(windowSize int) *Registry {
	if windowSize <= 0 {
		windowSize = DefaultHeartbeatWindow
	}
	return &Registry{
		peers:      make(map[PeerID]*Peer),
		windowSize: windowSize,
	}
}

// Upsert merges gossip or seed information into the registry
func (r *Registry) Upsert(info PeerInfo) (*Peer, UpsertResult) {
	return r.merge(info, true)
}

// Observe merges the sender fields every envelope carries. Log position and
// hostname are left alone.
func (r *Registry) Observe(id PeerID, addr string, shard ShardID, epoch uint64) (*Peer, UpsertResult) {
	return r.merge(PeerInfo{ID: id, Addr: addr, Shard: shard, Epoch: epoch}, false)
}

func (r *Registry) merge(info PeerInfo, full bool) (*Peer, UpsertResult) {
	p, ok := r.peers[info.ID]
	if !ok {
		p = &Peer{
			ID:     info.ID,
			State:  PeerSeed,
			window: NewHeartbeatWindow(r.windowSize),
		}
		p.apply(info, full)
		// A peer learned second hand is assumed to have committed its whole log
		p.CommitIndex = p.LastLogIndex
		r.peers[info.ID] = p
		return p, UpsertCreated
	}

	switch {
	case info.Epoch < p.Epoch:
		return p, UpsertStale
	case info.Epoch > p.Epoch:
		p.resetStats()
		p.State = PeerSeed
		p.MatchIndex = 0
		p.apply(info, full)
		return p, UpsertRestarted
	default:
		p.apply(info, full)
		return p, UpsertUpdated
	}
}

func (p *Peer) apply(info PeerInfo, full bool) {
	p.Epoch = info.Epoch
	if info.Addr != "" {
		p.Addr = info.Addr
	}
	if info.Shard != NoShard {
		p.Shard = info.Shard
	}
	if !full {
		return
	}
	if info.Hostname != "" {
		p.Hostname = info.Hostname
	}
	p.Generation = info.Generation
	if info.LastLogIndex >= p.LastLogIndex || info.LastLogTerm > p.LastLogTerm {
		p.LastLogIndex = info.LastLogIndex
		p.LastLogTerm = info.LastLogTerm
	}
	if info.CommitIndex > p.CommitIndex {
		p.CommitIndex = info.CommitIndex
	}
	if p.CommitIndex > p.LastLogIndex {
		p.CommitIndex = p.LastLogIndex
	}
}

// Get returns the peer with id
func (r *Registry) Get(id PeerID) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// ListByShard returns the peers serving shard, ordered by id
func (r *Registry) ListByShard(shard ShardID) []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Shard == shard {
			out = append(out, p)
		}
	}
	sortPeers(out)
	return out
}

// All returns every known peer, ordered by id
func (r *Registry) All() []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sortPeers(out)
	return out
}

// Remove forgets a peer. Removing an unknown id is a no-op.
func (r *Registry) Remove(id PeerID) {
	delete(r.peers, id)
}

// Len returns the number of known peers
func (r *Registry) Len() int {
	return len(r.peers)
}

func sortPeers(peers []*Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
}
