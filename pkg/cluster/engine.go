package cluster

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/dd0wney/cluso-mail/pkg/logging"
	"github.com/dd0wney/cluso-mail/pkg/metrics"
	"github.com/dd0wney/cluso-mail/pkg/raftlog"
)

// outbound is a message waiting in the outbox
type outbound struct {
	to   PeerID
	addr string
	msg  Message
}

// engine is the serialized cluster state: registry, election, replicated
// log and gossip. Every method runs on the Node's owner loop and takes the
// current time as an argument; nothing here blocks or performs network I/O.
type engine struct {
	cfg   Config
	self  PeerID
	shard ShardID
	epoch uint64

	rand    Rand
	logger  logging.Logger
	metrics *metrics.Registry

	registry *Registry
	log      raftlog.Store

	el      election
	leaders map[ShardID]leaderHint

	// departed remembers the epoch of removed peers so gossip from nodes
	// that have not noticed yet cannot resurrect them
	departed map[PeerID]uint64

	repl replication

	gossipLimiter *rate.Limiter
	nextGossip    time.Time
	gossipDirty   bool

	outbox []outbound
}

func newEngine(cfg Config, store raftlog.Store, rnd Rand, logger logging.Logger, reg *metrics.Registry) *engine {
	return &engine{
		cfg:      cfg,
		self:     cfg.PeerID,
		shard:    cfg.ShardID,
		epoch:    cfg.Epoch,
		rand:     rnd,
		logger:   logger.With(logging.PeerID(uint64(cfg.PeerID)), logging.ShardID(uint32(cfg.ShardID))),
		metrics:  reg,
		registry: NewRegistry(cfg.HeartbeatWindow),
		log:      store,
		leaders:  make(map[ShardID]leaderHint),
		departed: make(map[PeerID]uint64),
		repl: replication{
			waiters: make(map[uint64][]waiter),
		},
		gossipLimiter: rate.NewLimiter(rate.Every(cfg.GossipInterval/4), 1),
	}
}

// start restores durable state and registers the seeds. lastApplied comes
// from the Applier.
func (e *engine) start(now time.Time, seeds []Seed, lastApplied uint64) error {
	hs, err := e.log.LoadHardState()
	if err != nil {
		return err
	}
	e.el.term = hs.Term
	e.el.votedFor = PeerID(hs.VotedFor)
	e.el.role = RoleFollower
	e.el.deadline = now.Add(e.randomElectionTimeout())

	e.repl.lastApplied = lastApplied
	e.repl.commitIndex = min(lastApplied, e.log.LastIndex())

	for _, s := range seeds {
		if s.ID == e.self {
			continue
		}
		e.registry.Upsert(PeerInfo{ID: s.ID, Addr: s.Addr, Shard: NoShard})
	}

	e.logger.Info("cluster engine started",
		logging.Epoch(e.epoch),
		logging.Term(e.el.term),
		logging.Index(e.log.LastIndex()),
		logging.Uint64("last_applied", lastApplied),
		logging.Int("seeds", len(seeds)))

	if e.metrics != nil {
		e.metrics.ClusterEpoch.Set(float64(e.epoch))
		e.metrics.SetTerm(uint32(e.shard), e.el.term)
		e.metrics.SetClusterRole(uint32(e.shard), e.el.role.String())
	}
	return nil
}

// tick advances every timer-driven part of the engine
func (e *engine) tick(now time.Time) {
	e.detectorTick(now)
	e.electionTick(now)
	e.replicationTick(now)
	e.gossipTick(now)
	e.dispatchApply()
	e.updateMetrics()
}

// receive dispatches one inbound envelope
func (e *engine) receive(now time.Time, env *Envelope) {
	if env == nil || env.Msg == nil || env.From == e.self || env.From == 0 {
		return
	}

	if _, ok := env.Msg.(*ConnectionLost); ok {
		e.handleConnectionLost(now, env.From)
		return
	}

	// Hearing from a removed peer directly is proof it is back
	delete(e.departed, env.From)
	p, res := e.registry.Observe(env.From, env.Addr, env.Shard, env.Epoch)
	switch res {
	case UpsertStale:
		e.logger.Debug("dropping message from an earlier epoch",
			logging.PeerID(uint64(env.From)),
			logging.Epoch(env.Epoch),
			logging.String("type", env.Msg.Kind().String()))
		e.recordDropped("stale_epoch")
		return
	case UpsertCreated, UpsertRestarted:
		e.onPeerAdmitted(now, p, res)
	}
	if e.metrics != nil {
		e.metrics.RecordMessageReceived(env.Msg.Kind().String())
	}

	switch m := env.Msg.(type) {
	case *Heartbeat:
		e.handleHeartbeat(p, m)
	case *HeartbeatAck:
		e.handleHeartbeatAck(now, p, m)
	case *PeerInfoExchange:
		e.handlePeerInfo(now, p, m)
	case *Leave:
		e.handleLeave(now, p, m)
	case *RequestVote, *VoteGranted, *AppendEntries, *AppendAck:
		if p.Shard != e.shard {
			e.logger.Debug("dropping shard message from another shard",
				logging.PeerID(uint64(p.ID)),
				logging.Uint64("peer_shard", uint64(p.Shard)))
			e.recordDropped("foreign_shard")
			return
		}
		e.receiveShardMessage(now, p, m)
	}
}

func (e *engine) receiveShardMessage(now time.Time, p *Peer, msg Message) {
	switch m := msg.(type) {
	case *RequestVote:
		e.handleRequestVote(now, p, m)
	case *VoteGranted:
		e.handleVoteGranted(now, p, m)
	case *AppendEntries:
		e.handleAppendEntries(now, p, m)
	case *AppendAck:
		e.handleAppendAck(now, p, m)
	}
}

// onPeerAdmitted handles a peer that is new or came back with a new epoch
func (e *engine) onPeerAdmitted(now time.Time, p *Peer, res UpsertResult) {
	e.logger.Info("peer admitted",
		logging.PeerID(uint64(p.ID)),
		logging.Addr(p.Addr),
		logging.Epoch(p.Epoch),
		logging.String("result", res.String()))

	if e.el.role == RoleLeader && p.Shard == e.shard {
		p.NextIndex = e.log.LastIndex() + 1
		p.MatchIndex = 0
		p.lastAck = now
	}
	if res == UpsertRestarted && p.ID == e.el.leader {
		e.el.leader = 0
	}
	e.gossipDirty = true
}

// send queues msg for p
func (e *engine) send(p *Peer, msg Message) {
	if p.Addr == "" {
		return
	}
	e.outbox = append(e.outbox, outbound{to: p.ID, addr: p.Addr, msg: msg})
}

// takeOutbox hands the queued messages to the caller and clears the outbox
func (e *engine) takeOutbox() []outbound {
	out := e.outbox
	e.outbox = nil
	return out
}

// voters are the members that count toward quorum: every shard peer that
// has not left, plus seeds whose shard is still unknown. Self is implied.
// Counting unresolved seeds can only raise the quorum, so a node that has
// not heard from its seeds yet cannot elect itself alone. Suspected and
// Offline peers stay in the count on purpose: shrinking the denominator to
// healthy peers would let both sides of a partition reach a majority.
func (e *engine) voters() []*Peer {
	var out []*Peer
	for _, p := range e.registry.All() {
		if p.State == PeerLeft {
			continue
		}
		if p.Shard == e.shard || p.Shard == NoShard {
			out = append(out, p)
		}
	}
	return out
}

// quorum is a strict majority of the voters, self included
func (e *engine) quorum() int {
	return (len(e.voters())+1)/2 + 1
}

// healthyVoters counts self plus the Alive or Suspected voters
func (e *engine) healthyVoters() int {
	n := 1
	for _, p := range e.voters() {
		if p.IsHealthy() {
			n++
		}
	}
	return n
}

func (e *engine) randomElectionTimeout() time.Duration {
	span := int64(e.cfg.ElectionTimeoutMax - e.cfg.ElectionTimeoutMin)
	if span <= 0 {
		return e.cfg.ElectionTimeoutMin
	}
	return e.cfg.ElectionTimeoutMin + time.Duration(e.rand.Int63n(span))
}

func (e *engine) persistHardState() error {
	return e.log.SaveHardState(raftlog.HardState{Term: e.el.term, VotedFor: uint64(e.el.votedFor)})
}

func (e *engine) recordDropped(reason string) {
	if e.metrics != nil {
		e.metrics.RecordDropped(reason)
	}
}

func (e *engine) updateMetrics() {
	if e.metrics == nil {
		return
	}
	counts := make(map[string]int, numPeerStates)
	for _, p := range e.registry.All() {
		counts[p.State.String()]++
	}
	e.metrics.SetPeerCounts(PeerStateNames(), counts)
	e.metrics.SetLeader(uint32(e.shard), uint64(e.el.leader))
	e.metrics.UpdateReplicationMetrics(uint32(e.shard), e.log.LastIndex(), e.repl.commitIndex, e.repl.lastApplied)
}

// selfInfo describes this node for gossip
func (e *engine) selfInfo() PeerInfo {
	return PeerInfo{
		ID:           e.self,
		Shard:        e.shard,
		Addr:         e.cfg.Addr,
		Hostname:     e.cfg.Hostname,
		Epoch:        e.epoch,
		Generation:   e.cfg.Generation,
		LastLogIndex: e.log.LastIndex(),
		LastLogTerm:  e.log.LastTerm(),
		CommitIndex:  e.repl.commitIndex,
		Leader:       e.el.leader,
		Term:         e.el.term,
	}
}
