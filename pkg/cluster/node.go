package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-mail/pkg/logging"
	"github.com/dd0wney/cluso-mail/pkg/metrics"
	"github.com/dd0wney/cluso-mail/pkg/raftlog"
)

// systemMetricsInterval is how often uptime and goroutine gauges refresh
const systemMetricsInterval = 5 * time.Second

// Node runs the cluster coordination subsystem for one shard. All state
// lives in an engine owned by the goroutine running Run; the exported
// methods reach it through a command channel.
type Node struct {
	cfg       Config
	transport Transport
	applier   Applier
	clock     Clock
	rand      Rand
	logger    logging.Logger
	metrics   *metrics.Registry
	store     raftlog.Store
	ownsStore bool

	eng *engine

	cmds      chan func(now time.Time)
	applyCh   chan *applyBatch
	applyDone chan applyResult

	running   atomic.Bool
	stopped   chan struct{}
	startTime time.Time
}

// Option customizes a Node
type Option func(*Node)

// WithClock replaces the wall clock, for tests
func WithClock(c Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithRand pins the election timeout and gossip target sequence
func WithRand(r Rand) Option {
	return func(n *Node) { n.rand = r }
}

func WithLogger(l logging.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics records into reg instead of the process-wide registry
func WithMetrics(reg *metrics.Registry) Option {
	return func(n *Node) { n.metrics = reg }
}

// WithLogStore supplies the raft log. The caller keeps ownership and closes it.
func WithLogStore(s raftlog.Store) Option {
	return func(n *Node) { n.store = s }
}

// WithApplier sets the state machine committed entries are applied to
func WithApplier(a Applier) Option {
	return func(n *Node) { n.applier = a }
}

// NewNode validates cfg and prepares a node. Nothing runs until Run.
func NewNode(cfg Config, transport Transport, opts ...Option) (*Node, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		transport: transport,
		applier:   discardApplier{},
		clock:     systemClock{},
		logger:    logging.DefaultLogger(),
		cmds:      make(chan func(now time.Time)),
		applyCh:   make(chan *applyBatch, 1),
		applyDone: make(chan applyResult, 1),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metrics == nil {
		n.metrics = metrics.DefaultRegistry()
	}
	if n.rand == nil {
		n.rand = rand.New(rand.NewSource(n.clock.Now().UnixNano()))
	}

	n.startTime = n.clock.Now()
	if n.cfg.Epoch == 0 {
		n.cfg.Epoch = uint64(n.startTime.UnixMilli())
	}

	if n.store == nil {
		if n.cfg.DataDir != "" {
			fs, err := raftlog.NewFileStore(n.cfg.DataDir)
			if err != nil {
				return nil, fmt.Errorf("failed to open raft log: %w", err)
			}
			n.store = fs
		} else {
			n.store = raftlog.NewMemoryStore()
		}
		n.ownsStore = true
	}

	n.eng = newEngine(n.cfg, n.store, n.rand, n.logger.With(logging.Component("cluster")), n.metrics)
	return n, nil
}

// ID returns this node's peer id
func (n *Node) ID() PeerID {
	return n.cfg.PeerID
}

// Config returns the effective configuration, defaults applied
func (n *Node) Config() Config {
	return n.cfg
}

// Run drives the node until ctx is cancelled. On the way out it announces
// Leave to every peer and fails outstanding SubmitAndWait calls.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(n.stopped)
	if n.ownsStore {
		defer n.store.Close()
	}

	seeds, err := ParseSeeds(n.cfg.Seeds)
	if err != nil {
		return err
	}
	lastApplied, err := n.applier.LastAppliedIndex(ctx, n.cfg.ShardID)
	if err != nil {
		return fmt.Errorf("failed to read last applied index: %w", err)
	}
	if err := n.eng.start(n.clock.Now(), seeds, lastApplied); err != nil {
		return fmt.Errorf("failed to start cluster engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.ownerLoop(gctx) })
	g.Go(func() error { return n.applyLoop(gctx) })
	return g.Wait()
}

func (n *Node) ownerLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(systemMetricsInterval)
	defer statsTicker.Stop()

	recv := n.transport.Receive()
	n.flush(ctx)
	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return nil
		case <-ticker.C:
			n.eng.tick(n.clock.Now())
		case env, ok := <-recv:
			if !ok {
				n.shutdown()
				return ErrTransportClosed
			}
			n.eng.receive(n.clock.Now(), env)
		case cmd := <-n.cmds:
			cmd(n.clock.Now())
		case res := <-n.applyDone:
			n.eng.applied(res)
		case <-statsTicker.C:
			n.metrics.UpdateSystemMetrics(n.startTime)
		}
		n.flush(ctx)
	}
}

// flush hands the next apply batch to the apply loop and the outbox to
// the transport
func (n *Node) flush(ctx context.Context) {
	n.eng.dispatchApply()
	if b := n.eng.takeApply(); b != nil {
		// Capacity one and at most one batch in flight
		n.applyCh <- b
	}
	for _, out := range n.eng.takeOutbox() {
		n.deliver(ctx, out)
	}
}

func (n *Node) deliver(ctx context.Context, out outbound) {
	env := &Envelope{
		From:  n.cfg.PeerID,
		Addr:  n.cfg.Addr,
		Shard: n.cfg.ShardID,
		Epoch: n.cfg.Epoch,
		Msg:   out.msg,
	}
	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	kind := out.msg.Kind().String()
	if err := n.transport.Send(sendCtx, out.to, out.addr, env); err != nil {
		n.logger.Debug("send failed",
			logging.PeerID(uint64(out.to)),
			logging.String("type", kind),
			logging.Error(err))
		n.metrics.RecordSendFailure(kind)
		return
	}
	n.metrics.RecordMessageSent(kind)
}

// shutdown runs on the owner goroutine after ctx ends
func (n *Node) shutdown() {
	n.eng.leaveAll()
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	for _, out := range n.eng.takeOutbox() {
		n.deliver(ctx, out)
	}
	n.eng.failWaiters(ErrStopped)
}

// applyLoop calls the Applier for one batch at a time, stopping at the
// first error
func (n *Node) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-n.applyCh:
			res := n.applyBatch(ctx, b)
			select {
			case n.applyDone <- res:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (n *Node) applyBatch(ctx context.Context, b *applyBatch) applyResult {
	var res applyResult
	for _, ent := range b.entries {
		// Leader no-ops carry no payload and only advance the index
		if len(ent.Payload) > 0 {
			if err := n.applier.Apply(ctx, b.shard, ent.Index, ent.Payload); err != nil {
				res.err = err
				return res
			}
		}
		res.lastApplied = ent.Index
	}
	return res
}

// do runs fn on the owner goroutine and waits for it
func (n *Node) do(ctx context.Context, fn func(now time.Time)) error {
	done := make(chan struct{})
	cmd := func(now time.Time) {
		fn(now)
		close(done)
	}
	select {
	case n.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		return ErrStopped
	}
}

// CurrentLeader returns the leader of shard as known to this node
func (n *Node) CurrentLeader(ctx context.Context, shard ShardID) (PeerID, bool, error) {
	var (
		leader PeerID
		ok     bool
	)
	err := n.do(ctx, func(time.Time) {
		leader, ok = n.eng.currentLeader(shard)
	})
	return leader, ok, err
}

// IsLeader reports whether this node leads shard
func (n *Node) IsLeader(ctx context.Context, shard ShardID) (bool, error) {
	leader, ok, err := n.CurrentLeader(ctx, shard)
	return ok && leader == n.cfg.PeerID, err
}

// Submit appends payload to shard's log and returns its index without
// waiting for commitment. Followers answer with *NotLeaderError and a
// leaderless shard with ErrNoLeader.
func (n *Node) Submit(ctx context.Context, shard ShardID, payload []byte) (uint64, error) {
	var (
		index  uint64
		subErr error
	)
	if err := n.do(ctx, func(now time.Time) {
		index, subErr = n.eng.submit(now, shard, payload)
	}); err != nil {
		return 0, err
	}
	return index, subErr
}

// SubmitAndWait submits payload and waits until it is applied locally.
// ErrEntryDiscarded means a new leader replaced the entry before it committed.
func (n *Node) SubmitAndWait(ctx context.Context, shard ShardID, payload []byte) (uint64, error) {
	var (
		index  uint64
		subErr error
	)
	ch := make(chan error, 1)
	if err := n.do(ctx, func(now time.Time) {
		index, subErr = n.eng.submit(now, shard, payload)
		if subErr == nil {
			n.eng.addWaiter(index, n.eng.el.term, ch)
		}
	}); err != nil {
		return 0, err
	}
	if subErr != nil {
		return 0, subErr
	}

	select {
	case err := <-ch:
		return index, err
	case <-ctx.Done():
		return index, ctx.Err()
	case <-n.stopped:
		return index, ErrStopped
	}
}

// ClusterStatus returns a snapshot of the registry and the local shard
func (n *Node) ClusterStatus(ctx context.Context) (Status, error) {
	var st Status
	err := n.do(ctx, func(now time.Time) {
		st = n.eng.status(now)
	})
	return st, err
}

// ResumeApply lets a shard halted by an apply error retry the failed entry
func (n *Node) ResumeApply(ctx context.Context) error {
	return n.do(ctx, func(time.Time) {
		n.eng.resumeApply()
	})
}

// StepDown makes this node give up leadership of shard. Followers get
// *NotLeaderError.
func (n *Node) StepDown(ctx context.Context, shard ShardID) error {
	var stepErr error
	if err := n.do(ctx, func(now time.Time) {
		stepErr = n.eng.stepDown(now, shard)
	}); err != nil {
		return err
	}
	return stepErr
}
