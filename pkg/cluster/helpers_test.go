package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dd0wney/cluso-mail/pkg/logging"
	"github.com/dd0wney/cluso-mail/pkg/metrics"
	"github.com/dd0wney/cluso-mail/pkg/raftlog"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// manualClock only moves when told to
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: testStart}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixedRand always returns v, clamped into range
type fixedRand struct{ v int64 }

func (r fixedRand) Int63n(n int64) int64 {
	if r.v >= n {
		return n - 1
	}
	return r.v
}

func testAddr(id PeerID) string {
	return fmt.Sprintf("node-%d:7000", id)
}

// testConfig returns a config for peer id in shard with small, fast windows
func testConfig(id PeerID, shard ShardID) Config {
	cfg := DefaultConfig()
	cfg.PeerID = id
	cfg.ShardID = shard
	cfg.Addr = testAddr(id)
	cfg.Epoch = 1
	cfg.HeartbeatWindow = 8
	return cfg.withDefaults()
}

func newTestEngine(t *testing.T, cfg Config, store raftlog.Store, rnd Rand) *engine {
	t.Helper()
	if store == nil {
		store = raftlog.NewMemoryStore()
	}
	if rnd == nil {
		rnd = fixedRand{}
	}
	return newEngine(cfg, store, rnd, logging.NewNopLogger(), metrics.NewRegistry())
}

// startEngine starts e with no seeds and nothing applied
func startEngine(t *testing.T, e *engine, now time.Time, seeds ...Seed) {
	t.Helper()
	if err := e.start(now, seeds, 0); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
}

// envelopeFrom wraps msg as if sent by e
func envelopeFrom(e *engine, msg Message) *Envelope {
	return &Envelope{From: e.self, Addr: e.cfg.Addr, Shard: e.shard, Epoch: e.epoch, Msg: msg}
}

// outboxFor removes and returns the queued messages addressed to id
func outboxFor(e *engine, id PeerID) []Message {
	var out []Message
	var rest []outbound
	for _, o := range e.outbox {
		if o.to == id {
			out = append(out, o.msg)
		} else {
			rest = append(rest, o)
		}
	}
	e.outbox = rest
	return out
}

// appendTerms fills store with one entry per term in terms
func appendTerms(t *testing.T, store raftlog.Store, terms ...uint64) {
	t.Helper()
	for _, term := range terms {
		idx := store.LastIndex() + 1
		if err := store.Append(raftlog.Entry{Index: idx, Term: term, Payload: []byte(fmt.Sprintf("entry-%d", idx))}); err != nil {
			t.Fatalf("Failed to append entry %d: %v", idx, err)
		}
	}
}

// recordingApplier keeps applied payloads by index and can be told to fail
type recordingApplier struct {
	mu      sync.Mutex
	applied map[uint64][]byte
	order   []uint64
	calls   int
	failAt  uint64
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{applied: make(map[uint64][]byte)}
}

func (a *recordingApplier) Apply(_ context.Context, _ ShardID, index uint64, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failAt != 0 && index == a.failAt {
		return fmt.Errorf("refusing entry %d", index)
	}
	if _, ok := a.applied[index]; ok {
		return nil
	}
	a.applied[index] = append([]byte(nil), payload...)
	a.order = append(a.order, index)
	return nil
}

func (a *recordingApplier) LastAppliedIndex(context.Context, ShardID) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var last uint64
	for idx := range a.applied {
		last = max(last, idx)
	}
	return last, nil
}

func (a *recordingApplier) setFailAt(index uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAt = index
}

func (a *recordingApplier) appliedOrder() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.order...)
}

// applySync runs the engine's pending apply batch inline, the way the
// node's apply loop would
func applySync(e *engine, a Applier) {
	for {
		e.dispatchApply()
		b := e.takeApply()
		if b == nil {
			return
		}
		var res applyResult
		for _, ent := range b.entries {
			if len(ent.Payload) > 0 {
				if err := a.Apply(context.Background(), b.shard, ent.Index, ent.Payload); err != nil {
					res.err = err
					break
				}
			}
			res.lastApplied = ent.Index
		}
		e.applied(res)
		if res.err != nil {
			return
		}
	}
}

// pump delivers queued messages among engines in a fixed order until the
// network is quiet. Messages to engines not listed are discarded.
func pump(now time.Time, engines ...*engine) {
	byID := make(map[PeerID]*engine, len(engines))
	for _, e := range engines {
		byID[e.self] = e
	}
	for round := 0; round < 100; round++ {
		delivered := false
		for _, from := range engines {
			for _, out := range from.takeOutbox() {
				to, ok := byID[out.to]
				if !ok {
					continue
				}
				to.receive(now, envelopeFrom(from, out.msg))
				delivered = true
			}
		}
		if !delivered {
			return
		}
	}
}

// introduce makes every engine know every other one as an Alive shard peer
func introduce(engines ...*engine) {
	for _, a := range engines {
		for _, b := range engines {
			if a == b {
				continue
			}
			p, _ := a.registry.Upsert(PeerInfo{ID: b.self, Shard: b.shard, Addr: b.cfg.Addr, Epoch: b.epoch})
			p.State = PeerAlive
		}
	}
}

// makeLeader puts e in charge of its shard in term without an election
func makeLeader(e *engine, now time.Time, term uint64) {
	e.el.term = term
	e.el.votedFor = e.self
	e.el.role = RoleLeader
	e.el.leader = e.self
	e.el.leaderSince = now
	last := e.log.LastIndex()
	for _, p := range e.voters() {
		p.NextIndex = last + 1
		p.MatchIndex = 0
		p.lastAck = now
	}
}
