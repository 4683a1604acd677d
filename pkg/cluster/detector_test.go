package cluster

import (
	"testing"
	"time"
)

const detectorPeer PeerID = 2

// heartbeatIn returns the heartbeat e queued for the detector peer, if any
func heartbeatIn(e *engine) *Heartbeat {
	for _, m := range outboxFor(e, detectorPeer) {
		if hb, ok := m.(*Heartbeat); ok {
			return hb
		}
	}
	return nil
}

func ackFromPeer(e *engine, now time.Time, epoch uint64, hb *Heartbeat) {
	e.receive(now, &Envelope{
		From:  detectorPeer,
		Addr:  testAddr(detectorPeer),
		Shard: e.shard,
		Epoch: epoch,
		Msg:   &HeartbeatAck{Epoch: epoch, Timestamp: hb.SentAt},
	})
}

// newDetectorEngine returns an engine whose only peer has answered one heartbeat
func newDetectorEngine(t *testing.T, cfg Config) (*engine, time.Time) {
	t.Helper()
	e := newTestEngine(t, cfg, nil, nil)
	now := testStart
	startEngine(t, e, now, Seed{ID: detectorPeer, Addr: testAddr(detectorPeer)})

	e.tick(now)
	hb := heartbeatIn(e)
	if hb == nil {
		t.Fatal("Expected a heartbeat to the seed on the first tick")
	}
	ackFromPeer(e, now, 1, hb)

	p, ok := e.registry.Get(detectorPeer)
	if !ok || p.State != PeerAlive {
		t.Fatalf("Expected seed to become alive after its first reply, got %+v", p)
	}
	return e, now
}

func peerState(t *testing.T, e *engine) PeerState {
	t.Helper()
	p, ok := e.registry.Get(detectorPeer)
	if !ok {
		t.Fatal("Peer missing from registry")
	}
	return p.State
}

// TestDetectorMissedDeadlines tests Alive -> Suspected -> Offline on
// consecutive missed deadlines
func TestDetectorMissedDeadlines(t *testing.T) {
	e, now := newDetectorEngine(t, testConfig(1, 1))
	timeout := e.cfg.InitialHeartbeatTimeout

	now = now.Add(e.cfg.HeartbeatInterval)
	e.tick(now)
	if heartbeatIn(e) == nil {
		t.Fatal("Expected a heartbeat once the interval elapsed")
	}

	now = now.Add(timeout + time.Millisecond)
	e.tick(now)
	if got := peerState(t, e); got != PeerSuspected {
		t.Fatalf("Expected suspected after one missed deadline, got %v", got)
	}
	if heartbeatIn(e) == nil {
		t.Fatal("Expected a new heartbeat after the missed one")
	}

	now = now.Add(timeout + time.Millisecond)
	e.tick(now)
	if got := peerState(t, e); got != PeerOffline {
		t.Fatalf("Expected offline after two missed deadlines, got %v", got)
	}
}

// TestDetectorIgnoresLateAck tests that an ack for a heartbeat that already
// missed its deadline neither answers the newer heartbeat nor adds a sample
func TestDetectorIgnoresLateAck(t *testing.T) {
	e, now := newDetectorEngine(t, testConfig(1, 1))
	timeout := e.cfg.InitialHeartbeatTimeout

	now = now.Add(e.cfg.HeartbeatInterval)
	e.tick(now)
	late := heartbeatIn(e)
	if late == nil {
		t.Fatal("Expected a heartbeat once the interval elapsed")
	}

	now = now.Add(timeout + time.Millisecond)
	e.tick(now)
	current := heartbeatIn(e)
	if current == nil {
		t.Fatal("Expected a new heartbeat after the missed one")
	}

	p, _ := e.registry.Get(detectorPeer)
	samples := p.window.Len()

	ackFromPeer(e, now.Add(time.Millisecond), 1, late)
	if p.State != PeerSuspected {
		t.Errorf("Expected the late ack to leave the peer suspected, got %v", p.State)
	}
	if p.pendingSince.IsZero() {
		t.Error("Expected the newer heartbeat to stay outstanding")
	}
	if p.window.Len() != samples {
		t.Errorf("Expected %d samples, got %d", samples, p.window.Len())
	}

	ackFromPeer(e, now.Add(2*time.Millisecond), 1, current)
	if p.State != PeerAlive {
		t.Errorf("Expected the current ack to revive the peer, got %v", p.State)
	}
	if !p.pendingSince.IsZero() {
		t.Error("Expected the current ack to clear the outstanding heartbeat")
	}
}

// TestDetectorAdaptiveDeadline tests that once the window fills the deadline
// follows the observed RTTs instead of the initial timeout
func TestDetectorAdaptiveDeadline(t *testing.T) {
	cfg := testConfig(1, 1)
	e, now := newDetectorEngine(t, cfg)

	for i := 1; i < cfg.HeartbeatWindow; i++ {
		now = now.Add(cfg.HeartbeatInterval)
		e.tick(now)
		hb := heartbeatIn(e)
		if hb == nil {
			t.Fatalf("Expected heartbeat %d", i)
		}
		now = now.Add(10 * time.Millisecond)
		ackFromPeer(e, now, 1, hb)
	}

	p, _ := e.registry.Get(detectorPeer)
	if !p.window.Full() {
		t.Fatalf("Expected a full window after %d samples, got %d", cfg.HeartbeatWindow, p.window.Len())
	}
	deadline := e.deadline(p)
	if deadline >= cfg.InitialHeartbeatTimeout {
		t.Fatalf("Expected adaptive deadline below %v, got %v", cfg.InitialHeartbeatTimeout, deadline)
	}

	now = now.Add(cfg.HeartbeatInterval)
	e.tick(now)
	now = now.Add(deadline + time.Millisecond)
	e.tick(now)
	if got := peerState(t, e); got != PeerSuspected {
		t.Errorf("Expected suspected after the adaptive deadline %v, got %v", deadline, got)
	}
}

// TestDetectorReadmitsOfflinePeer tests that a reply brings an offline peer
// back with fresh statistics
func TestDetectorReadmitsOfflinePeer(t *testing.T) {
	e, now := newDetectorEngine(t, testConfig(1, 1))
	p, _ := e.registry.Get(detectorPeer)
	p.State = PeerOffline
	p.OfflineSince = now

	now = now.Add(e.cfg.HeartbeatInterval)
	e.tick(now)
	hb := heartbeatIn(e)
	if hb == nil {
		t.Fatal("Offline peers should still be probed")
	}
	ackFromPeer(e, now.Add(time.Millisecond), 1, hb)

	if p.State != PeerAlive {
		t.Errorf("Expected readmitted peer to be alive, got %v", p.State)
	}
	if p.window.Len() != 1 {
		t.Errorf("Expected statistics reset to the single new sample, got %d samples", p.window.Len())
	}
	if !p.OfflineSince.IsZero() {
		t.Error("Expected OfflineSince cleared on readmission")
	}
}

// TestDetectorConnectionLost tests that a dropped connection suspects the peer
func TestDetectorConnectionLost(t *testing.T) {
	e, now := newDetectorEngine(t, testConfig(1, 1))
	now = now.Add(e.cfg.HeartbeatInterval)
	e.tick(now)

	e.receive(now, &Envelope{From: detectorPeer, Msg: &ConnectionLost{}})

	p, _ := e.registry.Get(detectorPeer)
	if p.State != PeerSuspected {
		t.Errorf("Expected suspected after connection loss, got %v", p.State)
	}
	if !p.pendingSince.IsZero() {
		t.Error("Expected the outstanding heartbeat to be cancelled")
	}
}

// TestDetectorLeave tests that a leaving peer is removed and not resurrected by gossip
func TestDetectorLeave(t *testing.T) {
	e, now := newDetectorEngine(t, testConfig(1, 1))

	e.receive(now, &Envelope{From: detectorPeer, Addr: testAddr(detectorPeer), Shard: 1, Epoch: 1, Msg: &Leave{Epoch: 1}})
	if got := peerState(t, e); got != PeerLeft {
		t.Fatalf("Expected left, got %v", got)
	}

	now = now.Add(e.cfg.TickInterval)
	e.tick(now)
	if _, ok := e.registry.Get(detectorPeer); ok {
		t.Fatal("Expected the departed peer to be removed")
	}

	stale := &PeerInfoExchange{Peers: []PeerInfo{{ID: detectorPeer, Shard: 1, Addr: testAddr(detectorPeer), Epoch: 1}}}
	e.receive(now, &Envelope{From: 3, Addr: testAddr(3), Shard: 1, Epoch: 1, Msg: stale})
	if _, ok := e.registry.Get(detectorPeer); ok {
		t.Error("Gossip about a departed peer must not bring it back")
	}
}

// TestDetectorStaleEpoch tests that messages from an earlier run are dropped
func TestDetectorStaleEpoch(t *testing.T) {
	cfg := testConfig(1, 1)
	e := newTestEngine(t, cfg, nil, nil)
	startEngine(t, e, testStart)
	e.receive(testStart, &Envelope{From: detectorPeer, Addr: testAddr(detectorPeer), Shard: 1, Epoch: 5, Msg: &Heartbeat{Epoch: 5, SentAt: 1}})

	e.receive(testStart, &Envelope{From: detectorPeer, Addr: testAddr(detectorPeer), Shard: 1, Epoch: 4, Msg: &Leave{Epoch: 4}})

	p, ok := e.registry.Get(detectorPeer)
	if !ok {
		t.Fatal("Expected peer to be registered")
	}
	if p.State == PeerLeft {
		t.Error("Leave from an earlier epoch must be ignored")
	}
	if p.Epoch != 5 {
		t.Errorf("Expected epoch 5, got %d", p.Epoch)
	}
}

// TestDetectorGarbageCollectsOffline tests removal of long-offline peers
func TestDetectorGarbageCollectsOffline(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.OfflineGCAfter = 5 * time.Second
	e, now := newDetectorEngine(t, cfg)

	p, _ := e.registry.Get(detectorPeer)
	p.State = PeerOffline
	p.OfflineSince = now

	e.tick(now.Add(4 * time.Second))
	if _, ok := e.registry.Get(detectorPeer); !ok {
		t.Fatal("Peer removed before OfflineGCAfter elapsed")
	}
	e.tick(now.Add(6 * time.Second))
	if _, ok := e.registry.Get(detectorPeer); ok {
		t.Error("Expected peer to be garbage collected")
	}
}

// TestPeerTransitionTable tests the transition table against the lifecycle rules
func TestPeerTransitionTable(t *testing.T) {
	tests := []struct {
		from    PeerState
		event   PeerEvent
		to      PeerState
		readmit bool
	}{
		{PeerSeed, EventReply, PeerAlive, false},
		{PeerAlive, EventDeadlineMissed, PeerSuspected, false},
		{PeerSuspected, EventReply, PeerAlive, false},
		{PeerSuspected, EventDeadlineMissed, PeerOffline, false},
		{PeerAlive, EventConnectionLost, PeerSuspected, false},
		{PeerOffline, EventReply, PeerAlive, true},
		{PeerLeft, EventReply, PeerAlive, true},
		{PeerSeed, EventLeave, PeerLeft, false},
		{PeerOffline, EventLeave, PeerLeft, false},
		{PeerOffline, EventDeadlineMissed, PeerOffline, false},
	}
	for _, tt := range tests {
		to, readmit := nextPeerState(tt.from, tt.event)
		if to != tt.to || readmit != tt.readmit {
			t.Errorf("%v on %v: expected (%v, %v), got (%v, %v)", tt.from, tt.event, tt.to, tt.readmit, to, readmit)
		}
	}
}
