package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/dd0wney/cluso-mail/pkg/raftlog"
)

// exchangeAppends plays AppendEntries/AppendAck between leader l and
// follower f until neither has anything to say, returning the PrevIndex of
// every AppendEntries sent
func exchangeAppends(t *testing.T, l, f *engine) []uint64 {
	t.Helper()
	var prevs []uint64
	for round := 0; round < 20; round++ {
		toF := outboxFor(l, f.self)
		for _, m := range toF {
			if ae, ok := m.(*AppendEntries); ok {
				prevs = append(prevs, ae.PrevIndex)
			}
			f.receive(testStart, envelopeFrom(l, m))
		}
		toL := outboxFor(f, l.self)
		for _, m := range toL {
			l.receive(testStart, envelopeFrom(f, m))
		}
		if len(toF) == 0 && len(toL) == 0 {
			return prevs
		}
	}
	t.Fatal("Append exchange did not settle")
	return nil
}

func newPair(t *testing.T, leaderTerms, followerTerms []uint64) (*engine, *engine) {
	t.Helper()
	ls, fs := raftlog.NewMemoryStore(), raftlog.NewMemoryStore()
	appendTerms(t, ls, leaderTerms...)
	appendTerms(t, fs, followerTerms...)
	l := newTestEngine(t, testConfig(1, 1), ls, nil)
	f := newTestEngine(t, testConfig(2, 1), fs, nil)
	startEngine(t, l, testStart)
	startEngine(t, f, testStart)
	introduce(l, f)
	return l, f
}

// TestLogMatchingBackoff tests a leader at index 10 catching up a follower at 7
func TestLogMatchingBackoff(t *testing.T) {
	l, f := newPair(t,
		[]uint64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		[]uint64{1, 1, 1, 1, 1, 1, 1})
	makeLeader(l, testStart, 1)

	p, _ := l.registry.Get(f.self)
	l.sendAppend(p)
	prevs := exchangeAppends(t, l, f)

	if len(prevs) < 2 || prevs[0] != 10 || prevs[len(prevs)-1] != 7 {
		t.Fatalf("Expected retries from prev_index 10 down to 7, got %v", prevs)
	}
	for i := 1; i < len(prevs); i++ {
		if prevs[i] >= prevs[i-1] {
			t.Errorf("prev_index did not decrease: %v", prevs)
		}
	}
	if f.log.LastIndex() != 10 {
		t.Errorf("Expected follower caught up to 10, got %d", f.log.LastIndex())
	}
	if p.MatchIndex != 10 || p.NextIndex != 11 {
		t.Errorf("Expected match 10 next 11, got match %d next %d", p.MatchIndex, p.NextIndex)
	}
	if l.repl.commitIndex != 10 {
		t.Errorf("Expected leader commit 10, got %d", l.repl.commitIndex)
	}

	// The next round carries the commit index to the follower
	l.broadcastAppend(testStart)
	exchangeAppends(t, l, f)
	if f.repl.commitIndex != 10 {
		t.Errorf("Expected follower commit 10, got %d", f.repl.commitIndex)
	}
}

// TestLogMatchingTruncatesConflicts tests that a diverged suffix is replaced
func TestLogMatchingTruncatesConflicts(t *testing.T) {
	l, f := newPair(t,
		[]uint64{1, 1, 1, 1, 1, 2, 2, 2, 2, 2},
		[]uint64{1, 1, 1, 1, 1, 1, 1})
	makeLeader(l, testStart, 3)

	p, _ := l.registry.Get(f.self)
	l.sendAppend(p)
	prevs := exchangeAppends(t, l, f)

	if prevs[len(prevs)-1] != 5 {
		t.Errorf("Expected the follower to accept at prev_index 5, got %v", prevs)
	}
	if f.log.LastIndex() != 10 {
		t.Fatalf("Expected follower log of 10 entries, got %d", f.log.LastIndex())
	}
	for idx := uint64(1); idx <= 10; idx++ {
		lt, _ := l.log.Term(idx)
		ft, _ := f.log.Term(idx)
		if lt != ft {
			t.Errorf("Index %d: leader term %d, follower term %d", idx, lt, ft)
		}
	}
	// Entries of earlier terms only commit beneath one of the leader's own term
	if l.repl.commitIndex != 0 {
		t.Errorf("Expected no commit without a current-term entry, got %d", l.repl.commitIndex)
	}
}

// TestFollowerCommitNeverDecreases tests that stale appends do not roll back progress
func TestFollowerCommitNeverDecreases(t *testing.T) {
	l, f := newPair(t, []uint64{1, 1, 1, 1, 1}, []uint64{1, 1, 1, 1, 1})
	makeLeader(l, testStart, 1)
	f.repl.commitIndex = 5

	f.receive(testStart, envelopeFrom(l, &AppendEntries{Term: 1, PrevIndex: 5, PrevTerm: 1, LeaderCommit: 3}))
	if f.repl.commitIndex != 5 {
		t.Errorf("Expected commit to stay at 5, got %d", f.repl.commitIndex)
	}

	entries, _ := l.log.Entries(3, 4, 0)
	f.receive(testStart, envelopeFrom(l, &AppendEntries{Term: 1, PrevIndex: 2, PrevTerm: 1, Entries: entries, LeaderCommit: 5}))
	if f.log.LastIndex() != 5 {
		t.Errorf("A reordered append must not truncate matching entries, log at %d", f.log.LastIndex())
	}
	if f.repl.commitIndex != 5 {
		t.Errorf("Expected commit to stay at 5, got %d", f.repl.commitIndex)
	}
}

// TestSubmitErrors tests the errors callers see from non-leaders
func TestSubmitErrors(t *testing.T) {
	l, f := newPair(t, nil, nil)

	if _, err := f.submit(testStart, 1, []byte("x")); err != ErrNoLeader {
		t.Errorf("Expected ErrNoLeader, got %v", err)
	}

	makeLeader(l, testStart, 1)
	f.el.term = 1
	f.el.leader = l.self
	_, err := f.submit(testStart, 1, []byte("x"))
	var nle *NotLeaderError
	if !errors.As(err, &nle) {
		t.Fatalf("Expected *NotLeaderError, got %v", err)
	}
	if nle.Leader != l.self || nle.Addr != l.cfg.Addr {
		t.Errorf("Expected redirect to %d at %s, got %d at %s", l.self, l.cfg.Addr, nle.Leader, nle.Addr)
	}
	if !errors.Is(err, ErrNotLeader) {
		t.Error("Expected NotLeaderError to match ErrNotLeader")
	}

	if _, err := l.submit(testStart, 1, nil); err != ErrEmptyPayload {
		t.Errorf("Expected ErrEmptyPayload, got %v", err)
	}
	if _, err := l.submit(testStart, 9, []byte("x")); err != ErrUnknownShard {
		t.Errorf("Expected ErrUnknownShard, got %v", err)
	}
	idx, err := l.submit(testStart, 1, []byte("x"))
	if err != nil || idx != 1 {
		t.Errorf("Expected index 1, got %d (%v)", idx, err)
	}
}

// newSoloLeader returns a single-member shard that has elected itself
func newSoloLeader(t *testing.T) *engine {
	t.Helper()
	e := newTestEngine(t, testConfig(1, 1), nil, nil)
	startEngine(t, e, testStart)
	e.tick(testStart.Add(e.cfg.ElectionTimeoutMax))
	if e.el.role != RoleLeader {
		t.Fatalf("Expected solo node to lead, got %v", e.el.role)
	}
	return e
}

// TestApplyInOrderExactlyOnce tests that committed entries reach the applier once, in order
func TestApplyInOrderExactlyOnce(t *testing.T) {
	e := newSoloLeader(t)
	app := newRecordingApplier()

	for _, payload := range []string{"a", "b", "c"} {
		if _, err := e.submit(testStart, 1, []byte(payload)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	applySync(e, app)
	applySync(e, app)

	got := app.appliedOrder()
	want := []uint64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Expected applied %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected applied %v, got %v", want, got)
		}
	}
	if app.calls != 3 {
		t.Errorf("Expected 3 Apply calls, got %d", app.calls)
	}
	if e.repl.lastApplied != 4 {
		t.Errorf("Expected last applied 4, got %d", e.repl.lastApplied)
	}

	// Re-delivering an applied index leaves the state machine unchanged
	if err := app.Apply(context.Background(), 1, 3, []byte("other")); err != nil {
		t.Fatalf("Re-delivery failed: %v", err)
	}
	if string(app.applied[3]) != "b" {
		t.Errorf("Re-delivery changed index 3 to %q", app.applied[3])
	}
}

// TestApplyHaltsOnError tests that an apply failure stops the shard until resumed
func TestApplyHaltsOnError(t *testing.T) {
	e := newSoloLeader(t)
	app := newRecordingApplier()
	app.setFailAt(3)

	for _, payload := range []string{"a", "b", "c"} {
		if _, err := e.submit(testStart, 1, []byte(payload)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	applySync(e, app)

	if e.repl.applyErr == nil {
		t.Fatal("Expected apply to be halted")
	}
	if e.repl.applyErr.Index != 3 || !errors.Is(e.repl.applyErr, ErrApplyHalted) {
		t.Errorf("Unexpected apply error: %v", e.repl.applyErr)
	}
	if e.repl.lastApplied != 2 {
		t.Errorf("Expected last applied 2, got %d", e.repl.lastApplied)
	}
	if st := e.status(testStart); st.Shard.ApplyError == "" {
		t.Error("Expected status to report the apply error")
	}

	ch := make(chan error, 1)
	e.addWaiter(4, e.el.term, ch)
	if err := <-ch; !errors.Is(err, ErrApplyHalted) {
		t.Errorf("Expected waiter to see ErrApplyHalted, got %v", err)
	}

	applySync(e, app)
	if len(app.appliedOrder()) != 1 {
		t.Fatalf("Apply continued while halted: %v", app.appliedOrder())
	}

	app.setFailAt(0)
	e.resumeApply()
	applySync(e, app)
	if e.repl.lastApplied != 4 || e.repl.applyErr != nil {
		t.Errorf("Expected resume to apply through 4, got last applied %d, err %v", e.repl.lastApplied, e.repl.applyErr)
	}
}

// TestWaitersSeeDiscardedEntries tests SubmitAndWait's term check
func TestWaitersSeeDiscardedEntries(t *testing.T) {
	e := newSoloLeader(t)
	app := newRecordingApplier()

	idx, _ := e.submit(testStart, 1, []byte("a"))
	pending := make(chan error, 1)
	e.addWaiter(idx, e.el.term, pending)
	select {
	case err := <-pending:
		t.Fatalf("Waiter answered before apply: %v", err)
	default:
	}

	applySync(e, app)
	if err := <-pending; err != nil {
		t.Errorf("Expected waiter released cleanly, got %v", err)
	}

	replaced := make(chan error, 1)
	e.addWaiter(idx, e.el.term+1, replaced)
	if err := <-replaced; err != ErrEntryDiscarded {
		t.Errorf("Expected ErrEntryDiscarded, got %v", err)
	}
}

// TestRecoveryFromApplierIndex tests restart state comes from the applier and hard state
func TestRecoveryFromApplierIndex(t *testing.T) {
	store := raftlog.NewMemoryStore()
	appendTerms(t, store, 1, 1, 1, 2, 2)
	if err := store.SaveHardState(raftlog.HardState{Term: 2, VotedFor: 3}); err != nil {
		t.Fatalf("SaveHardState failed: %v", err)
	}

	e := newTestEngine(t, testConfig(1, 1), store, nil)
	if err := e.start(testStart, nil, 3); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if e.el.term != 2 || e.el.votedFor != 3 {
		t.Errorf("Expected term 2 vote 3, got term %d vote %d", e.el.term, e.el.votedFor)
	}
	if e.repl.lastApplied != 3 || e.repl.commitIndex != 3 {
		t.Errorf("Expected applied and commit 3, got %d and %d", e.repl.lastApplied, e.repl.commitIndex)
	}
}
