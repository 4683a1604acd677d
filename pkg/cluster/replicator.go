package cluster

import (
	"time"

	"github.com/dd0wney/cluso-mail/pkg/logging"
	"github.com/dd0wney/cluso-mail/pkg/raftlog"
)

// maxApplyBatch bounds the entries handed to the apply goroutine at once
const maxApplyBatch = 256

// replication is the shard's commit and apply progress
type replication struct {
	commitIndex uint64
	lastApplied uint64

	// nextAppend is when the leader sends its next AppendEntries round
	nextAppend time.Time

	// At most one batch is in flight. pendingApply is prepared by the
	// engine and picked up by the owner loop, applying is with the Applier.
	pendingApply *applyBatch
	applying     *applyBatch
	applyErr     *ApplyError

	waiters map[uint64][]waiter
}

// applyBatch is a run of committed entries for the apply goroutine
type applyBatch struct {
	shard   ShardID
	entries []raftlog.Entry
}

// applyResult reports how far a batch got. err is the Applier's error for
// the entry after lastApplied.
type applyResult struct {
	lastApplied uint64
	err         error
}

// waiter is a SubmitAndWait caller parked on an index
type waiter struct {
	term uint64
	ch   chan error
}

// submit appends payload on the leader and triggers replication. It returns
// the assigned index without waiting for commitment.
func (e *engine) submit(now time.Time, shard ShardID, payload []byte) (uint64, error) {
	if shard != e.shard {
		return 0, ErrUnknownShard
	}
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	if e.el.role != RoleLeader {
		return 0, e.notLeaderError()
	}

	index, err := e.appendLocal(payload)
	if err != nil {
		return 0, err
	}
	e.broadcastAppend(now)
	// A single-member shard commits on its own
	e.advanceCommit()
	return index, nil
}

// notLeaderError points the caller at the known leader, if any
func (e *engine) notLeaderError() error {
	if e.el.leader == 0 {
		return ErrNoLeader
	}
	nle := &NotLeaderError{Leader: e.el.leader}
	if p, ok := e.registry.Get(e.el.leader); ok {
		nle.Addr = p.Addr
	}
	return nle
}

// appendLocal writes one entry in the current term at the tail of the log
func (e *engine) appendLocal(payload []byte) (uint64, error) {
	entry := raftlog.Entry{
		Index:   e.log.LastIndex() + 1,
		Term:    e.el.term,
		Payload: payload,
	}
	if err := e.log.Append(entry); err != nil {
		return 0, err
	}
	e.logger.Debug("appended entry",
		logging.Index(entry.Index),
		logging.Term(entry.Term),
		logging.Int("bytes", len(payload)))
	return entry.Index, nil
}

// addWaiter parks ch until index is applied. The caller learns whether the
// entry that got applied there is the one it submitted.
func (e *engine) addWaiter(index, term uint64, ch chan error) {
	if e.repl.applyErr != nil {
		ch <- e.repl.applyErr
		return
	}
	if index <= e.repl.lastApplied {
		ch <- e.waitResult(index, term)
		return
	}
	e.repl.waiters[index] = append(e.repl.waiters[index], waiter{term: term, ch: ch})
}

func (e *engine) waitResult(index, term uint64) error {
	got, err := e.log.Term(index)
	if err != nil || got != term {
		return ErrEntryDiscarded
	}
	return nil
}

// setCommit raises the commit index. It never moves backwards.
func (e *engine) setCommit(index uint64) {
	if index <= e.repl.commitIndex {
		return
	}
	e.logger.Debug("commit index advanced",
		logging.Index(index),
		logging.Uint64("previous", e.repl.commitIndex))
	e.repl.commitIndex = index
}

// dispatchApply prepares the next batch of committed entries unless one is
// already in flight or apply is halted
func (e *engine) dispatchApply() {
	r := &e.repl
	if r.pendingApply != nil || r.applying != nil || r.applyErr != nil {
		return
	}
	if r.commitIndex <= r.lastApplied {
		return
	}
	entries, err := e.log.Entries(r.lastApplied+1, r.commitIndex, maxApplyBatch)
	if err != nil {
		e.logger.Error("failed to read committed entries",
			logging.Index(r.lastApplied+1),
			logging.Uint64("commit_index", r.commitIndex),
			logging.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	r.pendingApply = &applyBatch{shard: e.shard, entries: entries}
}

// takeApply hands the prepared batch to the caller, marking it in flight
func (e *engine) takeApply() *applyBatch {
	b := e.repl.pendingApply
	if b != nil {
		e.repl.pendingApply = nil
		e.repl.applying = b
	}
	return b
}

// applied records the outcome of the in-flight batch
func (e *engine) applied(res applyResult) {
	r := &e.repl
	b := r.applying
	r.applying = nil

	if res.lastApplied > r.lastApplied {
		r.lastApplied = res.lastApplied
	}
	e.releaseWaiters()

	if res.err == nil {
		return
	}
	failed := r.lastApplied + 1
	r.applyErr = &ApplyError{Shard: e.shard, Index: failed, Err: res.err}
	batchSize := 0
	if b != nil {
		batchSize = len(b.entries)
	}
	e.logger.Error("apply failed, halting apply for shard",
		logging.Index(failed),
		logging.Int("batch_size", batchSize),
		logging.Error(res.err))
	if e.metrics != nil {
		e.metrics.ReplicationApplyFailures.Inc()
		e.metrics.SetApplyHalted(uint32(e.shard), true)
	}
	for idx, ws := range r.waiters {
		for _, w := range ws {
			w.ch <- r.applyErr
		}
		delete(r.waiters, idx)
	}
}

// releaseWaiters answers every waiter whose index has been applied
func (e *engine) releaseWaiters() {
	for idx, ws := range e.repl.waiters {
		if idx > e.repl.lastApplied {
			continue
		}
		for _, w := range ws {
			w.ch <- e.waitResult(idx, w.term)
		}
		delete(e.repl.waiters, idx)
	}
}

// resumeApply clears a halted apply so the next tick retries the failed entry
func (e *engine) resumeApply() {
	if e.repl.applyErr == nil {
		return
	}
	e.logger.Warn("resuming apply", logging.Index(e.repl.applyErr.Index))
	e.repl.applyErr = nil
	if e.metrics != nil {
		e.metrics.SetApplyHalted(uint32(e.shard), false)
	}
	e.dispatchApply()
}

// failWaiters answers every waiter with err, used on shutdown
func (e *engine) failWaiters(err error) {
	for idx, ws := range e.repl.waiters {
		for _, w := range ws {
			w.ch <- err
		}
		delete(e.repl.waiters, idx)
	}
}
