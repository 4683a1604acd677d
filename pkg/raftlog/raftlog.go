// Package raftlog stores the replicated log of a shard and the election
// hard state (current term and vote) that must survive restarts.
//
// Indexes start at 1. Index 0 with term 0 is the implicit empty prefix every
// log shares, so Term(0) always succeeds.
package raftlog

import "errors"

var (
	ErrNotFound      = errors.New("raftlog: entry not found")
	ErrNonContiguous = errors.New("raftlog: appended entries are not contiguous")
	ErrCorrupt       = errors.New("raftlog: corrupt record")
	ErrClosed        = errors.New("raftlog: store closed")
	ErrBroken        = errors.New("raftlog: failed write could not be undone, reopen the store")
)

// Entry is one replicated log record
type Entry struct {
	Index   uint64 `json:"index" msgpack:"i"`
	Term    uint64 `json:"term" msgpack:"t"`
	Payload []byte `json:"payload" msgpack:"p"`
}

// HardState is the election state persisted before answering any vote.
// VotedFor is zero when no vote was cast in Term.
type HardState struct {
	Term     uint64
	VotedFor uint64
}

// Store is the log storage used by the replicator. Implementations are
// called from a single goroutine but must tolerate concurrent Close.
type Store interface {
	// Append adds entries that continue the log at LastIndex()+1.
	Append(entries ...Entry) error

	// Entry returns the entry at index.
	Entry(index uint64) (Entry, error)

	// Entries returns entries in [lo, hi], at most max of them (max <= 0 means no limit).
	Entries(lo, hi uint64, max int) ([]Entry, error)

	// Term returns the term of the entry at index. Term(0) is 0.
	Term(index uint64) (uint64, error)

	// TruncateFrom deletes index and everything after it.
	TruncateFrom(index uint64) error

	LastIndex() uint64
	LastTerm() uint64

	SaveHardState(hs HardState) error
	LoadHardState() (HardState, error)

	Close() error
}

// entriesIn slices the in-memory copy both stores keep. Entry i lives at
// position i-1.
func entriesIn(all []Entry, lo, hi uint64, max int) ([]Entry, error) {
	if lo > hi {
		return nil, nil
	}
	if lo == 0 || hi > uint64(len(all)) {
		return nil, ErrNotFound
	}
	n := hi - lo + 1
	if max > 0 && n > uint64(max) {
		n = uint64(max)
	}
	out := make([]Entry, n)
	copy(out, all[lo-1:lo-1+n])
	return out, nil
}
