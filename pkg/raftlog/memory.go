package raftlog

import "sync"

// MemoryStore keeps the log in memory. Simulations and tests use it.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	hard    HardState
	closed  bool
}

// NewMemoryStore creates an empty in-memory log
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	next := uint64(len(m.entries)) + 1
	for i, e := range entries {
		if e.Index != next+uint64(i) {
			return ErrNonContiguous
		}
	}
	for _, e := range entries {
		e.Payload = append([]byte(nil), e.Payload...)
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *MemoryStore) Entry(index uint64) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index == 0 || index > uint64(len(m.entries)) {
		return Entry{}, ErrNotFound
	}
	return m.entries[index-1], nil
}

func (m *MemoryStore) Entries(lo, hi uint64, max int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return entriesIn(m.entries, lo, hi, max)
}

func (m *MemoryStore) Term(index uint64) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index == 0 {
		return 0, nil
	}
	if index > uint64(len(m.entries)) {
		return 0, ErrNotFound
	}
	return m.entries[index-1].Term, nil
}

func (m *MemoryStore) TruncateFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if index == 0 {
		return ErrNotFound
	}
	if index <= uint64(len(m.entries)) {
		m.entries = m.entries[:index-1]
	}
	return nil
}

func (m *MemoryStore) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries))
}

func (m *MemoryStore) LastTerm() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Term
}

func (m *MemoryStore) SaveHardState(hs HardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.hard = hs
	return nil
}

func (m *MemoryStore) LoadHardState() (HardState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hard, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
