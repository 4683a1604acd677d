// Package applier provides state machines for committed log entries: an
// in-memory one for tests and single-process use, and a PostgreSQL one
// that records every applied entry durably.
package applier

import (
	"context"
	"sync"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
)

// Entry is one applied log entry
type Entry struct {
	Index   uint64
	Payload []byte
}

// Memory keeps applied entries per shard in index order. A repeated index
// is ignored.
type Memory struct {
	mu     sync.RWMutex
	shards map[cluster.ShardID][]Entry
	last   map[cluster.ShardID]uint64
}

// NewMemory creates an empty in-memory applier
func NewMemory() *Memory {
	return &Memory{
		shards: make(map[cluster.ShardID][]Entry),
		last:   make(map[cluster.ShardID]uint64),
	}
}

// Apply records payload at index
func (m *Memory) Apply(_ context.Context, shard cluster.ShardID, index uint64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index <= m.last[shard] {
		return nil
	}
	m.shards[shard] = append(m.shards[shard], Entry{Index: index, Payload: append([]byte(nil), payload...)})
	m.last[shard] = index
	return nil
}

// LastAppliedIndex returns the highest index applied for shard
func (m *Memory) LastAppliedIndex(_ context.Context, shard cluster.ShardID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last[shard], nil
}

// Entries returns a copy of the entries applied for shard
func (m *Memory) Entries(shard cluster.ShardID) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.shards[shard]))
	copy(out, m.shards[shard])
	return out
}

var _ cluster.Applier = (*Memory)(nil)
