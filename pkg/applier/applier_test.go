package applier

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
)

func TestMemoryApplyIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Apply(ctx, 1, 1, []byte("a")))
	require.NoError(t, m.Apply(ctx, 1, 2, []byte("b")))
	require.NoError(t, m.Apply(ctx, 1, 2, []byte("b again")))
	require.NoError(t, m.Apply(ctx, 2, 1, []byte("other shard")))

	entries := m.Entries(1)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", string(entries[1].Payload))

	last, err := m.LastAppliedIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	last, err = m.LastAppliedIndex(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestMemoryEntriesAreCopies(t *testing.T) {
	m := NewMemory()
	payload := []byte("mutable")
	require.NoError(t, m.Apply(context.Background(), 1, 1, payload))
	payload[0] = 'X'

	assert.Equal(t, "mutable", string(m.Entries(1)[0].Payload))
}

// newTestPostgres connects to CLUSO_TEST_POSTGRES_URL or skips
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("CLUSO_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CLUSO_TEST_POSTGRES_URL not set")
	}
	p, err := NewPostgres(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPostgresApply(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	shard := cluster.ShardID(900 + os.Getpid()%1000)

	_, err := p.pool.Exec(ctx, `DELETE FROM cluster_applied WHERE shard = $1`, int64(shard))
	require.NoError(t, err)

	last, err := p.LastAppliedIndex(ctx, shard)
	require.NoError(t, err)
	assert.Zero(t, last)

	require.NoError(t, p.Apply(ctx, shard, 1, []byte("first")))
	require.NoError(t, p.Apply(ctx, shard, 2, []byte("second")))
	require.NoError(t, p.Apply(ctx, shard, 2, []byte("replayed")))

	last, err = p.LastAppliedIndex(ctx, shard)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	payload, err := p.Payload(ctx, shard, 2)
	require.NoError(t, err)
	assert.Equal(t, "second", string(payload))

	_, err = p.Payload(ctx, shard, 3)
	assert.Error(t, err)
}
