package cluster

import (
	"context"
)

// Transport delivers envelopes between peers.
//
// Send must not block on the network: implementations queue per peer and
// report delivery trouble later as a ConnectionLost envelope on Receive.
type Transport interface {
	Send(ctx context.Context, to PeerID, addr string, env *Envelope) error
	Receive() <-chan *Envelope
	Close() error
}

// Applier is the state machine committed entries are handed to. Apply is
// called at most once per index and in increasing index order; a repeated
// index must be a no-op.
type Applier interface {
	Apply(ctx context.Context, shard ShardID, index uint64, payload []byte) error
	LastAppliedIndex(ctx context.Context, shard ShardID) (uint64, error)
}

// discardApplier accepts everything and remembers nothing
type discardApplier struct{}

func (discardApplier) Apply(context.Context, ShardID, uint64, []byte) error { return nil }

func (discardApplier) LastAppliedIndex(context.Context, ShardID) (uint64, error) { return 0, nil }
