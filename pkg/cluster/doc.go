// Package cluster coordinates a group of mail server processes.
//
// Each process runs one Node. A Node tracks its peers through heartbeats
// with an adaptive timeout, elects a leader for its shard with a Raft-style
// vote, and replicates a per-shard log whose committed entries are handed to
// an Applier in index order.
//
// All cluster state lives in a single engine owned by the Node's Run loop.
// Callers, the transport and the apply worker reach it only through
// commands on that loop, so the engine itself holds no locks and performs
// no I/O: outgoing messages collect in an outbox the loop flushes after
// every step.
package cluster
