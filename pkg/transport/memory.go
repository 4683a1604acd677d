package transport

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrAddrInUse   = errors.New("address already in use")
	ErrUnreachable = errors.New("peer unreachable")
	ErrQueueFull   = errors.New("peer send queue full")
)

// memoryQueueLen bounds each endpoint's inbox
const memoryQueueLen = 1024

// MemoryNetwork connects MemoryTransports inside one process. Frames go
// through the real codec, and the network can drop frames at random or
// split endpoints into partitions.
type MemoryNetwork struct {
	mu        sync.Mutex
	wire      wire
	endpoints map[string]*MemoryTransport
	groups    map[string]int
	dropRate  float64
	rng       *rand.Rand
}

// NewMemoryNetwork creates an empty network encoding with codecName.
// seed fixes the drop sequence.
func NewMemoryNetwork(codecName string, seed uint64) (*MemoryNetwork, error) {
	w, err := newWire(codecName, "")
	if err != nil {
		return nil, err
	}
	return &MemoryNetwork{
		wire:      w,
		endpoints: make(map[string]*MemoryTransport),
		groups:    make(map[string]int),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Listen attaches a transport at addr
func (n *MemoryNetwork) Listen(addr string) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, ErrAddrInUse
	}
	t := &MemoryTransport{
		net:  n,
		addr: addr,
		in:   make(chan *cluster.Envelope, memoryQueueLen),
		lost: make(map[cluster.PeerID]bool),
	}
	n.endpoints[addr] = t
	return t, nil
}

// SetDropRate makes each frame vanish with probability p
func (n *MemoryNetwork) SetDropRate(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = p
}

// Partition splits the network. Each group can only reach itself; addresses
// not named stay together in a group of their own.
func (n *MemoryNetwork) Partition(groups ...[]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[string]int)
	for i, g := range groups {
		for _, addr := range g {
			n.groups[addr] = i + 1
		}
	}
}

// Heal removes every partition
func (n *MemoryNetwork) Heal() {
	n.Partition()
}

// route decides the fate of one frame from src to dst
func (n *MemoryNetwork) route(src, dst string) (target *MemoryTransport, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	target, ok := n.endpoints[dst]
	if !ok || n.groups[src] != n.groups[dst] {
		return nil, false
	}
	return target, n.dropRate > 0 && n.rng.Float64() < n.dropRate
}

func (n *MemoryNetwork) detach(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// MemoryTransport is one endpoint of a MemoryNetwork
type MemoryTransport struct {
	net  *MemoryNetwork
	addr string
	in   chan *cluster.Envelope

	mu     sync.Mutex
	closed bool
	lost   map[cluster.PeerID]bool
}

// Addr returns the address the endpoint listens on
func (t *MemoryTransport) Addr() string {
	return t.addr
}

// Send encodes env and delivers it to the endpoint at addr. An unreachable
// peer is reported once as ConnectionLost until it is reached again.
func (t *MemoryTransport) Send(ctx context.Context, to cluster.PeerID, addr string, env *cluster.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := t.net.wire.encode(env)
	if err != nil {
		return err
	}
	target, drop := t.net.route(t.addr, addr)
	if target == nil {
		t.connectionLost(to)
		return ErrUnreachable
	}
	t.reached(to)
	if drop {
		return nil
	}

	decoded, _, err := t.net.wire.decode(data)
	if err != nil {
		return err
	}
	if !target.deliver(decoded) {
		return ErrQueueFull
	}
	return nil
}

// Receive returns the inbox. It is closed by Close.
func (t *MemoryTransport) Receive() <-chan *cluster.Envelope {
	return t.in
}

// Close detaches the endpoint and closes its inbox
func (t *MemoryTransport) Close() error {
	t.net.detach(t.addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.in)
	return nil
}

func (t *MemoryTransport) deliver(env *cluster.Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case t.in <- env:
		return true
	default:
		return false
	}
}

func (t *MemoryTransport) connectionLost(peer cluster.PeerID) {
	t.mu.Lock()
	already := t.lost[peer]
	t.lost[peer] = true
	t.mu.Unlock()
	if !already {
		t.deliver(&cluster.Envelope{From: peer, Msg: &cluster.ConnectionLost{}})
	}
}

func (t *MemoryTransport) reached(peer cluster.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lost, peer)
}

var _ cluster.Transport = (*MemoryTransport)(nil)
