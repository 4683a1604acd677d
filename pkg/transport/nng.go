package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
	"github.com/dd0wney/cluso-mail/pkg/logging"
	"github.com/dd0wney/cluso-mail/pkg/metrics"
)

// NNGConfig configures an NNGTransport
type NNGConfig struct {
	// ListenAddr is host:port or a full URL such as inproc://node-1
	ListenAddr string

	Codec      string
	ClusterKey string

	SendTimeout   time.Duration // Bound on one push (default: 500ms)
	RecvPoll      time.Duration // How often the receive loop checks for Close (default: 100ms)
	QueueLen      int           // Frames buffered per peer (default: 256)
	InboxLen      int           // Decoded envelopes buffered for the node (default: 1024)
	ReconnectWait Backoff       // Delay after a failed push
}

func (c NNGConfig) withDefaults() NNGConfig {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 500 * time.Millisecond
	}
	if c.RecvPoll <= 0 {
		c.RecvPoll = 100 * time.Millisecond
	}
	if c.QueueLen <= 0 {
		c.QueueLen = 256
	}
	if c.InboxLen <= 0 {
		c.InboxLen = 1024
	}
	if c.ReconnectWait.Initial <= 0 {
		c.ReconnectWait = DefaultBackoff()
	}
	return c
}

// NNGTransport sends frames over mangos PUSH sockets, one per peer, and
// receives on a single PULL socket. Each peer has its own queue and
// goroutine so a slow peer never blocks the node.
type NNGTransport struct {
	cfg     NNGConfig
	wire    wire
	logger  logging.Logger
	metrics *metrics.Registry

	pull mangos.Socket
	in   chan *cluster.Envelope
	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	peers  map[cluster.PeerID]*nngPeer
	closed bool
}

type nngPeer struct {
	id    cluster.PeerID
	addr  string
	sock  mangos.Socket
	queue chan []byte
	stop  chan struct{}
}

// nngURL turns host:port into a tcp URL and leaves URLs alone
func nngURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

// NewNNGTransport listens on cfg.ListenAddr and starts the receive loop
func NewNNGTransport(cfg NNGConfig, logger logging.Logger, reg *metrics.Registry) (*NNGTransport, error) {
	cfg = cfg.withDefaults()
	if cfg.ListenAddr == "" {
		return nil, errors.New("listen address is required")
	}
	w, err := newWire(cfg.Codec, cfg.ClusterKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}

	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create pull socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, cfg.RecvPoll); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set receive deadline: %w", err)
	}
	if err := sock.Listen(nngURL(cfg.ListenAddr)); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	t := &NNGTransport{
		cfg:     cfg,
		wire:    w,
		logger:  logger.With(logging.Component("transport"), logging.Addr(cfg.ListenAddr)),
		metrics: reg,
		pull:    sock,
		in:      make(chan *cluster.Envelope, cfg.InboxLen),
		done:    make(chan struct{}),
		peers:   make(map[cluster.PeerID]*nngPeer),
	}
	t.wg.Add(1)
	go t.recvLoop()

	t.logger.Info("transport listening",
		logging.String("codec", w.codec.Name()),
		logging.Bool("sealed", w.sealer != nil))
	return t, nil
}

// Send queues env for the peer. It never waits on the network; a full
// queue drops the frame.
func (t *NNGTransport) Send(ctx context.Context, to cluster.PeerID, addr string, env *cluster.Envelope) error {
	data, err := t.wire.encode(env)
	if err != nil {
		return err
	}
	p, err := t.peer(to, addr)
	if err != nil {
		return err
	}
	select {
	case p.queue <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		t.metrics.RecordDropped("queue_full")
		return ErrQueueFull
	}
}

// Receive returns decoded envelopes and ConnectionLost notices. It is
// closed by Close.
func (t *NNGTransport) Receive() <-chan *cluster.Envelope {
	return t.in
}

// Close stops every goroutine, closes the sockets and then the inbox
func (t *NNGTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = nil
	t.mu.Unlock()

	close(t.done)
	err := t.pull.Close()
	for _, p := range peers {
		close(p.stop)
		p.sock.Close()
	}
	t.wg.Wait()

	t.mu.Lock()
	close(t.in)
	t.mu.Unlock()
	return err
}

// peer returns the connection for id, redialing when its address changed
func (t *NNGTransport) peer(id cluster.PeerID, addr string) (*nngPeer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if p, ok := t.peers[id]; ok {
		if p.addr == addr {
			return p, nil
		}
		t.logger.Info("peer address changed, redialing",
			logging.PeerID(uint64(id)), logging.String("old_addr", p.addr), logging.String("new_addr", addr))
		close(p.stop)
		delete(t.peers, id)
		// Closing fires the pipe hook, which takes t.mu
		go p.sock.Close()
	}

	sock, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create push socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, t.cfg.SendTimeout); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set send deadline: %w", err)
	}
	sock.SetPipeEventHook(func(ev mangos.PipeEvent, _ mangos.Pipe) {
		if ev == mangos.PipeEventDetached {
			t.connectionLost(id)
		}
	})
	// Asynchronous dial keeps retrying in the background when the peer is down
	if err := sock.DialOptions(nngURL(addr), map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	p := &nngPeer{
		id:    id,
		addr:  addr,
		sock:  sock,
		queue: make(chan []byte, t.cfg.QueueLen),
		stop:  make(chan struct{}),
	}
	t.peers[id] = p
	t.wg.Add(1)
	go t.sendLoop(p)
	return p, nil
}

// sendLoop pushes queued frames to one peer. After a failure it reports
// the connection lost once and waits with backoff before the next frame.
func (t *NNGTransport) sendLoop(p *nngPeer) {
	defer t.wg.Done()
	attempt := 0
	for {
		select {
		case <-p.stop:
			return
		case data := <-p.queue:
			err := p.sock.Send(data)
			if err == nil {
				attempt = 0
				continue
			}
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			attempt++
			t.metrics.RecordSendFailure("push")
			if attempt == 1 {
				t.logger.Debug("push to peer failed",
					logging.PeerID(uint64(p.id)), logging.Addr(p.addr), logging.Error(err))
				t.connectionLost(p.id)
			}
			select {
			case <-p.stop:
				return
			case <-time.After(t.cfg.ReconnectWait.Delay(attempt)):
			}
		}
	}
}

func (t *NNGTransport) recvLoop() {
	defer t.wg.Done()
	for {
		data, err := t.pull.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				select {
				case <-t.done:
					return
				default:
					continue
				}
			}
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			t.logger.Warn("receive failed", logging.Error(err))
			continue
		}
		env, reason, err := t.wire.decode(data)
		if err != nil {
			t.metrics.RecordDropped(reason)
			t.logger.Debug("dropping undecodable frame",
				logging.String("reason", reason), logging.Int("bytes", len(data)), logging.Error(err))
			continue
		}
		t.emit(env)
	}
}

func (t *NNGTransport) connectionLost(id cluster.PeerID) {
	t.emit(&cluster.Envelope{From: id, Msg: &cluster.ConnectionLost{}})
}

// emit hands env to the node without blocking
func (t *NNGTransport) emit(env *cluster.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.in <- env:
	default:
		t.metrics.RecordDropped("inbox_full")
	}
}

var _ cluster.Transport = (*NNGTransport)(nil)
