package hudp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
)

// DefaultSkipThreshold is the receiver's deadline for recovering a missing
// reliable sequence before it is skipped.
const DefaultSkipThreshold = 200 * time.Millisecond

type config struct {
	skipThreshold time.Duration
	windowSize    uint32
	conn          net.PacketConn
	peer          net.Addr
}

// Option configures an Endpoint at Open time.
type Option func(*config)

// WithSkipThreshold overrides the receiver's skip deadline.
func WithSkipThreshold(d time.Duration) Option {
	return func(c *config) { c.skipThreshold = d }
}

// WithWindowSize overrides the Selective-Repeat window. Intended for tests.
func WithWindowSize(n uint32) Option {
	return func(c *config) { c.windowSize = n }
}

// WithConn makes the endpoint use a pre-established packet connection and
// peer address instead of binding a UDP socket. The local and remote
// addresses given to Open are ignored. Intended for tests that inject a
// simulated network.
func WithConn(conn net.PacketConn, peer net.Addr) Option {
	return func(c *config) {
		c.conn = conn
		c.peer = peer
	}
}

// Endpoint is one side of an H-UDP association. It owns the socket, one
// sender and one receiver, and the background workers of both. The
// application may call Send and Recv concurrently from any goroutine.
type Endpoint struct {
	conn     net.PacketConn
	peer     net.Addr
	sender   *sender
	receiver *receiver
	ready    *readyQueue
	st       *stats

	// ctx governs the background workers and carries their logger. It is
	// cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once

	errMu      sync.Mutex
	workerErrs error
}

// Open binds a UDP socket on local, directs the sender at remote, and starts
// the background workers. The given context carries the logger for
// everything the endpoint does; timestamps and deadlines read the
// process-global dtime clock. Cancelling the context stops the workers, but
// the normal way to shut down is Close.
func Open(ctx context.Context, local, remote string, opts ...Option) (*Endpoint, error) {
	cfg := config{
		skipThreshold: DefaultSkipThreshold,
		windowSize:    DefaultWindowSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn := cfg.conn
	peer := cfg.peer
	if conn == nil {
		laddr, err := net.ResolveUDPAddr("udp", local)
		if err != nil {
			return nil, err
		}
		raddr, err := net.ResolveUDPAddr("udp", remote)
		if err != nil {
			return nil, err
		}
		uc, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return nil, err
		}
		conn = uc
		peer = raddr
	}

	st := &stats{}
	ready := newReadyQueue()
	buffer := newRecvBuffer(cfg.windowSize, cfg.skipThreshold, ready, st)
	snd := newSender(conn, peer, cfg.windowSize, st)
	rcv := newReceiver(conn, buffer, ready, snd.acks, st)

	ctx, cancel := context.WithCancel(ctx)
	e := &Endpoint{
		conn:     conn,
		peer:     peer,
		sender:   snd,
		receiver: rcv,
		ready:    ready,
		st:       st,
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	e.worker("ingest", rcv.ingest)
	e.worker("acks", snd.consumeAcks)
	e.worker("retransmit", snd.retransmitLoop)
	dlog.Debugf(ctx, "endpoint open, local %s, peer %s", conn.LocalAddr(), peer)
	return e, nil
}

func (e *Endpoint) worker(name string, f func(context.Context) error) {
	ctx := dgroup.WithGoroutineName(e.ctx, "/"+name)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := f(ctx); err != nil {
			dlog.Errorf(ctx, "%s worker: %v", name, err)
			e.errMu.Lock()
			e.workerErrs = multierror.Append(e.workerErrs, err)
			e.errMu.Unlock()
		}
	}()
}

// LocalAddr returns the bound address of the endpoint's socket.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Send transmits payload on the chosen channel and returns the assigned
// sequence number. A reliable send blocks while the window is full;
// unreliable sends never block.
func (e *Endpoint) Send(payload []byte, reliable bool) (uint32, error) {
	select {
	case <-e.closed:
		return 0, ErrEndpointClosed
	default:
	}
	if reliable {
		return e.sender.sendReliable(e.ctx, payload)
	}
	return e.sender.sendUnreliable(e.ctx, payload)
}

// Recv returns the next packet released by either channel. It honours the
// context's deadline and cancellation; after Close it fails with
// ErrEndpointClosed.
func (e *Endpoint) Recv(ctx context.Context) (*Packet, error) {
	for {
		select {
		case <-e.closed:
			return nil, ErrEndpointClosed
		default:
		}
		if pkt := e.ready.pop(); pkt != nil {
			return pkt, nil
		}
		select {
		case <-e.closed:
			return nil, ErrEndpointClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.ready.signal:
		}
	}
}

// Stats returns a snapshot of the endpoint's transport counters.
func (e *Endpoint) Stats() Stats {
	return e.st.snapshot()
}

// Close shuts the endpoint down: it signals the workers, wakes senders that
// are blocked on window space, joins the workers, and then releases the
// socket. Subsequent Send and Recv calls fail with ErrEndpointClosed.
func (e *Endpoint) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		e.cancel()
		e.sender.close()
		e.wg.Wait()
		cerr := e.conn.Close()
		e.errMu.Lock()
		if e.workerErrs != nil {
			err = multierror.Append(e.workerErrs, cerr).ErrorOrNil()
		} else {
			err = cerr
		}
		e.errMu.Unlock()
		st := e.st.snapshot()
		dlog.Debugf(ctx, "endpoint closed: sent %d/%d, delivered %d/%d, retransmits %d, dropped %d, skips %d",
			st.ReliableSent, st.UnreliableSent, st.ReliableDelivered, st.UnreliableDelivered,
			st.Retransmits, st.ReliableDropped, st.Skips)
	})
	return err
}
