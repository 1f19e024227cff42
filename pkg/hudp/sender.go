package hudp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
)

const (
	// DefaultWindowSize is the Selective-Repeat window used by both sides.
	DefaultWindowSize = 32

	// RetransmitTimeout is the per-packet retransmission deadline.
	RetransmitTimeout = 200 * time.Millisecond

	// MaxRetries caps retransmissions; a packet that remains unacked after
	// this many retries is dropped from the window.
	MaxRetries = 5

	// MaxSendRate (packets per second) only sizes the poll interval of the
	// ingress worker's blocking socket reads.
	MaxSendRate = 100

	pollInterval   = time.Second / MaxSendRate
	retransmitTick = 10 * time.Millisecond
)

type sendEntry struct {
	packet  *Packet
	retries int
}

// sender owns the outbound half of the endpoint: it assigns sequence
// numbers, transmits, and tracks the unacknowledged reliable window. A
// single lock guards sendBase, nextSeq and window; a condition variable on
// the same lock parks sendReliable while the window is full.
//
// Sequence comparisons are unsigned-linear, not modular. At MaxSendRate the
// 32-bit space lasts about a year, so wrap handling is out of scope.
type sender struct {
	conn net.PacketConn
	peer net.Addr
	st   *stats

	// acks is fed by the receiver's ingress worker, which is the sole
	// socket reader. Every reliable frame with an empty payload lands here.
	acks chan uint32

	mu            sync.Mutex
	cond          *sync.Cond
	closed        bool
	unreliableSeq uint32
	sendBase      uint32
	nextSeq       uint32
	windowSize    uint32
	window        map[uint32]*sendEntry
}

func newSender(conn net.PacketConn, peer net.Addr, windowSize uint32, st *stats) *sender {
	s := &sender{
		conn:       conn,
		peer:       peer,
		st:         st,
		acks:       make(chan uint32, windowSize),
		windowSize: windowSize,
		window:     make(map[uint32]*sendEntry),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// sendUnreliable transmits once and forgets. It never blocks on window
// space.
func (s *sender) sendUnreliable(ctx context.Context, payload []byte) (uint32, error) {
	if len(payload) > MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrEndpointClosed
	}
	seq := s.unreliableSeq
	s.unreliableSeq++
	pkt := &Packet{
		Channel:   Unreliable,
		Seq:       seq,
		Timestamp: secondsOf(dtime.Now()),
		Payload:   payload,
	}
	frame := pkt.Marshal()
	s.mu.Unlock()

	s.write(ctx, frame)
	atomic.AddUint64(&s.st.unreliableSent, 1)
	return seq, nil
}

// sendReliable assigns the next sequence, transmits, and enters the packet
// into the window. It blocks while the window is full and is woken by an
// acknowledgement, a retry-cap drop, or close.
func (s *sender) sendReliable(ctx context.Context, payload []byte) (uint32, error) {
	if len(payload) > MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	s.mu.Lock()
	for !s.closed && s.nextSeq >= s.sendBase+s.windowSize {
		s.cond.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return 0, ErrEndpointClosed
	}
	seq := s.nextSeq
	s.nextSeq++
	pkt := &Packet{
		Channel:   Reliable,
		Seq:       seq,
		Timestamp: secondsOf(dtime.Now()),
		Payload:   payload,
	}
	s.window[seq] = &sendEntry{packet: pkt}
	frame := pkt.Marshal()
	s.mu.Unlock()

	s.write(ctx, frame)
	atomic.AddUint64(&s.st.reliableSent, 1)
	return seq, nil
}

// consumeAcks is a background worker that applies acknowledgements handed
// over by the ingress worker.
func (s *sender) consumeAcks(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "%+v", derror.PanicToError(r))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ack := <-s.acks:
			s.handleAck(ctx, ack)
		}
	}
}

func (s *sender) handleAck(ctx context.Context, ack uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.window[ack]
	if !ok {
		// Duplicate or stale; the packet was already acked or dropped.
		atomic.AddUint64(&s.st.staleAcks, 1)
		return
	}
	delete(s.window, ack)
	dlog.Tracef(ctx, "ack for reliable seq %d, retries %d", ack, e.retries)
	s.slideLocked()
	s.cond.Signal()
}

// retransmitLoop is a background worker that scans the window on a tick that
// is coarser than needed for exact deadlines but far finer than the skip
// threshold, keeping retransmit jitter small without burning CPU.
func (s *sender) retransmitLoop(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "%+v", derror.PanicToError(r))
		}
	}()
	ticker := time.NewTicker(retransmitTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.retransmitDue(ctx)
		}
	}
}

func (s *sender) retransmitDue(ctx context.Context) {
	now := dtime.Now()
	var frames [][]byte

	s.mu.Lock()
	for seq, e := range s.window {
		if now.Sub(timeOfSeconds(e.packet.Timestamp)) <= RetransmitTimeout {
			continue
		}
		if e.retries >= MaxRetries {
			// Bounded effort is spent; the payload is lost. The original
			// caller is not informed, but the drop is counted and logged.
			dlog.Warnf(ctx, "max retries reached for reliable seq %d, dropping", seq)
			delete(s.window, seq)
			atomic.AddUint64(&s.st.reliableDropped, 1)
			s.slideLocked()
			s.cond.Signal()
			continue
		}
		e.retries++
		e.packet.Timestamp = secondsOf(now)
		frames = append(frames, e.packet.Marshal())
		atomic.AddUint64(&s.st.retransmits, 1)
		dlog.Debugf(ctx, "retransmitting reliable seq %d, attempt %d", seq, e.retries)
	}
	s.mu.Unlock()

	for _, frame := range frames {
		s.write(ctx, frame)
	}
}

// slideLocked advances sendBase past sequences that are no longer in the
// window (acked or dropped).
func (s *sender) slideLocked() {
	for s.sendBase < s.nextSeq {
		if _, ok := s.window[s.sendBase]; ok {
			break
		}
		s.sendBase++
	}
}

// close wakes all window waiters so that blocked sendReliable calls return
// promptly with ErrEndpointClosed.
func (s *sender) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *sender) write(ctx context.Context, frame []byte) {
	if _, err := s.conn.WriteTo(frame, s.peer); err != nil {
		if ctx.Err() == nil {
			dlog.Errorf(ctx, "socket write: %v", err)
		}
	}
}
