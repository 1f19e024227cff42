package hudp

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
)

// receiver owns the single ingress worker. It is the only reader of the
// socket: frames that are acknowledgements (reliable channel, empty payload)
// are dispatched to the sender over its ack channel, reliable data goes
// through the Selective-Repeat buffer, and unreliable data goes straight to
// the ready queue. Centralizing the reads here resolves the contention that
// would arise if the sender also read the socket for acknowledgements.
type receiver struct {
	conn   net.PacketConn
	st     *stats
	buffer *recvBuffer
	ready  *readyQueue
	acks   chan<- uint32
}

func newReceiver(conn net.PacketConn, buffer *recvBuffer, ready *readyQueue, acks chan<- uint32, st *stats) *receiver {
	return &receiver{
		conn:   conn,
		st:     st,
		buffer: buffer,
		ready:  ready,
		acks:   acks,
	}
}

// ingest is a background worker reading datagrams until the context is
// cancelled. Reads use a short deadline so that shutdown is noticed and the
// skip condition is re-evaluated even when the peer goes quiet.
func (r *receiver) ingest(ctx context.Context) error {
	defer func() {
		if rc := recover(); rc != nil {
			dlog.Errorf(ctx, "%+v", derror.PanicToError(rc))
		}
	}()
	buf := make([]byte, MaxPacketSize)
	for ctx.Err() == nil {
		if err := r.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				dlog.Errorf(ctx, "set read deadline: %v", err)
			}
			return nil
		}
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				r.buffer.checkSkip(ctx)
				continue
			case errors.Is(err, net.ErrClosed) || ctx.Err() != nil:
				return nil
			default:
				dlog.Errorf(ctx, "socket read: %v", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.dispatch(ctx, data, from)
	}
	return nil
}

func (r *receiver) dispatch(ctx context.Context, data []byte, from net.Addr) {
	pkt, err := ParsePacket(data)
	if err != nil {
		atomic.AddUint64(&r.st.malformedFrames, 1)
		dlog.Errorf(ctx, "dropping datagram from %s: %v", from, err)
		return
	}
	switch pkt.Channel {
	case Reliable:
		if pkt.IsAck() {
			select {
			case r.acks <- pkt.Ack:
			case <-ctx.Done():
			}
			return
		}
		r.buffer.insert(ctx, pkt)
		// Ack unconditionally, duplicates included; the retransmit that
		// produced a duplicate means our previous ack was lost or late.
		r.sendAck(ctx, pkt.Seq, from)
	case Unreliable:
		r.ready.push(pkt)
		atomic.AddUint64(&r.st.unreliableDelivered, 1)
		r.buffer.checkSkip(ctx)
	default:
		dlog.Debugf(ctx, "dropping frame with unknown channel %d from %s", byte(pkt.Channel), from)
	}
}

func (r *receiver) sendAck(ctx context.Context, seq uint32, to net.Addr) {
	ack := &Packet{
		Channel:   Reliable,
		Ack:       seq,
		Timestamp: secondsOf(dtime.Now()),
	}
	if _, err := r.conn.WriteTo(ack.Marshal(), to); err != nil {
		if ctx.Err() == nil {
			dlog.Errorf(ctx, "ack write: %v", err)
		}
	}
}
