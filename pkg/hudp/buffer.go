package hudp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
)

// recvBuffer reorders reliable-channel packets using Selective Repeat. It
// holds out-of-order arrivals within a fixed window and releases consecutive
// runs into the shared ready queue. A missing sequence that cannot be
// recovered within skipThreshold is abandoned: the base advances past the
// hole so that later packets are not held up indefinitely.
type recvBuffer struct {
	mu            sync.Mutex
	rcvBase       uint32
	windowSize    uint32
	skipThreshold time.Duration
	packets       map[uint32]*Packet
	ready         *readyQueue
	st            *stats
}

func newRecvBuffer(windowSize uint32, skipThreshold time.Duration, ready *readyQueue, st *stats) *recvBuffer {
	return &recvBuffer{
		windowSize:    windowSize,
		skipThreshold: skipThreshold,
		packets:       make(map[uint32]*Packet),
		ready:         ready,
		st:            st,
	}
}

// insert adds a reliable packet to the buffer and runs the delivery and skip
// steps. It returns false for duplicates of already delivered (or skipped)
// sequences and for packets beyond the window.
func (b *recvBuffer) insert(ctx context.Context, pkt *Packet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := pkt.Seq
	if seq < b.rcvBase {
		// Already delivered or skipped. The peer retransmitted because our
		// acknowledgement crossed its timer; it gets acked again upstream.
		return false
	}
	if seq >= b.rcvBase+b.windowSize {
		return false
	}
	if _, dup := b.packets[seq]; !dup {
		b.packets[seq] = pkt
		if seq > b.rcvBase {
			dlog.Debugf(ctx, "reordering: got seq %d while waiting for %d", seq, b.rcvBase)
		}
	}
	b.deliverLocked()
	b.skipLocked(ctx, dtime.Now())
	return true
}

// checkSkip re-evaluates the skip condition without a new arrival. The
// ingress worker calls this on its poll tick so that a lone packet above the
// base eventually forces the skip even when no further traffic arrives.
func (b *recvBuffer) checkSkip(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipLocked(ctx, dtime.Now())
}

// deliverLocked releases the consecutive run starting at rcvBase.
func (b *recvBuffer) deliverLocked() {
	for {
		pkt, ok := b.packets[b.rcvBase]
		if !ok {
			return
		}
		delete(b.packets, b.rcvBase)
		b.rcvBase++
		b.ready.push(pkt)
		atomic.AddUint64(&b.st.reliableDelivered, 1)
	}
}

// skipLocked advances past missing sequences whose recovery deadline has
// expired. The deadline is measured against the send timestamp of the lowest
// buffered packet above the hole: that packet was sent no earlier than the
// missing one, so its age bounds the hole's age from below. The base moves
// one slot at a time with a delivery pass in between, so a buffered run
// after the hole still comes out in order.
func (b *recvBuffer) skipLocked(ctx context.Context, now time.Time) {
	for {
		if _, ok := b.packets[b.rcvBase]; ok {
			b.deliverLocked()
			continue
		}
		next, ok := b.lowestAboveBaseLocked()
		if !ok {
			return
		}
		if now.Sub(timeOfSeconds(b.packets[next].Timestamp)) < b.skipThreshold {
			return
		}
		dlog.Infof(ctx, "skipping reliable seq %d after %s", b.rcvBase, b.skipThreshold)
		b.rcvBase++
		atomic.AddUint64(&b.st.skips, 1)
		b.deliverLocked()
	}
}

func (b *recvBuffer) lowestAboveBaseLocked() (uint32, bool) {
	var min uint32
	found := false
	for seq := range b.packets {
		if seq > b.rcvBase && (!found || seq < min) {
			min = seq
			found = true
		}
	}
	return min, found
}
