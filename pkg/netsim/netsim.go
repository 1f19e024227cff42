// Package netsim provides an in-memory, deterministic stand-in for the UDP
// socket pair used by an H-UDP association. The two Conn halves implement
// net.PacketConn; each half owns a Link whose fault rules are applied to the
// frames it writes. Rules understand just enough of the H-UDP header (the
// channel byte and the sequence number) to target individual frames, so
// tests can drop the first n transmissions of a specific sequence, withhold
// acknowledgements, reorder neighbours, or apply seeded random loss.
package netsim

import (
	"encoding/binary"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"
)

// Header facts shared with the transport; kept here so the package stays
// independent of it.
const (
	headerLen      = 17
	channelByteOff = 0
	seqOff         = 1
)

const (
	Reliable   byte = 0
	Unreliable byte = 1
)

type frame struct {
	data []byte
	from net.Addr
}

// Addr is the no-op address of a simulated conn.
type Addr string

func (a Addr) Network() string { return "netsim" }
func (a Addr) String() string  { return string(a) }

// Conn is one half of a simulated association.
type Conn struct {
	addr     Addr
	peer     *Conn
	outbound *Link

	mu       sync.Mutex
	deadline time.Time
	closed   bool

	incoming chan frame
	done     chan struct{}
}

// Pair returns two connected halves. Frames written on a are subject to
// a.Outbound()'s rules before they surface on b, and vice versa.
func Pair() (a, b *Conn) {
	a = &Conn{addr: Addr("a"), outbound: newLink(), incoming: make(chan frame, 1024), done: make(chan struct{})}
	b = &Conn{addr: Addr("b"), outbound: newLink(), incoming: make(chan frame, 1024), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	a.outbound.bind(func(data []byte) { b.deliver(frame{data: data, from: a.addr}) })
	b.outbound.bind(func(data []byte) { a.deliver(frame{data: data, from: b.addr}) })
	return a, b
}

// Outbound returns the link that filters frames written by this half.
func (c *Conn) Outbound() *Link {
	return c.outbound
}

func (c *Conn) LocalAddr() net.Addr { return c.addr }

func (c *Conn) SetDeadline(t time.Time) error      { return c.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(_ time.Time) error { return nil }

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.deadline = t
	return nil
}

func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var expire <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-c.done:
		return 0, nil, net.ErrClosed
	case <-expire:
		return 0, nil, os.ErrDeadlineExceeded
	case f := <-c.incoming:
		n := copy(p, f.data)
		return n, f.from, nil
	}
}

func (c *Conn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.mu.Unlock()

	data := make([]byte, len(p))
	copy(data, p)
	for _, out := range c.outbound.filter(data) {
		c.peer.deliver(frame{data: out, from: c.addr})
	}
	return len(p), nil
}

func (c *Conn) deliver(f frame) {
	select {
	case <-c.done:
	case c.incoming <- f:
	default:
		// Receiver queue full; a real network would drop here too.
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.closed = true
	close(c.done)
	return nil
}

// Link applies fault rules to every frame written by its conn, in a fixed
// order that does not depend on the order of installation: ack holding,
// drop-all, drop-first, loss, hold, duplication. With no rules it is a
// perfect wire.
type Link struct {
	mu        sync.Mutex
	attempts  map[key]int
	dropFirst map[key]int
	dropAll   map[key]bool
	holdOne   map[key]bool
	held      [][]byte
	loss      map[byte]lossRule
	dup       map[key]bool

	holdingAcks bool
	heldAcks    [][]byte
	ackSink     func([]byte)
}

type key struct {
	channel byte
	seq     uint32
}

type lossRule struct {
	ratio float64
	rnd   *rand.Rand
}

func newLink() *Link {
	return &Link{
		attempts:  make(map[key]int),
		dropFirst: make(map[key]int),
		dropAll:   make(map[key]bool),
		holdOne:   make(map[key]bool),
		loss:      make(map[byte]lossRule),
		dup:       make(map[key]bool),
	}
}

// DropFirst discards the first n transmissions of the given sequence.
// Retransmissions beyond n pass.
func (l *Link) DropFirst(channel byte, seq uint32, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropFirst[key{channel, seq}] = n
}

// DropAll discards every transmission of the given sequence.
func (l *Link) DropAll(channel byte, seq uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropAll[key{channel, seq}] = true
}

// Hold withholds the next transmission of the given sequence until the
// following frame on the link has passed, swapping the two on the wire.
func (l *Link) Hold(channel byte, seq uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdOne[key{channel, seq}] = true
}

// Duplicate delivers the next transmission of the given sequence twice.
func (l *Link) Duplicate(channel byte, seq uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dup[key{channel, seq}] = true
}

// Loss drops data frames on the given channel at the given ratio, driven by
// a seeded generator for repeatability. Acknowledgement frames are exempt.
func (l *Link) Loss(channel byte, ratio float64, seed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loss[channel] = lossRule{ratio: ratio, rnd: rand.New(rand.NewSource(seed))}
}

// HoldAcks starts queueing acknowledgement frames instead of delivering
// them. Use ReleaseAcks to let a counted number through.
func (l *Link) HoldAcks() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdingAcks = true
}

// ReleaseAcks delivers up to n queued acknowledgements and returns how many
// were released. Pass a negative n to flush the queue and stop holding.
func (l *Link) ReleaseAcks(n int) int {
	l.mu.Lock()
	if n < 0 {
		n = len(l.heldAcks)
		l.holdingAcks = false
	}
	if n > len(l.heldAcks) {
		n = len(l.heldAcks)
	}
	out := l.heldAcks[:n]
	l.heldAcks = l.heldAcks[n:]
	sink := l.ackSink
	l.mu.Unlock()
	for _, f := range out {
		sink(f)
	}
	return len(out)
}

func isAck(data []byte) bool {
	return len(data) == headerLen && data[channelByteOff] == Reliable
}

func frameKey(data []byte) (key, bool) {
	if len(data) < headerLen {
		return key{}, false
	}
	return key{
		channel: data[channelByteOff],
		seq:     binary.BigEndian.Uint32(data[seqOff : seqOff+4]),
	}, true
}

// filter applies the rules to one written frame and returns the frames to
// deliver, in order.
func (l *Link) filter(data []byte) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	if isAck(data) && l.holdingAcks {
		l.heldAcks = append(l.heldAcks, data)
		return nil
	}

	k, ok := frameKey(data)
	if !ok {
		return [][]byte{data}
	}

	attempt := l.attempts[k]
	l.attempts[k] = attempt + 1

	switch {
	case l.dropAll[k]:
		return nil
	case attempt < l.dropFirst[k]:
		return nil
	}

	if !isAck(data) {
		if lr, lossy := l.loss[k.channel]; lossy && lr.rnd.Float64() < lr.ratio {
			return nil
		}
	}

	if l.holdOne[k] {
		delete(l.holdOne, k)
		l.held = append(l.held, data)
		return nil
	}

	out := [][]byte{data}
	if l.dup[k] {
		delete(l.dup, k)
		out = append(out, data)
	}
	if len(l.held) > 0 {
		out = append(out, l.held...)
		l.held = nil
	}
	return out
}

// bind wires the ack release path back to the peer conn. Called by Pair.
func (l *Link) bind(deliver func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ackSink = deliver
}
