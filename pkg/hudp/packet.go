// Package hudp implements a hybrid UDP transport that multiplexes a reliable
// and an unreliable logical channel over a single datagram socket. The
// reliable channel uses Selective Repeat with a timeout-bounded skip policy:
// a hole that cannot be recovered within the skip threshold is abandoned so
// that head-of-line blocking stays bounded.
package hudp

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Channel identifies one of the two logical channels multiplexed on the
// socket. The value is the first byte of every frame.
type Channel byte

const (
	Reliable   Channel = 0
	Unreliable Channel = 1
)

func (c Channel) String() string {
	switch c {
	case Reliable:
		return "RELIABLE"
	case Unreliable:
		return "UNRELIABLE"
	default:
		return fmt.Sprintf("CHANNEL-%d", byte(c))
	}
}

const (
	// MaxPacketSize caps the frame so that it fits an MTU of 1500 together
	// with the IP and UDP headers.
	MaxPacketSize = 1400

	// HeaderLen is the fixed frame header: channel (1), seq (4), ack (4),
	// timestamp (8).
	HeaderLen = 17

	// MaxPayloadSize is the largest payload that fits a single frame.
	MaxPayloadSize = MaxPacketSize - HeaderLen
)

// Packet is one H-UDP frame. Seq is monotonic per channel and sender. Ack is
// meaningful only on acknowledgement frames (reliable channel, empty
// payload). Timestamp is the sender's clock in seconds at the time of the
// latest (re)transmission.
type Packet struct {
	Channel   Channel
	Seq       uint32
	Ack       uint32
	Timestamp float64
	Payload   []byte
}

// IsAck reports whether the frame is an acknowledgement: a reliable-channel
// frame that carries no payload.
func (p *Packet) IsAck() bool {
	return p.Channel == Reliable && len(p.Payload) == 0
}

func (p *Packet) String() string {
	if p.IsAck() {
		return fmt.Sprintf("%s ack %d", p.Channel, p.Ack)
	}
	return fmt.Sprintf("%s seq %d, len %d", p.Channel, p.Seq, len(p.Payload))
}

// Marshal encodes the frame in network byte order.
func (p *Packet) Marshal() []byte {
	b := make([]byte, HeaderLen+len(p.Payload))
	b[0] = byte(p.Channel)
	binary.BigEndian.PutUint32(b[1:5], p.Seq)
	binary.BigEndian.PutUint32(b[5:9], p.Ack)
	binary.BigEndian.PutUint64(b[9:17], math.Float64bits(p.Timestamp))
	copy(b[HeaderLen:], p.Payload)
	return b
}

// ParsePacket decodes a frame. The only validation is the minimum length;
// unknown channel values are surfaced to the caller, which drops them.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	pl := make([]byte, len(data)-HeaderLen)
	copy(pl, data[HeaderLen:])
	return &Packet{
		Channel:   Channel(data[0]),
		Seq:       binary.BigEndian.Uint32(data[1:5]),
		Ack:       binary.BigEndian.Uint32(data[5:9]),
		Timestamp: math.Float64frombits(binary.BigEndian.Uint64(data[9:17])),
		Payload:   pl,
	}, nil
}

// Latency returns the one-way latency of the frame as observed at the given
// receive time. It assumes reasonably synchronized clocks; with the loopback
// harness the clocks are the same.
func (p *Packet) Latency(now time.Time) time.Duration {
	return now.Sub(timeOfSeconds(p.Timestamp))
}

func secondsOf(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeOfSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
