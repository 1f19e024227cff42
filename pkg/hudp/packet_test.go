package hudp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
	}{
		{"reliable with payload", Packet{Channel: Reliable, Seq: 42, Timestamp: 1700000000.25, Payload: []byte(`{"score":17}`)}},
		{"unreliable with payload", Packet{Channel: Unreliable, Seq: 7, Timestamp: 0.5, Payload: []byte(`{"x":1,"y":2}`)}},
		{"ack", Packet{Channel: Reliable, Ack: 99, Timestamp: 1700000000.75, Payload: []byte{}}},
		{"empty unreliable", Packet{Channel: Unreliable, Seq: 0, Timestamp: 0, Payload: []byte{}}},
		{"max payload", Packet{Channel: Reliable, Seq: 1, Timestamp: 3.25, Payload: bytes.Repeat([]byte{0xab}, MaxPayloadSize)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.pkt.Marshal()
			require.Len(t, data, HeaderLen+len(tt.pkt.Payload))
			back, err := ParsePacket(data)
			require.NoError(t, err)
			if diff := cmp.Diff(&tt.pkt, back); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPacket_Layout(t *testing.T) {
	pkt := Packet{Channel: Unreliable, Seq: 0x01020304, Ack: 0x0a0b0c0d, Timestamp: 1.0, Payload: []byte{0xff}}
	data := pkt.Marshal()
	require.Len(t, data, 18)
	assert.Equal(t, byte(1), data[0])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data[1:5])
	assert.Equal(t, []byte{0x0a, 0x0b, 0x0c, 0x0d}, data[5:9])
	// 1.0 as IEEE-754 binary64, big-endian
	assert.Equal(t, []byte{0x3f, 0xf0, 0, 0, 0, 0, 0, 0}, data[9:17])
	assert.Equal(t, byte(0xff), data[17])
}

func TestParsePacket_Malformed(t *testing.T) {
	for _, n := range []int{0, 1, HeaderLen - 1} {
		_, err := ParsePacket(make([]byte, n))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformedFrame))
	}
}

func TestPacket_IsAck(t *testing.T) {
	assert.True(t, (&Packet{Channel: Reliable, Ack: 3}).IsAck())
	assert.False(t, (&Packet{Channel: Reliable, Seq: 3, Payload: []byte{1}}).IsAck())
	assert.False(t, (&Packet{Channel: Unreliable}).IsAck())
}

func TestChannel_String(t *testing.T) {
	assert.Equal(t, "RELIABLE", Reliable.String())
	assert.Equal(t, "UNRELIABLE", Unreliable.String())
	assert.Equal(t, "CHANNEL-7", Channel(7).String())
}
