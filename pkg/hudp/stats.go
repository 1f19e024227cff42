package hudp

import "sync/atomic"

// Stats is a snapshot of the endpoint's transport counters.
type Stats struct {
	ReliableSent        uint64
	UnreliableSent      uint64
	ReliableDelivered   uint64
	UnreliableDelivered uint64

	// Retransmits counts timeout-driven retransmissions.
	Retransmits uint64

	// ReliableDropped counts packets abandoned after the retry cap.
	ReliableDropped uint64

	// Skips counts sequences the receive buffer advanced past.
	Skips uint64

	// StaleAcks counts duplicate or out-of-window acknowledgements.
	StaleAcks uint64

	// MalformedFrames counts datagrams that failed to parse.
	MalformedFrames uint64
}

// stats is the live, atomically updated form shared by the workers.
type stats struct {
	reliableSent        uint64
	unreliableSent      uint64
	reliableDelivered   uint64
	unreliableDelivered uint64
	retransmits         uint64
	reliableDropped     uint64
	skips               uint64
	staleAcks           uint64
	malformedFrames     uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		ReliableSent:        atomic.LoadUint64(&s.reliableSent),
		UnreliableSent:      atomic.LoadUint64(&s.unreliableSent),
		ReliableDelivered:   atomic.LoadUint64(&s.reliableDelivered),
		UnreliableDelivered: atomic.LoadUint64(&s.unreliableDelivered),
		Retransmits:         atomic.LoadUint64(&s.retransmits),
		ReliableDropped:     atomic.LoadUint64(&s.reliableDropped),
		Skips:               atomic.LoadUint64(&s.skips),
		StaleAcks:           atomic.LoadUint64(&s.staleAcks),
		MalformedFrames:     atomic.LoadUint64(&s.malformedFrames),
	}
}
