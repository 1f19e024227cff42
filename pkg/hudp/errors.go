package hudp

import "errors"

var (
	// ErrPayloadTooLarge is returned by Send when the payload exceeds
	// MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMalformedFrame is returned by ParsePacket for datagrams shorter
	// than the frame header.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrEndpointClosed is returned by Send and Recv after Close.
	ErrEndpointClosed = errors.New("endpoint closed")
)
