// Package transport provides the duplex channel between the capture
// producer and the ingest server: JSON control messages and raw binary
// frames over one connection, with a queryable count of bytes accepted for
// send but not yet written to the wire. That count is what the producer's
// backpressure gate throttles against.
package transport

import (
	"errors"

	"github.com/zsiec/capsink/protocol"
)

// ErrUnavailable reports that the channel is not in a transmit-ready
// state. Pieces abandoned because of it are lost; callers must surface
// the condition rather than retry.
var ErrUnavailable = errors.New("transport: channel unavailable")

// Conn is one producer-side duplex channel. Implementations must allow
// Buffered and Open to be called concurrently with sends.
type Conn interface {
	// SendControl queues one control message for transmission.
	SendControl(m protocol.Message) error

	// SendBinary queues one binary frame for transmission. The bytes
	// count against Buffered until written to the wire.
	SendBinary(p []byte) error

	// ReadControl blocks until the next control message arrives from
	// the peer. It returns an error wrapping ErrUnavailable once the
	// channel is closed.
	ReadControl() (protocol.Message, error)

	// Buffered returns the number of bytes queued for send but not yet
	// written to the wire.
	Buffered() int64

	// Open reports whether the channel can still transmit.
	Open() bool

	Close() error
}
