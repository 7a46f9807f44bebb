// Package transport provides the three physical carriers a connection
// can run over -- plain TCP, TLS, and serial -- behind one interface so
// the connection engine never needs to know which one it holds, spec
// §2 "Transports". Grounded on the teacher's pkg/usock/usock.go, which
// drives a tarm/serial port behind its own read loop and mutex-guarded
// writer; Listener/Dialer mirror the teacher's net.Listener usage in
// cmd/bluetooth-service.
package transport

import (
	"context"
	"errors"
	"io"
)

// ErrClosed is returned by Read/Write once the transport has been
// closed.
var ErrClosed = errors.New("transport: closed")

// Stream is a byte-oriented duplex carrier: a TCP/TLS socket or a
// serial port. Flush discards any buffered but not-yet-acknowledged
// inbound bytes, needed by the serial handshake (§4.8) to resynchronize
// after a partial frame; on a socket it is a no-op.
type Stream interface {
	io.ReadWriteCloser
	Flush() error
	// Serial reports whether this stream is a serial link, which
	// governs which flow-control and timing constants apply.
	Serial() bool
}

// Dialer opens an outbound Stream to addr, where addr's form depends on
// the transport: "host:port" for TCP/TLS, a device path for serial.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Stream, error)
}

// Listener accepts inbound Streams. A serial listener (there is no such
// thing as a serial "accept") simply returns the single configured port
// wrapped as a Stream every time Accept is called after the first close,
// matching how a point-to-point serial link has exactly one peer.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Close() error
	Addr() string
}
