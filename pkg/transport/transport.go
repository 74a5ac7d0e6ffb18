// Package transport moves fixed-size wire frames between two hosts over UDP
// or TCP.
//
// A [Transport] owns exactly one socket and transfers whole packets of a size
// fixed at construction (a WireFrame, optionally prefixed with a channel
// index). It never interprets samples; encoding happens above it in the
// audio package. Every failure is reported as a typed [*Error] and no
// operation terminates the process.
//
// Transports perform blocking socket I/O bounded by configurable deadlines.
// They are meant to be driven from a dedicated network goroutine, never from
// a realtime audio callback.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Outcome describes the result of a successful [Transport.Receive] call.
type Outcome int

const (
	// Filled means the caller's buffer now holds one complete packet.
	Filled Outcome = iota

	// Pending means no data was delivered this call and the caller should
	// treat the period as silent. Only a listening TCP transport returns it.
	Pending
)

// String returns the name of the outcome.
func (o Outcome) String() string {
	switch o {
	case Filled:
		return "filled"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Transport sends and receives fixed-size packets over one socket.
//
// Send and Receive may be called from different goroutines; each method on
// its own must not be called concurrently. Close may be called at any time
// and unblocks pending I/O.
type Transport interface {
	// Send transmits one packet. len(wire) must equal the configured packet
	// size; a mismatch is reported as audio.ErrLengthMismatch.
	Send(wire []byte) error

	// Receive fills wire with exactly one packet, or returns [Pending] when
	// the transport cannot deliver data yet. len(wire) must equal the
	// configured packet size.
	Receive(wire []byte) (Outcome, error)

	// Close releases the socket. It is idempotent.
	Close() error
}

// Poller is implemented by transports that must make progress before they
// can send, such as a listening TCP transport waiting for its peer.
type Poller interface {
	// Poll performs one bounded attempt to advance the connection state.
	Poll() (Outcome, error)
}

// Default deadlines applied when [Options] leaves them zero.
const (
	DefaultReadTimeout   = 20 * time.Millisecond
	DefaultAcceptTimeout = 5 * time.Millisecond
	minAcceptTimeout     = time.Millisecond
)

// Options configures a transport.
type Options struct {
	// Channel labels errors produced by this transport (e.g. "studio/0" or
	// "studio/*" for a shared transport).
	Channel string

	// PacketSize is the exact number of bytes carried by one Send or Receive.
	// Required.
	PacketSize int

	// ReadTimeout bounds a single Receive. Default: [DefaultReadTimeout].
	ReadTimeout time.Duration

	// WriteTimeout bounds a single Send. Zero means no deadline.
	WriteTimeout time.Duration

	// AcceptTimeout bounds one accept attempt of a listening TCP transport.
	// Default: [DefaultAcceptTimeout]; values below 1ms are raised to 1ms.
	AcceptTimeout time.Duration
}

func (o Options) withDefaults() (Options, error) {
	if o.PacketSize <= 0 {
		return o, fmt.Errorf("transport: packet size must be positive, got %d", o.PacketSize)
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = DefaultAcceptTimeout
	}
	if o.AcceptTimeout < minAcceptTimeout {
		o.AcceptTimeout = minAcceptTimeout
	}
	return o, nil
}

// classify maps a socket error onto a [Kind].
func classify(err error) Kind {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindConnectionClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindIOFailure
}

// deadline converts a timeout into an absolute deadline; zero disables it.
func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
