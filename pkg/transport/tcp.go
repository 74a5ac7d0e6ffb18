package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/MrWong99/aoip/pkg/audio"
)

// State is the connection state of a [TCP] transport.
type State int32

const (
	// StateListening means no peer has been accepted yet.
	StateListening State = iota

	// StateConnected means a peer stream is established. It is terminal:
	// a TCP transport never returns to listening.
	StateConnected
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// TCP is a stream [Transport] modelled as a two-state machine: Listening,
// then Connected once a peer is accepted. The single transition happens in
// [TCP.Poll] (called by Receive while listening) and can be attempted any
// number of times before it succeeds.
//
// TCP carries no framing of its own, so Receive accumulates bytes across as
// many reads as it takes to assemble a full packet. A read timeout part way
// through a packet keeps the partial bytes for the next call, keeping the
// stream aligned.
type TCP struct {
	opts  Options
	state atomic.Int32

	mu   sync.Mutex // guards ln and conn across the transition and Close
	ln   *net.TCPListener
	conn net.Conn

	closed   atomic.Bool
	peerGone atomic.Bool

	rbuf    []byte
	partial int
}

// ListenTCP binds local and returns a transport in [StateListening].
func ListenTCP(local string, opts Options) (*TCP, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveTCPAddr("tcp", local)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve tcp address %q: %w", local, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", local, err)
	}
	t := &TCP{opts: opts, ln: ln, rbuf: make([]byte, opts.PacketSize)}
	t.state.Store(int32(StateListening))
	return t, nil
}

// DialTCP connects to remote and returns a transport in [StateConnected].
func DialTCP(ctx context.Context, remote string, opts Options) (*TCP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", remote, err)
	}
	t, err := NewTCPConn(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

// NewTCPConn wraps an established stream in a transport in
// [StateConnected]. Any net.Conn works, which keeps the framing logic
// testable over in-memory pipes.
func NewTCPConn(conn net.Conn, opts Options) (*TCP, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	t := &TCP{opts: opts, conn: conn, rbuf: make([]byte, opts.PacketSize)}
	t.state.Store(int32(StateConnected))
	return t, nil
}

// State returns the current connection state.
func (t *TCP) State() State {
	return State(t.state.Load())
}

// Addr returns the listening address while listening, or the local address
// of the stream once connected.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.LocalAddr()
	}
	if t.ln != nil {
		return t.ln.Addr()
	}
	return nil
}

// Poll makes one accept attempt bounded by the accept timeout. It returns
// [Pending] whether or not a peer was accepted: the period in which the
// connection is established carries no data. Once connected, Poll is a no-op
// returning [Filled].
func (t *TCP) Poll() (Outcome, error) {
	if t.closed.Load() {
		return Pending, newError(KindConnectionClosed, t.opts.Channel, "accept", net.ErrClosed)
	}
	if t.State() == StateConnected {
		return Filled, nil
	}

	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	if ln == nil {
		return Pending, newError(KindConnectionClosed, t.opts.Channel, "accept", net.ErrClosed)
	}

	if err := ln.SetDeadline(deadline(t.opts.AcceptTimeout)); err != nil {
		return Pending, newError(classify(err), t.opts.Channel, "accept", err)
	}
	conn, err := ln.AcceptTCP()
	if err != nil {
		if kind := classify(err); kind != KindTimeout {
			return Pending, newError(kind, t.opts.Channel, "accept", err)
		}
		return Pending, nil
	}
	_ = conn.SetNoDelay(true)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		_ = conn.Close()
		return Pending, newError(KindConnectionClosed, t.opts.Channel, "accept", net.ErrClosed)
	}
	t.conn = conn
	t.ln = nil
	t.state.Store(int32(StateConnected))
	_ = ln.Close()
	return Pending, nil
}

func (t *TCP) stream() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Send writes exactly one packet, looping over partial writes. Sending while
// listening fails with [KindInvalidState]. A failure after part of the packet
// went out ends the stream with [KindConnectionClosed].
func (t *TCP) Send(wire []byte) error {
	if len(wire) != t.opts.PacketSize {
		return &audio.LengthError{Op: "tcp send", Want: t.opts.PacketSize, Got: len(wire)}
	}
	if t.closed.Load() || t.peerGone.Load() {
		return newError(KindConnectionClosed, t.opts.Channel, "send", net.ErrClosed)
	}
	if t.State() != StateConnected {
		return newError(KindInvalidState, t.opts.Channel, "send", errors.New("no peer accepted yet"))
	}
	conn := t.stream()
	if err := conn.SetWriteDeadline(deadline(t.opts.WriteTimeout)); err != nil {
		return newError(classify(err), t.opts.Channel, "send", err)
	}
	for off := 0; off < len(wire); {
		n, err := conn.Write(wire[off:])
		off += n
		if err != nil {
			kind := classify(err)
			// A packet cut short leaves orphaned bytes on the stream; every
			// later packet would arrive misaligned.
			if kind == KindConnectionClosed || isReset(err) || off > 0 {
				t.peerGone.Store(true)
				kind = KindConnectionClosed
			}
			return newError(kind, t.opts.Channel, "send", fmt.Errorf("after %d of %d bytes: %w", off, len(wire), err))
		}
	}
	return nil
}

// Receive assembles exactly one packet from the stream. While listening it
// delegates to [TCP.Poll] and returns [Pending]. If the peer closes before a
// full packet arrives it fails with [KindConnectionClosed].
func (t *TCP) Receive(wire []byte) (Outcome, error) {
	if len(wire) != t.opts.PacketSize {
		return Filled, &audio.LengthError{Op: "tcp receive", Want: t.opts.PacketSize, Got: len(wire)}
	}
	if t.State() == StateListening {
		return t.Poll()
	}
	if t.closed.Load() || t.peerGone.Load() {
		return Filled, newError(KindConnectionClosed, t.opts.Channel, "receive", net.ErrClosed)
	}
	conn := t.stream()
	if err := conn.SetReadDeadline(deadline(t.opts.ReadTimeout)); err != nil {
		return Filled, newError(classify(err), t.opts.Channel, "receive", err)
	}
	for t.partial < len(t.rbuf) {
		n, err := conn.Read(t.rbuf[t.partial:])
		t.partial += n
		if t.partial == len(t.rbuf) {
			break
		}
		if err != nil {
			kind := classify(err)
			if kind == KindConnectionClosed || isReset(err) {
				t.peerGone.Store(true)
				kind = KindConnectionClosed
				if t.partial > 0 {
					err = fmt.Errorf("%w: %d of %d bytes", io.ErrUnexpectedEOF, t.partial, len(t.rbuf))
				}
			}
			return Filled, newError(kind, t.opts.Channel, "receive", err)
		}
	}
	copy(wire, t.rbuf)
	t.partial = 0
	return Filled, nil
}

// Close closes the listener or stream, unblocking pending I/O.
func (t *TCP) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	if t.ln != nil {
		errs = append(errs, t.ln.Close())
		t.ln = nil
	}
	if t.conn != nil {
		errs = append(errs, t.conn.Close())
	}
	return errors.Join(errs...)
}

// isReset reports whether err means the peer tore the stream down.
func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
