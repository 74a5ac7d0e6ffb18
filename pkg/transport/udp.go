package transport

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/MrWong99/aoip/pkg/audio"
)

// UDP is a datagram [Transport] whose peer is fixed when it is created.
// Each Send emits exactly one datagram carrying one packet. Keeping datagrams
// below the path MTU is the caller's job (choose the period size accordingly).
//
// Reordering and loss are not detected; the wire format carries no sequence
// number.
type UDP struct {
	opts    Options
	conn    *net.UDPConn
	scratch []byte // PacketSize+1 so oversized datagrams are observable
	closed  atomic.Bool
}

// DialUDP binds local and fixes remote as the only peer. Either address may
// use port 0 on the local side to pick an ephemeral port.
func DialUDP(local, remote string, opts Options) (*UDP, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve local udp address %q: %w", local, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve remote udp address %q: %w", remote, err)
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind udp %s -> %s: %w", local, remote, err)
	}
	return &UDP{
		opts:    opts,
		conn:    conn,
		scratch: make([]byte, opts.PacketSize+1),
	}, nil
}

// LocalAddr returns the bound local address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Send writes wire as a single datagram.
func (u *UDP) Send(wire []byte) error {
	if len(wire) != u.opts.PacketSize {
		return &audio.LengthError{Op: "udp send", Want: u.opts.PacketSize, Got: len(wire)}
	}
	if u.closed.Load() {
		return newError(KindConnectionClosed, u.opts.Channel, "send", net.ErrClosed)
	}
	if err := u.conn.SetWriteDeadline(deadline(u.opts.WriteTimeout)); err != nil {
		return newError(classify(err), u.opts.Channel, "send", err)
	}
	n, err := u.conn.Write(wire)
	if err != nil {
		return newError(classify(err), u.opts.Channel, "send", err)
	}
	if n != len(wire) {
		return newError(KindIOFailure, u.opts.Channel, "send", fmt.Errorf("short write: %d of %d bytes", n, len(wire)))
	}
	return nil
}

// Receive reads one datagram. A datagram whose size differs from the packet
// size is rejected with [KindShortRead] or [KindOversized] and wire is left
// untouched.
func (u *UDP) Receive(wire []byte) (Outcome, error) {
	if len(wire) != u.opts.PacketSize {
		return Filled, &audio.LengthError{Op: "udp receive", Want: u.opts.PacketSize, Got: len(wire)}
	}
	if u.closed.Load() {
		return Filled, newError(KindConnectionClosed, u.opts.Channel, "receive", net.ErrClosed)
	}
	if err := u.conn.SetReadDeadline(deadline(u.opts.ReadTimeout)); err != nil {
		return Filled, newError(classify(err), u.opts.Channel, "receive", err)
	}
	n, err := u.conn.Read(u.scratch)
	if err != nil {
		return Filled, newError(classify(err), u.opts.Channel, "receive", err)
	}
	switch {
	case n < u.opts.PacketSize:
		return Filled, sizeError(KindShortRead, u.opts.Channel, u.opts.PacketSize, n)
	case n > u.opts.PacketSize:
		return Filled, sizeError(KindOversized, u.opts.Channel, u.opts.PacketSize, n)
	}
	copy(wire, u.scratch[:n])
	return Filled, nil
}

// Close closes the socket, unblocking any pending Receive.
func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	return u.conn.Close()
}
