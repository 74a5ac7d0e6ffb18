// Package mock provides an in-memory implementation of [transport.Transport]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every packet passed to
// Send, replays packets queued with [Transport.Enqueue] from Receive, and
// exposes exported fields that tests set to inject failures.
//
// Typical usage:
//
//	tr := &mock.Transport{SendErr: transport.ErrConnectionClosed}
//	tr.Enqueue(wire)
//	out, err := tr.Receive(buf)
package mock

import (
	"net"
	"sync"
	"time"

	"github.com/MrWong99/aoip/pkg/transport"
)

// Transport is a mock implementation of [transport.Transport] and
// [transport.Poller].
type Transport struct {
	mu sync.Mutex

	// SendErr, when non-nil, is returned by every Send call.
	SendErr error

	// SendErrs is consumed one entry per Send call before SendErr applies.
	// A nil entry means success.
	SendErrs []error

	// ReceiveErr, when non-nil, is returned by Receive once the queue is
	// empty instead of the default timeout.
	ReceiveErr error

	// PollResult and PollErr are returned by Poll.
	PollResult transport.Outcome
	PollErr    error

	// Wait bounds how long Receive blocks on an empty queue before reporting
	// a timeout. Default: 1ms.
	Wait time.Duration

	// Sent records a copy of every packet accepted by Send.
	Sent [][]byte

	// CallCountSend, CallCountReceive, CallCountPoll and CallCountClose
	// record how often each method was called.
	CallCountSend    int
	CallCountReceive int
	CallCountPoll    int
	CallCountClose   int

	queue  [][]byte
	ready  chan struct{}
	closed bool
}

func (t *Transport) init() {
	if t.ready == nil {
		t.ready = make(chan struct{}, 1)
	}
}

// Enqueue makes pkt available to a future Receive call.
func (t *Transport) Enqueue(pkt []byte) {
	t.mu.Lock()
	t.init()
	t.queue = append(t.queue, append([]byte(nil), pkt...))
	ready := t.ready
	t.mu.Unlock()
	select {
	case ready <- struct{}{}:
	default:
	}
}

// Send implements [transport.Transport].
func (t *Transport) Send(wire []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountSend++
	if t.closed {
		return &transport.Error{Kind: transport.KindConnectionClosed, Op: "send", Err: net.ErrClosed}
	}
	if len(t.SendErrs) > 0 {
		err := t.SendErrs[0]
		t.SendErrs = t.SendErrs[1:]
		if err != nil {
			return err
		}
	} else if t.SendErr != nil {
		return t.SendErr
	}
	t.Sent = append(t.Sent, append([]byte(nil), wire...))
	return nil
}

// Receive implements [transport.Transport]. It copies the oldest queued
// packet into wire, or waits up to Wait and then reports ReceiveErr (or a
// timeout when ReceiveErr is nil).
func (t *Transport) Receive(wire []byte) (transport.Outcome, error) {
	t.mu.Lock()
	t.init()
	t.CallCountReceive++
	if t.closed {
		t.mu.Unlock()
		return transport.Filled, &transport.Error{Kind: transport.KindConnectionClosed, Op: "receive", Err: net.ErrClosed}
	}
	if len(t.queue) > 0 {
		pkt := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()
		copy(wire, pkt)
		return transport.Filled, nil
	}
	ready, wait, rerr := t.ready, t.Wait, t.ReceiveErr
	t.mu.Unlock()

	if rerr != nil {
		return transport.Filled, rerr
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ready:
		t.mu.Lock()
		defer t.mu.Unlock()
		if len(t.queue) > 0 {
			pkt := t.queue[0]
			t.queue = t.queue[1:]
			copy(wire, pkt)
			return transport.Filled, nil
		}
	case <-timer.C:
	}
	return transport.Filled, transport.ErrTimeout
}

// Poll implements [transport.Poller].
func (t *Transport) Poll() (transport.Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountPoll++
	return t.PollResult, t.PollErr
}

// Close implements [transport.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountClose++
	t.closed = true
	return nil
}

// SentCount returns the number of packets accepted by Send.
func (t *Transport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Sent)
}

// SendCalls returns the number of Send calls, successful or not.
func (t *Transport) SendCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountSend
}

// IsClosed reports whether Close has been called.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Poller    = (*Transport)(nil)
)
