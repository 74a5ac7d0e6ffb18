// Package link runs the network side of the bridge: one goroutine per
// transport that moves frames between the per-channel rings and the socket.
//
// An [Egress] drains capture rings, encodes each frame and sends it. An
// [Ingress] receives packets, decodes them and fills playback rings. Both
// own their transport exclusively, record failures against the affected
// channel only, and redial through a [Redialer] when a stream breaks. The
// realtime callback never waits on anything in this package.
package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/aoip/internal/resilience"
	"github.com/MrWong99/aoip/internal/ring"
	"github.com/MrWong99/aoip/pkg/audio"
	"github.com/MrWong99/aoip/pkg/transport"
)

// Dialer opens a fresh transport for a link. It is called once at startup
// and again every time a broken transport has to be replaced.
type Dialer func(ctx context.Context) (transport.Transport, error)

// Reporter receives per-frame and per-failure events from the network
// goroutines. Channel is -1 for events that cannot be attributed to a single
// channel (a framing error on a shared transport).
type Reporter interface {
	FrameSent(ctx context.Context, link string, channel int, d time.Duration)
	FrameReceived(ctx context.Context, link string, channel int)
	TransportError(ctx context.Context, link string, channel int, kind transport.Kind)
	Reconnect(ctx context.Context, link string)
}

// NopReporter discards every event.
type NopReporter struct{}

func (NopReporter) FrameSent(context.Context, string, int, time.Duration)       {}
func (NopReporter) FrameReceived(context.Context, string, int)                  {}
func (NopReporter) TransportError(context.Context, string, int, transport.Kind) {}
func (NopReporter) Reconnect(context.Context, string)                           {}

// Worker is implemented by [Egress] and [Ingress].
type Worker interface {
	// Run moves frames until ctx is done. It returns nil on a clean stop.
	Run(ctx context.Context) error

	// Name identifies the worker in logs, e.g. "studio/egress/0".
	Name() string

	// Connected reports whether the current transport can carry data.
	Connected() bool

	// Channels returns the channels served by this worker.
	Channels() []*Channel
}

// Channel is one audio channel of a link together with its ring and health
// tracking. The ring is shared with the realtime bridge; everything else is
// owned by the network goroutine.
type Channel struct {
	Link      string
	Index     int
	Direction audio.Direction
	Ring      *ring.Ring
	Breaker   *resilience.CircuitBreaker

	frames  atomic.Uint64
	errors  atomic.Uint64
	skipped atomic.Uint64

	mu        sync.Mutex
	lastErr   error
	lastErrAt time.Time
}

// Name returns "link/index".
func (c *Channel) Name() string {
	return fmt.Sprintf("%s/%d", c.Link, c.Index)
}

// Degraded reports whether the channel's breaker is not closed.
func (c *Channel) Degraded() bool {
	return c.Breaker != nil && c.Breaker.Degraded()
}

func (c *Channel) fail(err error) {
	c.errors.Add(1)
	c.mu.Lock()
	c.lastErr = err
	c.lastErrAt = time.Now()
	c.mu.Unlock()
}

// ChannelStatus is a point-in-time view of one channel.
type ChannelStatus struct {
	Link      string          `json:"link"`
	Channel   int             `json:"channel"`
	Direction audio.Direction `json:"direction"`

	// Frames counts frames sent (capture) or received (playback).
	Frames uint64 `json:"frames"`

	// Errors counts transport and framing failures attributed to the channel.
	Errors uint64 `json:"errors"`

	// Skipped counts frames dropped before reaching the transport (degraded
	// channel, peer not yet accepted, gate closed) or the ring (gate closed).
	Skipped uint64 `json:"skipped"`

	Queued      int              `json:"queued"`
	LastError   string           `json:"last_error,omitempty"`
	LastErrorAt time.Time        `json:"last_error_at,omitzero"`
	Breaker     resilience.State `json:"breaker"`
	Degraded    bool             `json:"degraded"`
}

// Status returns a snapshot of the channel.
func (c *Channel) Status() ChannelStatus {
	st := ChannelStatus{
		Link:      c.Link,
		Channel:   c.Index,
		Direction: c.Direction,
		Frames:    c.frames.Load(),
		Errors:    c.errors.Load(),
		Skipped:   c.skipped.Load(),
	}
	if c.Ring != nil {
		st.Queued = c.Ring.Len()
	}
	c.mu.Lock()
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
		st.LastErrorAt = c.lastErrAt
	}
	c.mu.Unlock()
	if c.Breaker != nil {
		st.Breaker = c.Breaker.State()
		st.Degraded = c.Breaker.Degraded()
	}
	return st
}

// stater is implemented by transports with an observable connection state.
type stater interface {
	State() transport.State
}

// slot holds the transport currently owned by a worker. Close may be called
// from the context's AfterFunc while the worker is mid-redial.
type slot struct {
	mu        sync.Mutex
	tr        transport.Transport
	closed    bool
	err       error
	redialing atomic.Bool
	needsPoll atomic.Bool
}

func (s *slot) get() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

// set installs tr. It returns false, closing tr, if the slot was already
// closed.
func (s *slot) set(tr transport.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = tr.Close()
		return false
	}
	s.tr = tr
	_, poller := tr.(transport.Poller)
	s.needsPoll.Store(poller)
	return true
}

// drop closes and forgets the current transport.
func (s *slot) drop() {
	s.mu.Lock()
	tr := s.tr
	s.tr = nil
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// close closes the current transport and refuses future ones.
func (s *slot) close() {
	s.mu.Lock()
	s.closed = true
	tr := s.tr
	s.tr = nil
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// flush discards the frames queued in the channel's ring.
func (c *Channel) flush() {
	if n := c.Ring.Reset(); n > 0 {
		c.skipped.Add(uint64(n))
	}
}

// fail records a terminal redial failure.
func (s *slot) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *slot) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *slot) connected() bool {
	if s.redialing.Load() {
		return false
	}
	tr := s.get()
	if tr == nil {
		return false
	}
	if st, ok := tr.(stater); ok {
		return st.State() == transport.StateConnected
	}
	return true
}

// mustRedial reports whether err means the transport is unusable.
func mustRedial(kind transport.Kind, stream bool) bool {
	return kind == transport.KindConnectionClosed || (stream && kind == transport.KindIOFailure)
}
