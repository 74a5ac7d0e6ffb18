package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/aoip/pkg/audio"
	"github.com/MrWong99/aoip/pkg/transport"
)

// DefaultPollInterval is how often a listening transport is polled for a
// peer when no frames are flowing.
const DefaultPollInterval = 10 * time.Millisecond

// EgressConfig configures an [Egress].
type EgressConfig struct {
	// Link names the link in logs and metrics.
	Link string

	// Channels are the capture channels carried by the transport. With
	// Tagged unset there must be exactly one.
	Channels []*Channel

	// Tagged prefixes every packet with the channel index.
	Tagged bool

	// Stream marks a stream transport (TCP), where an I/O failure leaves the
	// byte stream unusable and forces a redial.
	Stream bool

	// Notify is the channel every capture ring signals after a push.
	Notify <-chan struct{}

	// Gate, if set, discards queued frames instead of sending them while it
	// is closed.
	Gate Gate

	// Transport is the initial, already established transport. Required.
	Transport transport.Transport

	// Redial replaces the transport when it breaks. Required.
	Redial *Redialer

	Reporter     Reporter
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Egress drains capture rings and sends their frames.
type Egress struct {
	name         string
	link         string
	channels     []*Channel
	tagged       bool
	stream       bool
	notify       <-chan struct{}
	gate         Gate
	redial       *Redialer
	rep          Reporter
	pollInterval time.Duration
	log          *slog.Logger

	slot  slot
	frame audio.Frame
	wire  []byte
}

// NewEgress validates cfg and returns an [Egress] ready to [Egress.Run].
func NewEgress(cfg EgressConfig) (*Egress, error) {
	frameSize, err := validateChannels(cfg.Link, cfg.Channels, cfg.Tagged, audio.Capture)
	if err != nil {
		return nil, err
	}
	if cfg.Transport == nil || cfg.Redial == nil {
		return nil, fmt.Errorf("link %s: egress needs a transport and a redialer", cfg.Link)
	}
	if cfg.Notify == nil {
		return nil, fmt.Errorf("link %s: egress needs a notify channel", cfg.Link)
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NopReporter{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Egress{
		name:         workerName(cfg.Link, "egress", cfg.Channels, cfg.Tagged),
		link:         cfg.Link,
		channels:     cfg.Channels,
		tagged:       cfg.Tagged,
		stream:       cfg.Stream,
		notify:       cfg.Notify,
		gate:         cfg.Gate,
		redial:       cfg.Redial,
		rep:          cfg.Reporter,
		pollInterval: cfg.PollInterval,
		log:          cfg.Logger,
		frame:        make(audio.Frame, frameSize),
		wire:         make([]byte, packetSize(frameSize, cfg.Tagged)),
	}
	e.slot.set(cfg.Transport)
	return e, nil
}

// Name implements [Worker].
func (e *Egress) Name() string { return e.name }

// Connected implements [Worker].
func (e *Egress) Connected() bool { return e.slot.connected() }

// Channels implements [Worker].
func (e *Egress) Channels() []*Channel { return e.channels }

// Run implements [Worker]. Closing ctx closes the transport, which unblocks
// any pending Send.
func (e *Egress) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, e.slot.close)
	defer stop()
	defer e.slot.close()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.log.Debug("egress started", "worker", e.name)
	for {
		var tick <-chan time.Time
		if e.slot.needsPoll.Load() {
			tick = ticker.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.notify:
		case <-tick:
		}

		if e.slot.needsPoll.Load() {
			e.poll(ctx)
		}
		e.drain(ctx)
		if err := e.slot.failure(); err != nil {
			return err
		}
	}
}

// poll advances a listening transport towards a connected one.
func (e *Egress) poll(ctx context.Context) {
	tr := e.slot.get()
	p, ok := tr.(transport.Poller)
	if !ok {
		e.slot.needsPoll.Store(false)
		return
	}
	out, err := p.Poll()
	if err != nil {
		kind, _ := transport.KindOf(err)
		e.rep.TransportError(ctx, e.link, -1, kind)
		if mustRedial(kind, e.stream) {
			e.reconnect(ctx, err)
		}
		return
	}
	if out == transport.Filled {
		e.slot.needsPoll.Store(false)
		e.log.Info("egress peer connected", "worker", e.name)
	}
}

// drain sends every queued frame of every channel. Frames still queued when
// the gate closes are discarded.
func (e *Egress) drain(ctx context.Context) {
	for _, ch := range e.channels {
		for ctx.Err() == nil {
			if e.gate != nil && !e.gate.Enabled() {
				ch.flush()
				break
			}
			ok, err := ch.Ring.Pop(e.frame)
			if err != nil || !ok {
				break
			}
			e.send(ctx, ch)
		}
	}
}

// send transmits e.frame for ch. Failures stay with ch; the caller moves on
// to the next frame or channel either way.
func (e *Egress) send(ctx context.Context, ch *Channel) {
	if e.slot.needsPoll.Load() {
		ch.skipped.Add(1)
		return
	}
	if err := ch.Breaker.Allow(); err != nil {
		ch.skipped.Add(1)
		return
	}

	var err error
	if e.tagged {
		err = audio.EncodeTagged(e.wire, uint16(ch.Index), e.frame)
	} else {
		err = audio.Encode(e.wire, e.frame)
	}
	if err != nil {
		ch.Breaker.Record(err)
		ch.fail(err)
		return
	}

	tr := e.slot.get()
	if tr == nil {
		ch.Breaker.Record(transport.ErrConnectionClosed)
		ch.skipped.Add(1)
		return
	}
	start := time.Now()
	err = tr.Send(e.wire)
	ch.Breaker.Record(err)
	if err == nil {
		ch.frames.Add(1)
		e.rep.FrameSent(ctx, e.link, ch.Index, time.Since(start))
		return
	}
	if ctx.Err() != nil {
		return
	}

	ch.fail(err)
	kind, _ := transport.KindOf(err)
	e.rep.TransportError(ctx, e.link, ch.Index, kind)
	switch {
	case kind == transport.KindInvalidState:
		e.slot.needsPoll.Store(true)
	case mustRedial(kind, e.stream):
		e.reconnect(ctx, err)
	}
}

// reconnect replaces the transport. Frames queued meanwhile stay in the
// rings, which drop the oldest once full.
func (e *Egress) reconnect(ctx context.Context, cause error) {
	e.log.Warn("egress transport lost, redialing", "worker", e.name, "err", cause)
	e.slot.redialing.Store(true)
	defer e.slot.redialing.Store(false)

	e.slot.drop()
	tr, err := e.redial.Reconnect(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			e.slot.fail(fmt.Errorf("link: %s: %w", e.name, err))
			e.log.Error("egress redial failed", "worker", e.name, "err", err)
		}
		return
	}
	if e.slot.set(tr) {
		e.rep.Reconnect(ctx, e.link)
	}
}

func validateChannels(link string, chans []*Channel, tagged bool, dir audio.Direction) (int, error) {
	if len(chans) == 0 {
		return 0, fmt.Errorf("link %s: no channels", link)
	}
	if !tagged && len(chans) != 1 {
		return 0, fmt.Errorf("link %s: %d channels share one untagged transport", link, len(chans))
	}
	size := -1
	seen := make(map[int]bool, len(chans))
	for _, ch := range chans {
		switch {
		case ch == nil || ch.Ring == nil || ch.Breaker == nil:
			return 0, fmt.Errorf("link %s: channel without ring or breaker", link)
		case ch.Direction != dir:
			return 0, fmt.Errorf("link %s: channel %d is %s, want %s", link, ch.Index, ch.Direction, dir)
		case ch.Index < 0 || ch.Index > 0xFFFF:
			return 0, fmt.Errorf("link %s: channel index %d out of range", link, ch.Index)
		case seen[ch.Index]:
			return 0, fmt.Errorf("link %s: duplicate channel index %d", link, ch.Index)
		case size >= 0 && ch.Ring.FrameSize() != size:
			return 0, fmt.Errorf("link %s: channels disagree on frame size", link)
		}
		seen[ch.Index] = true
		size = ch.Ring.FrameSize()
	}
	return size, nil
}

func packetSize(frameSize int, tagged bool) int {
	if tagged {
		return audio.TaggedWireSize(frameSize)
	}
	return audio.WireSize(frameSize)
}

func workerName(link, role string, chans []*Channel, tagged bool) string {
	if tagged || len(chans) != 1 {
		return link + "/" + role
	}
	return fmt.Sprintf("%s/%s/%d", link, role, chans[0].Index)
}
