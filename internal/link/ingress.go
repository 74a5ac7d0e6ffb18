package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/aoip/pkg/audio"
	"github.com/MrWong99/aoip/pkg/transport"
)

// Gate is the read side of the run-gate.
type Gate interface {
	Enabled() bool
}

// IngressConfig configures an [Ingress].
type IngressConfig struct {
	Link string

	// Channels are the playback channels carried by the transport. With
	// Tagged unset there must be exactly one.
	Channels []*Channel

	// Tagged expects every packet to start with a channel index.
	Tagged bool

	// Stream marks a stream transport (TCP).
	Stream bool

	// Gate decides whether received frames reach the rings. While it is
	// closed the socket is still drained and frames are discarded. Closing
	// it empties the rings.
	Gate Gate

	// Transport is the initial transport. Required.
	Transport transport.Transport

	// Redial replaces the transport when it breaks. Required.
	Redial *Redialer

	Reporter Reporter
	Logger   *slog.Logger
}

// Ingress receives packets and fills playback rings.
type Ingress struct {
	name     string
	link     string
	channels []*Channel
	byIndex  map[int]*Channel
	tagged   bool
	stream   bool
	gate     Gate
	gateOpen bool
	redial   *Redialer
	rep      Reporter
	log      *slog.Logger

	slot    slot
	frame   audio.Frame
	wire    []byte
	unknown atomic.Uint64
	framing atomic.Uint64
}

// NewIngress validates cfg and returns an [Ingress] ready to [Ingress.Run].
func NewIngress(cfg IngressConfig) (*Ingress, error) {
	frameSize, err := validateChannels(cfg.Link, cfg.Channels, cfg.Tagged, audio.Playback)
	if err != nil {
		return nil, err
	}
	if cfg.Transport == nil || cfg.Redial == nil {
		return nil, fmt.Errorf("link %s: ingress needs a transport and a redialer", cfg.Link)
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("link %s: ingress needs a gate", cfg.Link)
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NopReporter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	in := &Ingress{
		name:     workerName(cfg.Link, "ingress", cfg.Channels, cfg.Tagged),
		link:     cfg.Link,
		channels: cfg.Channels,
		byIndex:  make(map[int]*Channel, len(cfg.Channels)),
		tagged:   cfg.Tagged,
		stream:   cfg.Stream,
		gate:     cfg.Gate,
		redial:   cfg.Redial,
		rep:      cfg.Reporter,
		log:      cfg.Logger,
		frame:    make(audio.Frame, frameSize),
		wire:     make([]byte, packetSize(frameSize, cfg.Tagged)),
	}
	for _, ch := range cfg.Channels {
		in.byIndex[ch.Index] = ch
	}
	in.slot.set(cfg.Transport)
	return in, nil
}

// Name implements [Worker].
func (in *Ingress) Name() string { return in.name }

// Connected implements [Worker].
func (in *Ingress) Connected() bool { return in.slot.connected() }

// Channels implements [Worker].
func (in *Ingress) Channels() []*Channel { return in.channels }

// UnknownChannels returns how many tagged packets named a channel index
// this link does not carry.
func (in *Ingress) UnknownChannels() uint64 { return in.unknown.Load() }

// FramingErrors returns how many packets were rejected before decoding on a
// shared transport, where no single channel can be blamed.
func (in *Ingress) FramingErrors() uint64 { return in.framing.Load() }

// Run implements [Worker]. Each Receive is bounded by the transport's read
// timeout, and closing ctx closes the transport.
func (in *Ingress) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, in.slot.close)
	defer stop()
	defer in.slot.close()

	in.log.Debug("ingress started", "worker", in.name)
	for ctx.Err() == nil {
		tr := in.slot.get()
		if tr == nil {
			return in.slot.failure()
		}
		out, err := tr.Receive(in.wire)
		if ctx.Err() != nil {
			return nil
		}
		in.trackGate()
		if err != nil {
			in.handleError(ctx, err)
			continue
		}
		if out == transport.Pending {
			continue
		}
		in.deliver(ctx)
	}
	return nil
}

func (in *Ingress) handleError(ctx context.Context, err error) {
	kind, ok := transport.KindOf(err)
	if !ok {
		// A length mismatch here is a wiring bug; count it like an I/O failure.
		kind = transport.KindIOFailure
	}
	if kind == transport.KindTimeout {
		return
	}

	ch := in.blame()
	idx := -1
	if ch != nil {
		idx = ch.Index
		ch.fail(err)
		ch.Breaker.Record(err)
	} else {
		in.framing.Add(1)
	}
	in.rep.TransportError(ctx, in.link, idx, kind)

	if mustRedial(kind, in.stream) {
		in.reconnect(ctx, err)
	}
}

// blame returns the channel a transport failure belongs to, or nil when the
// transport is shared.
func (in *Ingress) blame() *Channel {
	if in.tagged {
		return nil
	}
	return in.channels[0]
}

func (in *Ingress) deliver(ctx context.Context) {
	var (
		ch  *Channel
		err error
	)
	if in.tagged {
		var idx uint16
		idx, err = audio.DecodeTagged(in.frame, in.wire)
		if err == nil {
			ch = in.byIndex[int(idx)]
			if ch == nil {
				in.unknown.Add(1)
				return
			}
		}
	} else {
		ch = in.channels[0]
		err = audio.Decode(in.frame, in.wire)
	}
	if err != nil {
		in.framing.Add(1)
		in.log.Error("decode failed", "worker", in.name, "err", err)
		return
	}

	ch.Breaker.Record(nil)
	ch.frames.Add(1)
	in.rep.FrameReceived(ctx, in.link, ch.Index)

	if !in.gateOpen {
		ch.skipped.Add(1)
		return
	}
	_, _ = ch.Ring.Push(in.frame)
}

// trackGate follows the gate and empties the playback rings when it closes,
// so audio queued before a stop never plays after the next start.
func (in *Ingress) trackGate() {
	open := in.gate.Enabled()
	if in.gateOpen && !open {
		for _, ch := range in.channels {
			ch.flush()
		}
	}
	in.gateOpen = open
}

func (in *Ingress) reconnect(ctx context.Context, cause error) {
	in.log.Warn("ingress transport lost, redialing", "worker", in.name, "err", cause)
	in.slot.redialing.Store(true)
	defer in.slot.redialing.Store(false)

	in.slot.drop()
	tr, err := in.redial.Reconnect(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			in.slot.fail(fmt.Errorf("link: %s: %w", in.name, err))
			in.log.Error("ingress redial failed", "worker", in.name, "err", err)
		}
		return
	}
	if in.slot.set(tr) {
		in.rep.Reconnect(ctx, in.link)
	}
}
