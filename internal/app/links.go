package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/aoip/internal/bridge"
	"github.com/MrWong99/aoip/internal/config"
	"github.com/MrWong99/aoip/internal/link"
	"github.com/MrWong99/aoip/internal/resilience"
	"github.com/MrWong99/aoip/internal/ring"
	"github.com/MrWong99/aoip/pkg/audio"
	"github.com/MrWong99/aoip/pkg/transport"
)

// portSet collects the engine ports in registration order.
type portSet struct {
	capture  []*bridge.Port
	playback []*bridge.Port
}

// initLinks builds every configured link. Capture ports are registered in
// link order, then channel order, and likewise for playback.
func (a *App) initLinks(ctx context.Context) (portSet, error) {
	var ports portSet
	for _, lc := range a.cfg.Links {
		if err := a.initLink(ctx, lc, &ports); err != nil {
			return ports, &StartupError{Stage: "link " + lc.Name, Err: err}
		}
	}
	return ports, nil
}

func (a *App) initLink(ctx context.Context, lc config.LinkConfig, ports *portSet) error {
	dir := lc.Direction.Audio()
	period := a.cfg.Audio.PeriodSize

	// One wake-up channel per egress worker, shared by its rings.
	notify := make([]chan struct{}, lc.Transports())
	for i := range notify {
		notify[i] = make(chan struct{}, 1)
	}

	chans := make([]*link.Channel, lc.Channels)
	for i := range chans {
		var opts []ring.Option
		if dir == audio.Capture {
			opts = append(opts, ring.WithNotify(notify[transportIndex(lc, i)]))
		}
		r, err := ring.New(a.cfg.Channels.RingPeriods, period, opts...)
		if err != nil {
			return err
		}
		ch := &link.Channel{Link: lc.Name, Index: i, Direction: dir, Ring: r}
		ch.Breaker = a.newBreaker(ch.Name())
		chans[i] = ch

		port := &bridge.Port{Link: lc.Name, Channel: i, Direction: dir, Ring: r}
		if dir == audio.Capture {
			ports.capture = append(ports.capture, port)
		} else {
			ports.playback = append(ports.playback, port)
		}
	}
	a.channels = append(a.channels, chans...)

	for t := range lc.Transports() {
		group := chans
		if !lc.Tagged() {
			group = chans[t : t+1]
		}
		w, err := a.newWorker(ctx, lc, t, group, notify[t])
		if err != nil {
			return err
		}
		a.workers = append(a.workers, w)
	}
	return nil
}

// transportIndex returns the transport carrying channel i.
func transportIndex(lc config.LinkConfig, i int) int {
	if lc.Tagged() {
		return 0
	}
	return i
}

// newBreaker returns the breaker tracking one channel. A channel counts as
// degraded while its breaker is not closed.
func (a *App) newBreaker(name string) *resilience.CircuitBreaker {
	cc := a.cfg.Channels
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  cc.DegradedAfter,
		ResetTimeout: cc.RecoveryTimeout,
		HalfOpenMax:  cc.RecoveryProbes,
		OnStateChange: func(name string, from, to resilience.State) {
			ctx := context.Background()
			switch {
			case from == resilience.StateClosed:
				a.metrics.ChannelDegraded(ctx, true)
				a.log.Warn("channel degraded", "channel", name, "breaker", to)
			case to == resilience.StateClosed:
				a.metrics.ChannelDegraded(ctx, false)
				a.log.Info("channel recovered", "channel", name)
			default:
				a.log.Debug("channel breaker transition", "channel", name, "from", from, "to", to)
			}
		},
	})
}

// newWorker opens transport t of lc and returns the worker that owns it.
func (a *App) newWorker(ctx context.Context, lc config.LinkConfig, t int, chans []*link.Channel, notify chan struct{}) (link.Worker, error) {
	dial, err := a.dialer(lc, t)
	if err != nil {
		return nil, err
	}
	redial := link.NewRedialer(link.RedialerConfig{
		Name:       transportLabel(lc, t),
		Dial:       dial,
		Backoff:    lc.Reconnect.Backoff,
		MaxBackoff: lc.Reconnect.MaxBackoff,
		MaxRetries: lc.Reconnect.MaxRetries,
		Logger:     a.log,
	})
	tr, err := redial.Dial(ctx)
	if err != nil {
		return nil, err
	}
	// The worker closes its transport when Run returns; this covers an App
	// that is shut down without running.
	a.closers = append(a.closers, tr.Close)

	if lc.Direction == config.DirectionCapture {
		return link.NewEgress(link.EgressConfig{
			Link:      lc.Name,
			Channels:  chans,
			Tagged:    lc.Tagged(),
			Stream:    lc.Stream(),
			Notify:    notify,
			Gate:      a.gate,
			Transport: tr,
			Redial:    redial,
			Reporter:  a.metrics,
			Logger:    a.log,
		})
	}
	return link.NewIngress(link.IngressConfig{
		Link:      lc.Name,
		Channels:  chans,
		Tagged:    lc.Tagged(),
		Stream:    lc.Stream(),
		Gate:      a.gate,
		Transport: tr,
		Redial:    redial,
		Reporter:  a.metrics,
		Logger:    a.log,
	})
}

// transportLabel names transport t of lc in logs and transport errors.
func transportLabel(lc config.LinkConfig, t int) string {
	if lc.Tagged() {
		return lc.Name + "/*"
	}
	return fmt.Sprintf("%s/%d", lc.Name, t)
}

// dialer returns the function that opens transport t of lc. Per-channel
// links offset every port by t.
func (a *App) dialer(lc config.LinkConfig, t int) (link.Dialer, error) {
	period := a.cfg.Audio.PeriodSize
	size := audio.WireSize(period)
	if lc.Tagged() {
		size = audio.TaggedWireSize(period)
	}
	opts := transport.Options{
		Channel:       transportLabel(lc, t),
		PacketSize:    size,
		ReadTimeout:   lc.ReadTimeout,
		WriteTimeout:  lc.WriteTimeout,
		AcceptTimeout: lc.AcceptTimeout,
	}

	local, err := config.ChannelAddr(lc.LocalAddr, t)
	if err != nil {
		return nil, err
	}

	switch {
	case lc.Transport == config.TransportUDP:
		remote, err := config.ChannelAddr(lc.RemoteAddr, t)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (transport.Transport, error) {
			u, err := transport.DialUDP(local, remote, opts)
			if err != nil {
				return nil, err
			}
			return u, nil
		}, nil

	case lc.Role == config.RoleListen:
		return func(context.Context) (transport.Transport, error) {
			l, err := transport.ListenTCP(local, opts)
			if err != nil {
				return nil, err
			}
			return l, nil
		}, nil
	}

	// TCP connect: try the remote address first, then each fallback. An
	// address that keeps refusing is skipped until its breaker resets.
	fg := resilience.NewFallbackGroup[string](resilience.CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: lc.Reconnect.MaxBackoff,
		HalfOpenMax:  1,
	})
	for _, r := range lc.Remotes() {
		addr, err := config.ChannelAddr(r, t)
		if err != nil {
			return nil, err
		}
		fg.Add(addr, addr)
	}
	label := transportLabel(lc, t)
	return func(ctx context.Context) (transport.Transport, error) {
		tr, remote, err := resilience.Dial(ctx, fg, func(ctx context.Context, addr string) (transport.Transport, error) {
			c, err := transport.DialTCP(ctx, addr, opts)
			if err != nil {
				return nil, err
			}
			return c, nil
		})
		if err != nil {
			return nil, err
		}
		a.log.Info("link connected", "transport", label, "remote", remote)
		return tr, nil
	}, nil
}
