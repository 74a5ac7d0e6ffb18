// Package observe provides application-wide observability primitives for
// the aoip bridge: OpenTelemetry metrics, tracing, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/aoip/internal/bridge"
	"github.com/MrWong99/aoip/pkg/audio"
	"github.com/MrWong99/aoip/pkg/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all aoip metrics.
const meterName = "github.com/MrWong99/aoip"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// FramesSent counts frames written to a transport. Attributes: link, channel.
	FramesSent metric.Int64Counter

	// FramesReceived counts frames read from a transport. Attributes: link, channel.
	FramesReceived metric.Int64Counter

	// TransportErrors counts failed sends and receives.
	// Attributes: link, channel, kind.
	TransportErrors metric.Int64Counter

	// Reconnects counts re-established stream transports. Attribute: link.
	Reconnects metric.Int64Counter

	// SendDuration tracks the time spent in a single Send.
	SendDuration metric.Float64Histogram

	// DegradedChannels tracks the number of channels whose breaker is not
	// closed.
	DegradedChannels metric.Int64UpDownCounter

	// HTTPRequestDuration tracks control-plane request latency.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// sendBuckets are histogram boundaries (seconds) sized around one audio
// period.
var sendBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.FramesSent, err = m.Int64Counter("aoip.frames.sent",
		metric.WithDescription("Frames written to the network by link and channel."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("aoip.frames.received",
		metric.WithDescription("Frames read from the network by link and channel."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("aoip.transport.errors",
		metric.WithDescription("Transport failures by link, channel, and kind."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("aoip.transport.reconnects",
		metric.WithDescription("Stream transports re-established by link."),
	); err != nil {
		return nil, err
	}
	if met.SendDuration, err = m.Float64Histogram("aoip.send.duration",
		metric.WithDescription("Latency of a single frame send."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sendBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DegradedChannels, err = m.Int64UpDownCounter("aoip.channels.degraded",
		metric.WithDescription("Number of channels currently marked degraded."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("aoip.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func channelAttrs(link string, channel int) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("link", link),
		attribute.String("channel", channelLabel(channel)),
	)
}

// channelLabel renders -1 (a link-wide event) as "*".
func channelLabel(channel int) string {
	if channel < 0 {
		return "*"
	}
	return strconv.Itoa(channel)
}

// FrameSent implements link.Reporter.
func (m *Metrics) FrameSent(ctx context.Context, link string, channel int, d time.Duration) {
	opt := channelAttrs(link, channel)
	m.FramesSent.Add(ctx, 1, opt)
	m.SendDuration.Record(ctx, d.Seconds(), opt)
}

// FrameReceived implements link.Reporter.
func (m *Metrics) FrameReceived(ctx context.Context, link string, channel int) {
	m.FramesReceived.Add(ctx, 1, channelAttrs(link, channel))
}

// TransportError implements link.Reporter.
func (m *Metrics) TransportError(ctx context.Context, link string, channel int, kind transport.Kind) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("link", link),
			attribute.String("channel", channelLabel(channel)),
			attribute.String("kind", kind.String()),
		),
	)
}

// Reconnect implements link.Reporter.
func (m *Metrics) Reconnect(ctx context.Context, link string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("link", link)))
}

// ChannelDegraded adjusts the degraded gauge when a channel enters (true) or
// leaves (false) the degraded state.
func (m *Metrics) ChannelDegraded(ctx context.Context, degraded bool) {
	if degraded {
		m.DegradedChannels.Add(ctx, 1)
		return
	}
	m.DegradedChannels.Add(ctx, -1)
}

// StatsSource provides a snapshot of the realtime bridge counters.
type StatsSource interface {
	Stats() bridge.Stats
}

// GateSource reports the Run-Gate state.
type GateSource interface {
	Enabled() bool
}

// ObserveRuntime registers observable instruments that read the bridge
// counters and the gate state at collection time. The realtime thread is
// never touched; callbacks read atomics only. Unregister the returned
// registration on shutdown.
func (m *Metrics) ObserveRuntime(src StatsSource, g GateSource) (metric.Registration, error) {
	overflows, err := m.meter.Int64ObservableCounter("aoip.ring.overflows",
		metric.WithDescription("Frames dropped from full rings by link, channel, and direction."))
	if err != nil {
		return nil, err
	}
	underruns, err := m.meter.Int64ObservableCounter("aoip.bridge.underruns",
		metric.WithDescription("Periods a playback port found its ring empty."))
	if err != nil {
		return nil, err
	}
	gated, err := m.meter.Int64ObservableCounter("aoip.bridge.gated_periods",
		metric.WithDescription("Periods processed while the gate was closed."))
	if err != nil {
		return nil, err
	}
	poisoned, err := m.meter.Int64ObservableCounter("aoip.gate.poisoned",
		metric.WithDescription("Periods that observed a poisoned gate."))
	if err != nil {
		return nil, err
	}
	enabled, err := m.meter.Int64ObservableGauge("aoip.gate.enabled",
		metric.WithDescription("1 while the gate is open, 0 otherwise."))
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Stats()
		for _, p := range s.Ports {
			attrs := metric.WithAttributes(
				attribute.String("link", p.Link),
				attribute.String("channel", strconv.Itoa(p.Channel)),
				attribute.String("direction", p.Direction.String()),
			)
			o.ObserveInt64(overflows, int64(p.Overflows), attrs)
			if p.Direction == audio.Playback {
				o.ObserveInt64(underruns, int64(p.Underruns), attrs)
			}
		}
		o.ObserveInt64(gated, int64(s.GatedPeriods))
		o.ObserveInt64(poisoned, int64(s.Poisoned))
		var v int64
		if g.Enabled() {
			v = 1
		}
		o.ObserveInt64(enabled, v)
		return nil
	}, overflows, underruns, gated, poisoned, enabled)
}
