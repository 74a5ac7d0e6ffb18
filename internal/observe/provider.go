package observe

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// serviceName is reported as service.name on every metric and span.
const serviceName = "aoip"

// ProviderConfig describes the bridge process to the OpenTelemetry SDK.
type ProviderConfig struct {
	ServiceVersion string

	// Session is the bridge session id, reported as service.instance.id so
	// series from one run can be told apart after a restart.
	Session string

	// Engine and Links describe the audio side of this process.
	Engine string
	Links  []string

	// Registerer receives the Prometheus collector. Default:
	// prometheus.DefaultRegisterer, which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter receives finished spans. Without one, spans are still
	// created (for correlation ids and propagation) but never exported.
	TraceExporter sdktrace.SpanExporter
}

func (c ProviderConfig) resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(c.ServiceVersion),
	}
	if c.Session != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(c.Session))
	}
	if c.Engine != "" {
		attrs = append(attrs, attribute.String("aoip.engine", c.Engine))
	}
	if len(c.Links) > 0 {
		attrs = append(attrs, attribute.StringSlice("aoip.links", c.Links))
	}
	// OTEL_RESOURCE_ATTRIBUTES is applied first so our own keys win.
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

// InitProvider installs the global meter and tracer providers and the W3C
// trace-context propagator. Metrics are exposed through a Prometheus
// collector; spans go to cfg.TraceExporter when set.
//
// The returned function flushes and shuts down both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, err
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	exp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
