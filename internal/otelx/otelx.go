// Package otelx owns process-wide trace wiring: the OTLP exporter, the
// sampler, and the W3C propagators.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Options configures tracing for the process.
type Options struct {
	// Enabled gates the exporter. Disabled still installs a provider and
	// the propagators, so inbound trace context keeps flowing into logs.
	Enabled bool

	// Endpoint is the OTLP/gRPC collector address, host:port.
	Endpoint string

	// Insecure skips TLS on the collector link. Appropriate only when the
	// collector is a localhost sidecar.
	Insecure bool

	// Sample is the head sampling ratio for traces this process roots.
	// Requests arriving with a sampled parent are kept regardless.
	Sample float64

	// Service, Component, and Version identify the emitter in the trace
	// backend. service.name becomes "Service.Component".
	Service   string
	Component string
	Version   string
}

// noopShutdown stands in whenever there is nothing to flush, so callers can
// defer the returned func without a nil check.
func noopShutdown(context.Context) error { return nil }

// Init installs the global tracer provider and propagators. The returned
// func flushes and stops the exporter; it is never nil, error or not.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		// keep the SDK installed with sampling off: context still
		// propagates, nothing records, nothing exports
		otel.SetTracerProvider(sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.NeverSample()),
		))
		return noopShutdown, nil
	}

	exp, err := newExporter(ctx, o)
	if err != nil {
		return noopShutdown, xerrors.Wrap(err, "otlp exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.Sample))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// newExporter dials the collector. The client library's default connect
// blocks with no deadline; a short one fits the local-sidecar topology this
// server assumes, and gRPC reconnects in the background after that anyway.
func newExporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return otlptracegrpc.New(dialCtx, opts...)
}

// newResource describes this process to the backend. Detector failures
// leave a partial resource, which is still better than none; the attributes
// set explicitly below are the ones dashboards key on.
func newResource(ctx context.Context, o Options) *resource.Resource {
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.Service+"."+o.Component),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)
	if res == nil {
		return resource.Default()
	}
	return res
}
