// Package tracing wires OpenTelemetry spans around catalog operations.
package tracing

import (
	"context"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ryanm101/romscraper"

// Version is reported as service.version.
var Version = "1.0.0"

// Span attributes for catalog operations.
const (
	AttrOpID      = attribute.Key("romscraper.op_id")
	AttrEndpoint  = attribute.Key("romscraper.endpoint")
	AttrAttempts  = attribute.Key("romscraper.attempts")
	AttrErrorKind = attribute.Key("romscraper.error_kind")
)

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string  // OTLP gRPC endpoint, e.g. "localhost:4317"
	Insecure    bool    // Plaintext gRPC
	SampleRatio float64 // Fraction of root spans kept, 0..1
}

// DefaultConfig reads the standard OTEL_* environment variables. Tracing is
// on only when an endpoint is set.
func DefaultConfig() Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg := Config{
		Enabled:     endpoint != "",
		Endpoint:    endpoint,
		Insecure:    true,
		SampleRatio: 1,
	}
	if v, err := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); err == nil {
		cfg.Insecure = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil && v >= 0 && v <= 1 {
		cfg.SampleRatio = v
	}
	return cfg
}

var tracer trace.Tracer

// Setup installs the global tracer provider and returns its shutdown func.
// Disabled tracing installs nothing and returns a no-op shutdown.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		tracer = otel.Tracer(instrumentationName)
		return noop, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("romscraper"),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(instrumentationName)

	return tp.Shutdown, nil
}

// Tracer returns the configured tracer, or the global one before Setup.
func Tracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return tracer
}

// StartOperation opens the span covering one catalog operation and all of its
// attempts.
func StartOperation(ctx context.Context, op, endpoint, opID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scraper."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrOpID.String(opID), AttrEndpoint.String(endpoint)),
	)
}

// EndOperation records the outcome of an operation span. kind is the error
// classification and is ignored when err is nil. The span is not ended.
func EndOperation(span trace.Span, attempts int, kind string, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(AttrAttempts.Int(attempts))
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	if kind != "" {
		span.SetAttributes(AttrErrorKind.String(kind))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
