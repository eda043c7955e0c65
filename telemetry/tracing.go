package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.19.0"
)

var CLIFlagTracingSampleRatio = &cli.Float64Flag{
	Name:    "tracing-sample-ratio",
	Usage:   "tracing sample ratio (0.0 to 1.0)",
	Value:   1.0,
	EnvVars: []string{"TRACING_SAMPLE_RATIO"},
}

var CLIFlagServiceName = &cli.StringFlag{
	Name:    "service-name",
	Usage:   "service name for tracing",
	Value:   "repocar",
	EnvVars: []string{"SERVICE_NAME"},
}

// OTLPEndpointEnv enables the default OTLP exporter when set.
const OTLPEndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

type tracing struct {
	serviceName string
	sampleRatio float64
	exporter    sdktrace.SpanExporter
}

// StartTracing installs a global tracer provider and returns its shutdown
// func. Without a custom exporter and without OTEL_EXPORTER_OTLP_ENDPOINT
// it leaves the no-op provider in place.
func StartTracing(cctx *cli.Context, opts ...TracingOption) (func(context.Context) error, error) {
	logger := slog.Default().With("component", "telemetry")

	t := &tracing{
		serviceName: cctx.String("service-name"),
		sampleRatio: cctx.Float64("tracing-sample-ratio"),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.exporter == nil {
		if os.Getenv(OTLPEndpointEnv) == "" {
			return func(context.Context) error { return nil }, nil
		}
		exporter, err := otlptrace.New(cctx.Context, otlptracehttp.NewClient())
		if err != nil {
			return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
		}
		t.exporter = exporter
	}

	provider := newTraceProvider(t.exporter, t.serviceName, t.sampleRatio)
	otel.SetTracerProvider(provider)

	logger.Info("started tracing", "service", t.serviceName, "sample_ratio", t.sampleRatio)

	return provider.Shutdown, nil
}

func newTraceProvider(exp sdktrace.SpanExporter, serviceName string, sampleRatio float64) *sdktrace.TracerProvider {
	r := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	// Child spans (xrpc fetch, otelhttp, indigo identity lookups) follow
	// their parent's sampling decision.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(r),
	)
}

// TracingOption configures StartTracing.
type TracingOption func(*tracing)

// WithServiceName overrides the --service-name flag.
func WithServiceName(name string) TracingOption {
	return func(t *tracing) {
		t.serviceName = name
	}
}

// WithSampleRatio overrides the --tracing-sample-ratio flag.
func WithSampleRatio(ratio float64) TracingOption {
	return func(t *tracing) {
		t.sampleRatio = ratio
	}
}

// WithExporter sets a custom span exporter, bypassing the OTLP endpoint check.
func WithExporter(exporter sdktrace.SpanExporter) TracingOption {
	return func(t *tracing) {
		t.exporter = exporter
	}
}
