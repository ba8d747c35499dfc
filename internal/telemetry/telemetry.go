package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/loqalabs/loqa-mic/internal/config"
)

type options struct {
	service     string
	version     string
	traceWriter io.Writer
}

type Option func(*options)

// WithService names the binary in exported telemetry. Defaults to runtime_name.
func WithService(name, version string) Option {
	return func(o *options) {
		o.service = name
		o.version = version
	}
}

// WithTraceWriter redirects stdout_traces output. loqa-mic points it at
// stderr so spans never interleave with the prompt.
func WithTraceWriter(w io.Writer) Option {
	return func(o *options) {
		o.traceWriter = w
	}
}

// Setup installs the global tracer and meter providers. The returned handler
// serves this process's metrics from a private registry, so repeated setups
// in one process do not collide.
func Setup(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (func(context.Context) error, http.Handler, error) {
	o := options{service: cfg.RuntimeName, traceWriter: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(o.service),
		attribute.String("deployment.environment", cfg.Environment),
	}
	if o.version != "" {
		attrs = append(attrs, semconv.ServiceVersion(o.version))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, nil, err
	}

	log := logger.With(slog.String("component", "telemetry"), slog.String("service", o.service))
	tracerProvider, err := newTracerProvider(ctx, cfg.Telemetry, o, res, log)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(tracerProvider)

	meterProvider, handler := newMeterProvider(res, log)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), tracerProvider.Shutdown(ctx))
	}
	return shutdown, handler, nil
}

// newTracerProvider exports to OTLP when an endpoint is configured, to
// o.traceWriter when stdout_traces is set, and nowhere otherwise.
func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, o options, res *resource.Resource, log *slog.Logger) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, err
		}
		exporter = exp
		log.Info("tracing to otlp", slog.String("endpoint", endpoint))
	case cfg.StdoutTraces:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(o.traceWriter), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		exporter = exp
		log.Info("tracing to stdout")
	default:
		log.Debug("tracing disabled")
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
}

func newMeterProvider(res *resource.Resource, log *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		log.Warn("prometheus exporter unavailable, metrics are not served", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
