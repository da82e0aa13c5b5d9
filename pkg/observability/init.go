// Package observability sets up OpenTelemetry tracing for taps and targets.
//
// Spans are exported with the stdout exporter pointed at stderr, since
// stdout carries Singer messages. The "none" exporter installs a no-op
// provider so instrumented code pays nothing.
package observability

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

var (
	mu     sync.RWMutex
	tracer trace.Tracer = noop.NewTracerProvider().Tracer("")
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Exporter       string
	SampleRate     float64
	// Writer receives exported spans; defaults to stderr
	Writer io.Writer
}

// TracingConfigFrom builds a TracingConfig from connector settings.
func TracingConfigFrom(service, version string, cfg config.ObservabilityConfig) TracingConfig {
	return TracingConfig{
		ServiceName:    service,
		ServiceVersion: version,
		Exporter:       cfg.TracingExporter,
		SampleRate:     cfg.TracingSampleRate,
	}
}

// Initialize installs the global tracer provider and returns a function that
// flushes and stops it.
func Initialize(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		setTracer(noop.NewTracerProvider(), cfg.ServiceName)
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Exporter != ExporterStdout {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported tracing exporter %q", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create tracing resource")
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create stdout exporter")
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)
	setTracer(tp, cfg.ServiceName)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to shut down tracer provider")
		}
		return nil
	}, nil
}

func setTracer(tp trace.TracerProvider, name string) {
	otel.SetTracerProvider(tp)
	mu.Lock()
	tracer = tp.Tracer(name)
	mu.Unlock()
}

// GetTracer returns the global tracer
func GetTracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}
