// Package observability wires OpenTelemetry tracing and metrics for the
// gate: OTLP export over gRPC, RED metrics for the invocation pipeline,
// and W3C trace-context propagation at the delivery boundary.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "gatewright"

// Config configures the OpenTelemetry providers. A disabled or
// endpoint-less config leaves the no-op globals in place.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "gatewright",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the pipeline's RED
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	invocations  metric.Int64Counter
	denials      metric.Int64Counter
	failures     metric.Int64Counter
	duration     metric.Float64Histogram
	duplicates   metric.Int64Counter
	activeInvoke metric.Int64UpDownCounter
}

// New creates and globally registers the providers.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithMeter builds a Provider whose instruments record through the
// given meter, with no exporters and no global provider registration.
// Tests pair it with an in-memory metric reader.
func NewWithMeter(meter metric.Meter) (*Provider, error) {
	p := &Provider{
		config: &Config{},
		logger: slog.Default().With("component", "observability"),
		meter:  meter,
	}
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.invocations, err = p.meter.Int64Counter("gatewright.invocations.total",
		metric.WithDescription("Tool invocations processed"),
		metric.WithUnit("{invocation}")); err != nil {
		return err
	}
	if p.denials, err = p.meter.Int64Counter("gatewright.denials.total",
		metric.WithDescription("Invocations denied by policy"),
		metric.WithUnit("{invocation}")); err != nil {
		return err
	}
	if p.failures, err = p.meter.Int64Counter("gatewright.failures.total",
		metric.WithDescription("Invocations failed for non-policy reasons"),
		metric.WithUnit("{invocation}")); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("gatewright.invocation.duration",
		metric.WithDescription("End-to-end invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0)); err != nil {
		return err
	}
	if p.duplicates, err = p.meter.Int64Counter("gatewright.duplicates.total",
		metric.WithDescription("Deliveries deduplicated by the idempotency store"),
		metric.WithUnit("{delivery}")); err != nil {
		return err
	}
	if p.activeInvoke, err = p.meter.Int64UpDownCounter("gatewright.invocations.active",
		metric.WithDescription("Invocations currently in flight"),
		metric.WithUnit("{invocation}")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordInvocation counts one processed invocation.
func (p *Provider) RecordInvocation(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.invocations != nil {
		p.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDenial counts one policy denial.
func (p *Provider) RecordDenial(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.denials != nil {
		p.denials.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordFailure counts one non-policy failure.
func (p *Provider) RecordFailure(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.failures != nil {
		p.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuplicate counts one deduplicated delivery.
func (p *Provider) RecordDuplicate(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.duplicates != nil {
		p.duplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuration records one invocation's end-to-end duration.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.duration != nil {
		p.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// InvokeStarted marks an invocation in flight; the returned func marks it
// done.
func (p *Provider) InvokeStarted(ctx context.Context) func() {
	if p.activeInvoke == nil {
		return func() {}
	}
	p.activeInvoke.Add(ctx, 1)
	return func() { p.activeInvoke.Add(ctx, -1) }
}
