// Package telemetry wires OpenTelemetry tracing and metrics for the daemon.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fentz26/bridge/internal/models"
)

const instrumentation = "github.com/fentz26/bridge"

// Config configures the OTLP exporters.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	Insecure       bool          `yaml:"insecure"`
	SampleRate     float64       `yaml:"sample_rate"`
	ExportInterval time.Duration `yaml:"export_interval"`
	ServiceName    string        `yaml:"-"`
	ServiceVersion string        `yaml:"-"`
}

// DefaultConfig returns telemetry disabled with local collector defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 15 * time.Second,
		ServiceName:    "bridge",
	}
}

// Provider owns the SDK providers installed as the otel globals.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger
}

// Setup installs OTLP gRPC trace and metric providers. When cfg.Enabled is
// false the otel no-op globals stay in place.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger.With("component", "telemetry")}
	if !cfg.Enabled {
		p.logger.Debug("telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(interval))),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)

	p.logger.Info("telemetry initialized", "endpoint", cfg.Endpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

// Meter returns the daemon's meter from the global provider.
func (p *Provider) Meter() metric.Meter {
	return otel.Meter(instrumentation)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Metrics records scheduler, retry and command counters. It satisfies the
// Metrics interfaces of the scheduler, retry and dispatch packages.
type Metrics struct {
	tickDuration metric.Float64Histogram
	decisions    metric.Int64Counter
	attempts     metric.Int64Counter
	commands     metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.tickDuration, err = meter.Float64Histogram("bridge.scheduler.tick.duration",
		metric.WithDescription("Duration of scheduler ticks"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("bridge.scheduler.decisions",
		metric.WithDescription("Scheduler decisions per commitment"),
		metric.WithUnit("{commitment}"),
	); err != nil {
		return nil, err
	}
	if m.attempts, err = meter.Int64Counter("bridge.retry.attempts",
		metric.WithDescription("Retry executor attempts by outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.commands, err = meter.Int64Counter("bridge.commands.finished",
		metric.WithDescription("Finished commands by kind and status"),
		metric.WithUnit("{command}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) TickCompleted(ctx context.Context, d time.Duration) {
	m.tickDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) Decision(ctx context.Context, decision string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *Metrics) Attempt(ctx context.Context, outcome string) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Command counts a finished command.
func (m *Metrics) Command(ctx context.Context, kind models.CommandKind, status string) {
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", status),
	))
}
