// Package observability provides OpenTelemetry tracing and metrics for
// the governance core.
//
// Exported instruments follow the subsystems: classifications by tier,
// policy cache hits/misses, verification queue depth and outcomes,
// boundary flushes, rollbacks, and approval outcomes.
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

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "lancelot-governance",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages trace and metric providers plus the governance
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	classifications metric.Int64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	queueDepth      metric.Int64UpDownCounter
	verifyOutcomes  metric.Int64Counter
	boundaryFlushes metric.Int64Counter
	rollbacks       metric.Int64Counter
	approvals       metric.Int64Counter
}

// New creates an observability provider. A disabled config returns a
// provider whose record methods are no-ops.
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
			attribute.String("lancelot.component", "governance-core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("lancelot.governance",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("lancelot.governance",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
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
		return err
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(p.config.SampleRate)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.classifications, err = p.meter.Int64Counter("lancelot.governance.classifications",
		metric.WithDescription("Risk classifications by tier")); err != nil {
		return err
	}
	if p.cacheHits, err = p.meter.Int64Counter("lancelot.governance.policy_cache.hits",
		metric.WithDescription("Policy cache hits")); err != nil {
		return err
	}
	if p.cacheMisses, err = p.meter.Int64Counter("lancelot.governance.policy_cache.misses",
		metric.WithDescription("Policy cache misses")); err != nil {
		return err
	}
	if p.queueDepth, err = p.meter.Int64UpDownCounter("lancelot.governance.verify_queue.depth",
		metric.WithDescription("Pending verification jobs")); err != nil {
		return err
	}
	if p.verifyOutcomes, err = p.meter.Int64Counter("lancelot.governance.verify_queue.outcomes",
		metric.WithDescription("Verification outcomes by status")); err != nil {
		return err
	}
	if p.boundaryFlushes, err = p.meter.Int64Counter("lancelot.governance.boundary_flushes",
		metric.WithDescription("Tier-boundary receipt flushes")); err != nil {
		return err
	}
	if p.rollbacks, err = p.meter.Int64Counter("lancelot.governance.rollbacks",
		metric.WithDescription("Rollback invocations")); err != nil {
		return err
	}
	if p.approvals, err = p.meter.Int64Counter("lancelot.governance.approvals",
		metric.WithDescription("Approval gate outcomes")); err != nil {
		return err
	}
	return nil
}

// StartSpan starts a governance span. With telemetry disabled it returns
// the context unchanged and a no-op span.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, opts...)
}

// RecordClassification counts one classification by tier.
func (p *Provider) RecordClassification(ctx context.Context, tier contracts.RiskTier) {
	if p == nil || p.classifications == nil {
		return
	}
	p.classifications.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier.String())))
}

// RecordCacheLookup counts one policy cache lookup.
func (p *Provider) RecordCacheLookup(ctx context.Context, hit bool) {
	if p == nil {
		return
	}
	if hit && p.cacheHits != nil {
		p.cacheHits.Add(ctx, 1)
	} else if !hit && p.cacheMisses != nil {
		p.cacheMisses.Add(ctx, 1)
	}
}

// RecordQueueDelta adjusts the pending-job gauge.
func (p *Provider) RecordQueueDelta(ctx context.Context, delta int64) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Add(ctx, delta)
}

// RecordVerification counts one verification outcome.
func (p *Provider) RecordVerification(ctx context.Context, status contracts.VerificationStatus) {
	if p == nil || p.verifyOutcomes == nil {
		return
	}
	p.verifyOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// RecordBoundaryFlush counts one tier-boundary flush.
func (p *Provider) RecordBoundaryFlush(ctx context.Context, entries int64) {
	if p == nil || p.boundaryFlushes == nil {
		return
	}
	p.boundaryFlushes.Add(ctx, 1, metric.WithAttributes(attribute.Int64("entries", entries)))
}

// RecordRollback counts one rollback invocation.
func (p *Provider) RecordRollback(ctx context.Context, capability string) {
	if p == nil || p.rollbacks == nil {
		return
	}
	p.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}

// RecordApproval counts one approval gate outcome.
func (p *Provider) RecordApproval(ctx context.Context, outcome string) {
	if p == nil || p.approvals == nil {
		return
	}
	p.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
