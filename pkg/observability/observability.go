// Package observability wires OpenTelemetry tracing and metrics export for
// the pipeline, plus SLO tracking over run and stage outcomes.
//
// The OTLP providers (gRPC export, batched spans, periodic metric reads) are
// installed as the global otel providers. A bridge publishes the in-process
// metrics registry as observable instruments, so the counters served on
// /api/metrics and the ones scraped by a collector never drift.
//
// Telemetry is off by default; when disabled every method is a cheap no-op.
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

	appconfig "github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/metrics"
)

const scopeName = "invoicemind.pipeline"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// FromAppConfig maps application configuration onto telemetry settings.
// Non-production environments get an insecure OTLP connection so a local
// collector works out of the box.
func FromAppConfig(cfg *appconfig.Config) Config {
	return Config{
		ServiceName:    "invoicemind",
		ServiceVersion: cfg.AppVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.Environment != "production",
	}
}

// Provider manages the OpenTelemetry trace and metric providers.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	runCounter   metric.Int64Counter
	errorCounter metric.Int64Counter
	stageHist    metric.Float64Histogram
	activeRuns   metric.Int64UpDownCounter

	registration metric.Registration
}

// New builds a provider and installs it globally. With telemetry disabled it
// returns a provider whose methods all no-op. The registry, when non-nil, is
// exported as observable instruments on every metric read.
func New(ctx context.Context, config Config, reg *metrics.Registry) (*Provider, error) {
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(scopeName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(scopeName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}
	if reg != nil {
		if err := p.bridgeRegistry(reg); err != nil {
			return nil, fmt.Errorf("bridge registry: %w", err)
		}
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"insecure", config.Insecure,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
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
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(p.config.ExportInterval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.runCounter, err = p.meter.Int64Counter("invoicemind.runs.total",
		metric.WithDescription("Pipeline runs processed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("invoicemind.errors.total",
		metric.WithDescription("Pipeline and API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.stageHist, err = p.meter.Float64Histogram("invoicemind.stage.duration",
		metric.WithDescription("Stage execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.activeRuns, err = p.meter.Int64UpDownCounter("invoicemind.runs.active",
		metric.WithDescription("Runs currently being processed"),
		metric.WithUnit("{run}"),
	)
	return err
}

// bridgeRegistry publishes the registry's counters and gauges as observable
// instruments. One callback snapshots the registry per export so every value
// comes from the same read.
func (p *Provider) bridgeRegistry(reg *metrics.Registry) error {
	counterNames := []string{
		metrics.RunCreated,
		metrics.RunSucceeded,
		metrics.RunWarn,
		metrics.RunNeedsReview,
		metrics.RunFailed,
		metrics.RunTimedOut,
		metrics.RunCancelled,
		metrics.StageRetried,
		metrics.QuarantineCreated,
		metrics.QuarantineReprocessed,
	}

	counters := make(map[string]metric.Int64ObservableCounter, len(counterNames))
	observables := make([]metric.Observable, 0, len(counterNames)+1)
	for _, name := range counterNames {
		c, err := p.meter.Int64ObservableCounter("invoicemind.pipeline."+name,
			metric.WithUnit("{event}"),
		)
		if err != nil {
			return err
		}
		counters[name] = c
		observables = append(observables, c)
	}

	queueDepth, err := p.meter.Float64ObservableGauge("invoicemind.pipeline."+metrics.QueueDepth,
		metric.WithDescription("Runs waiting in the queue"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}
	observables = append(observables, queueDepth)

	p.registration, err = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := reg.Snapshot()
		for name, inst := range counters {
			o.ObserveInt64(inst, snap.Counters[name])
		}
		o.ObserveFloat64(queueDepth, snap.Gauges[metrics.QueueDepth])
		return nil
	}, observables...)
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.registration != nil {
		if err := p.registration.Unregister(); err != nil {
			p.logger.ErrorContext(ctx, "failed to unregister metric callback", "error", err)
		}
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, falling back to the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// Meter returns the configured meter, falling back to the global one.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(scopeName)
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordError records an error with the given attributes.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(all...))
	}
}

// RecordStageDuration records how long a stage attempt ran.
func (p *Provider) RecordStageDuration(ctx context.Context, stage string, d time.Duration, attrs ...attribute.KeyValue) {
	if p.stageHist != nil {
		all := append(attrs, attribute.String("stage", stage))
		p.stageHist.Record(ctx, d.Seconds(), metric.WithAttributes(all...))
	}
}

// TrackRun traces one run from claim to terminal state. The returned func
// must be called when the run finishes, with the terminal error if any.
func (p *Provider) TrackRun(ctx context.Context, runID string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	all := append(attrs, attribute.String("run.id", runID))

	ctx, span := p.StartSpan(ctx, "pipeline.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(all...),
	)
	if p.activeRuns != nil {
		p.activeRuns.Add(ctx, 1)
	}
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.activeRuns != nil {
			p.activeRuns.Add(ctx, -1)
		}
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		p.RecordStageDuration(ctx, "run", time.Since(start))
		span.End()
	}
}
