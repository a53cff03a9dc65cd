package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures telemetry export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is a gRPC collector address such as "localhost:4317".
	// Empty keeps the SDK providers local without exporting.
	OTLPEndpoint   string
	Insecure       bool
	SampleRate     float64
	ExportInterval time.Duration
}

// Provider owns the SDK tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Setup installs global tracer and meter providers plus the W3C propagators.
func Setup(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		// Schemaless so the merge never conflicts with the SDK default schema.
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		tOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		mOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			tOpts = append(tOpts, otlptracegrpc.WithInsecure())
			mOpts = append(mOpts, otlpmetricgrpc.WithInsecure())
		}
		traceExporter, err := otlptracegrpc.New(ctx, tOpts...)
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		metricExporter, err := otlpmetricgrpc.New(ctx, mOpts...)
		if err != nil {
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval)),
		))
	}

	p := &Provider{
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		meterProvider:  sdkmetric.NewMeterProvider(metricOpts...),
	}
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().
		Str("service", "observability").
		Str("endpoint", cfg.OTLPEndpoint).
		Bool("export", cfg.OTLPEndpoint != "").
		Msg("telemetry initialized")
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
}
