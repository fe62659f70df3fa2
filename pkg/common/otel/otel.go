// Package otel initializes OpenTelemetry tracing and metrics for the service.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/taskpulse/pkg/common/logger"
)

// Config defines the information needed to init telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// ExporterEndpoint is the OTLP gRPC collector address. Empty disables
	// OTLP export; spans are still created so trace IDs reach the logs.
	ExporterEndpoint string
	Insecure         bool

	Probability        float64
	ExcludedRoutes     map[string]struct{}
	ResourceAttributes map[string]string

	// Prometheus registers a pull exporter on the default prometheus registry.
	Prometheus bool
}

// Telemetry holds the configured providers.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	shutdowns []func(context.Context) error
	log       *logger.Logger
}

// InitTelemetry configures open telemetry to be used with the service and
// installs the providers and propagator globally.
func InitTelemetry(log *logger.Logger, cfg Config) (*Telemetry, error) {
	res := NewResource(cfg.ServiceName, cfg.ServiceVersion, cfg.ResourceAttributes)
	t := &Telemetry{log: log}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(newEndpointExcluder(cfg.ExcludedRoutes, cfg.Probability)),
		sdktrace.WithResource(res),
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.ExporterEndpoint != "" {
		tOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint)}
		mOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint)}
		if cfg.Insecure {
			tOpts = append(tOpts, otlptracegrpc.WithInsecure())
			mOpts = append(mOpts, otlpmetricgrpc.WithInsecure())
		}

		traceExporter, err := otlptracegrpc.New(ctx, tOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		))

		metricExporter, err := otlpmetricgrpc.New(ctx, mOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	if cfg.Prometheus {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(exporter))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(metricOpts...)
	t.TracerProvider, t.MeterProvider = tp, mp
	t.shutdowns = append(t.shutdowns, tp.Shutdown, mp.Shutdown)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.log.Error(ctx, "shutting down telemetry providers", "error", err)
		return err
	}
	return nil
}

