// Package otelexport pushes the latest GPU samples to an OTLP collector.
package otelexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/skobkin/dcgmtop-web/internal/config"
	"github.com/skobkin/dcgmtop-web/internal/sampler"
	"github.com/skobkin/dcgmtop-web/internal/version"
)

const (
	serviceName = "dcgmtop-web"
	meterName   = "github.com/skobkin/dcgmtop-web/internal/otelexport"
	gpuIDKey    = attribute.Key("gpu.id")
)

// Source provides the samples observed on every collection.
type Source interface {
	GPUIDs() []string
	Latest(gpuID string) (sampler.Sample, bool)
}

// Exporter owns the meter provider that periodically pushes GPU gauges.
type Exporter struct {
	provider *sdkmetric.MeterProvider
	logger   *slog.Logger
}

// New connects an OTLP gRPC exporter and registers the GPU gauges.
func New(ctx context.Context, cfg config.OTLPConfig, src Source, logger *slog.Logger) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otlp endpoint is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version.Current().Version),
	))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	if err := register(provider.Meter(meterName), src); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("register gpu gauges: %w", err)
	}
	otel.SetMeterProvider(provider)

	logger.Info("otlp exporter started", "endpoint", cfg.Endpoint, "interval", cfg.Interval)
	return &Exporter{provider: provider, logger: logger}, nil
}

// Shutdown flushes pending metrics and stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil || e.provider == nil {
		return nil
	}
	if err := e.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown otel meter provider: %w", err)
	}
	return nil
}

type floatGauge struct {
	gauge   metric.Float64ObservableGauge
	extract func(sampler.Sample) (float64, bool)
}

func register(meter metric.Meter, src Source) error {
	specs := []struct {
		name, unit, description string
		extract                 func(sampler.Sample) (float64, bool)
	}{
		{"gpu.power.usage", "W", "GPU power draw", func(s sampler.Sample) (float64, bool) {
			return floatValue(s.Metrics.PowerUsage)
		}},
		{"gpu.power.limit", "W", "Enforced power limit", func(s sampler.Sample) (float64, bool) {
			return floatValue(s.Metrics.EnforcedPowerLimit)
		}},
		{"gpu.temperature", "Cel", "GPU temperature", func(s sampler.Sample) (float64, bool) {
			return intValue(s.Metrics.GPUTemp)
		}},
		{"gpu.utilization", "%", "GPU utilization", func(s sampler.Sample) (float64, bool) {
			return intValue(s.Metrics.GPUUtil)
		}},
		{"gpu.memory.used", "MiBy", "Used framebuffer memory", func(s sampler.Sample) (float64, bool) {
			return intValue(s.Metrics.FBUsed)
		}},
		{"gpu.clock.sm", "MHz", "SM clock", func(s sampler.Sample) (float64, bool) {
			return intValue(s.Metrics.SMClock)
		}},
		{"gpu.sm.active", "1", "Fraction of time an SM had a resident warp", func(s sampler.Sample) (float64, bool) {
			if s.Activity == nil {
				return 0, false
			}
			return s.Activity.SMActive, true
		}},
	}

	gauges := make([]floatGauge, 0, len(specs))
	instruments := make([]metric.Observable, 0, len(specs))
	for _, spec := range specs {
		g, err := meter.Float64ObservableGauge(spec.name,
			metric.WithUnit(spec.unit),
			metric.WithDescription(spec.description),
		)
		if err != nil {
			return fmt.Errorf("create gauge %s: %w", spec.name, err)
		}
		gauges = append(gauges, floatGauge{gauge: g, extract: spec.extract})
		instruments = append(instruments, g)
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, id := range src.GPUIDs() {
			sample, ok := src.Latest(id)
			if !ok || sample.Error != "" {
				continue
			}
			attrs := metric.WithAttributes(gpuIDKey.String(id))
			for _, g := range gauges {
				if v, ok := g.extract(sample); ok {
					o.ObserveFloat64(g.gauge, v, attrs)
				}
			}
		}
		return nil
	}, instruments...)
	return err
}

func floatValue(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func intValue(v *int64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}
