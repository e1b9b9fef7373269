package otelcol

import (
	"context"

	"smallbiznis-loyalty/pkg/config"
	"smallbiznis-loyalty/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol",
	fx.Provide(
		NewResource,
		NewTracerProvider,
		NewMeterProvider,
	),
)

func NewResource(cfg *config.Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
}

type TraceParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Resource  *resource.Resource
}

// NewTracerProvider exports spans over OTLP when OTEL.ADDR is set and falls
// back to the global no-op provider otherwise.
func NewTracerProvider(p TraceParams) (trace.TracerProvider, error) {
	if p.Config.Otel.Addr == "" {
		zap.L().Info("[Otel] collector address not set, tracing disabled")
		return otel.GetTracerProvider(), nil
	}

	exporter, err := exporters.New(p.Config)
	if err != nil {
		zap.L().Error("[Otel] failed to create exporter", zap.Error(err))
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(p.Resource),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	zap.L().Info("[Otel] tracer provider initialized",
		zap.String("addr", p.Config.Otel.Addr),
		zap.String("protocol", p.Config.Otel.Protocol))
	return tp, nil
}

// NewMeterProvider builds an SDK meter provider. Application metrics are
// scraped through prometheus, so no OTLP reader is attached.
func NewMeterProvider(lc fx.Lifecycle, res *resource.Resource) metric.MeterProvider {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})
	return mp
}
