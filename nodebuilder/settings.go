package nodebuilder

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.11.0"
	"go.uber.org/fx"

	"github.com/celestiaorg/celestia-state-gc/nodebuilder/gc"
)

// metricsInterval is the interval at which metrics are collected and exported.
const metricsInterval = 10 * time.Second

// WithMetrics enables metrics exporting for the node.
func WithMetrics(metricOpts []otlpmetrichttp.Option) fx.Option {
	gc.MetricsEnabled = true
	return fx.Options(
		fx.Supply(metricOpts),
		fx.Invoke(InitializeMetrics),
	)
}

// InitializeMetrics initializes the global meter provider.
func InitializeMetrics(lc fx.Lifecycle, opts []otlpmetrichttp.Option) error {
	opts = append([]otlpmetrichttp.Option{otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression)}, opts...)
	exp, err := otlpmetrichttp.New(context.Background(), opts...)
	if err != nil {
		return err
	}

	instance, err := os.Hostname()
	if err != nil {
		instance = "unknown"
	}
	provider := sdk.NewMeterProvider(
		sdk.WithReader(
			sdk.NewPeriodicReader(exp,
				sdk.WithTimeout(metricsInterval),
				sdk.WithInterval(metricsInterval))),
		sdk.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String("state-gc"),
				semconv.ServiceInstanceIDKey.String(instance),
			)))

	err = runtime.Start(
		runtime.WithMinimumReadMemStatsInterval(metricsInterval),
		runtime.WithMeterProvider(provider))
	if err != nil {
		return err
	}

	lc.Append(fx.StopHook(provider.Shutdown))
	otel.SetMeterProvider(provider)
	return nil
}
