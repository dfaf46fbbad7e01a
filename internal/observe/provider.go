package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK provider.
type ProviderConfig struct {
	// ServiceName is reported in telemetry. Default: "voxbridge".
	ServiceName string

	// ServiceVersion is reported in telemetry.
	ServiceVersion string
}

// InitProvider sets up a metric provider with a Prometheus exporter reader
// and registers it as the global OTel meter provider, so DefaultMetrics
// instruments land in the default Prometheus registry scraped at /metrics.
//
// The returned shutdown function flushes the provider; call it in a defer
// from main.
func InitProvider(_ context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxbridge"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := mp.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}, nil
}
