package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// GetMeterProvider returns the meter provider registered by InitTelemetry.
func GetMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

// NewMeterProvider creates a standalone meter provider carrying only the
// service name. It has no reader attached, so recorded values go nowhere;
// it exists for wiring instruments in tests without a collector.
func NewMeterProvider(serviceName string) (metric.MeterProvider, error) {
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(newResource(serviceName, nil)),
	)

	return mp, nil
}
