package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// noopProvider is returned when observability is disabled.
type noopProvider struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// NewNoopProvider returns a provider whose tracers and meters discard everything.
func NewNoopProvider() Provider {
	return &noopProvider{
		tracerProvider: noop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
}

func (n *noopProvider) TracerProvider() trace.TracerProvider { return n.tracerProvider }

func (n *noopProvider) MeterProvider() metric.MeterProvider { return n.meterProvider }

func (n *noopProvider) Shutdown(_ context.Context) error { return nil }

func (n *noopProvider) ForceFlush(_ context.Context) error { return nil }
