package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/grpc/credentials/insecure"
)

func (p *provider) initMeterProvider() error {
	res, err := p.createResource()
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := p.createMetricExporter()
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(
		exporter,
		sdkmetric.WithInterval(p.config.Metrics.Interval),
		sdkmetric.WithTimeout(p.config.Metrics.ExportTimeout),
	)

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return nil
}

// createMetricExporter uses the trace protocol, insecure flag and headers.
func (p *provider) createMetricExporter() (sdkmetric.Exporter, error) {
	endpoint := p.config.Metrics.Endpoint
	if endpoint == EndpointStdout {
		return stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	}

	switch p.config.Trace.Protocol {
	case ProtocolHTTP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(endpoint)}
		if p.config.Trace.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if len(p.config.Trace.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(p.config.Trace.Headers))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case ProtocolGRPC:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
		if p.config.Trace.Insecure {
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(p.config.Trace.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(p.config.Trace.Headers))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("metrics protocol '%s': %w", p.config.Trace.Protocol, ErrInvalidProtocol)
	}
}

// CreateCounter creates a monotonically increasing counter.
//
//	counter, err := CreateCounter(meter, "auth.token.refreshes", "Token endpoint calls")
//	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("grant", "password")))
func CreateCounter(meter metric.Meter, name, description string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return meter.Int64Counter(
		name,
		append([]metric.Int64CounterOption{metric.WithDescription(description)}, opts...)...,
	)
}

// CreateHistogram creates a float histogram, typically for durations in seconds.
func CreateHistogram(meter metric.Meter, name, description string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return meter.Float64Histogram(
		name,
		append([]metric.Float64HistogramOption{metric.WithDescription(description)}, opts...)...,
	)
}
