// Package testing provides in-memory OpenTelemetry providers and assertion
// helpers for the client packages' tests.
//
//	mp := NewTestMeterProvider()
//	client := http.NewBuilder(log).WithMeterProvider(mp).Build()
//	...
//	rm := mp.Collect(t)
//	assert.Equal(t, int64(1), SumInt64(rm, "http.client.requests"))
package testing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const metricNotFoundErrMsg = "metric %s not found"

// TestTraceProvider wraps the SDK TracerProvider and in-memory exporter for testing.
type TestTraceProvider struct {
	*sdktrace.TracerProvider
	Exporter *tracetest.InMemoryExporter
}

// NewTestTraceProvider creates a TracerProvider that exports synchronously into memory.
func NewTestTraceProvider() *TestTraceProvider {
	exporter := tracetest.NewInMemoryExporter()
	return &TestTraceProvider{
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)),
		Exporter:       exporter,
	}
}

// SpansNamed returns the finished spans with the given name.
func (tp *TestTraceProvider) SpansNamed(name string) tracetest.SpanStubs {
	var out tracetest.SpanStubs
	for _, span := range tp.Exporter.GetSpans() {
		if span.Name == name {
			out = append(out, span)
		}
	}
	return out
}

// TestMeterProvider wraps the SDK MeterProvider and manual reader for testing.
type TestMeterProvider struct {
	*sdkmetric.MeterProvider
	Reader *sdkmetric.ManualReader
}

// NewTestMeterProvider creates a MeterProvider collected on demand.
func NewTestMeterProvider() *TestMeterProvider {
	reader := sdkmetric.NewManualReader()
	return &TestMeterProvider{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		Reader:        reader,
	}
}

// Collect reads all metrics recorded so far.
func (tmp *TestMeterProvider) Collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, tmp.Reader.Collect(context.Background(), &rm), "failed to collect metrics")
	return rm
}

// FindMetric finds a metric by name. Returns nil if not found.
func FindMetric(rm metricdata.ResourceMetrics, metricName string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == metricName {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// SumInt64 adds up the data points of an int64 counter whose attributes
// include every one of attrs. Missing metrics sum to zero.
func SumInt64(rm metricdata.ResourceMetrics, metricName string, attrs ...attribute.KeyValue) int64 {
	m := FindMetric(rm, metricName)
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if hasAttributes(dp.Attributes, attrs) {
			total += dp.Value
		}
	}
	return total
}

// HistogramCount adds up the observation counts of a float histogram whose
// attributes include every one of attrs.
func HistogramCount(rm metricdata.ResourceMetrics, metricName string, attrs ...attribute.KeyValue) uint64 {
	m := FindMetric(rm, metricName)
	if m == nil {
		return 0
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		return 0
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		if hasAttributes(dp.Attributes, attrs) {
			total += dp.Count
		}
	}
	return total
}

func hasAttributes(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, want := range attrs {
		got, ok := set.Value(want.Key)
		if !ok || got != want.Value {
			return false
		}
	}
	return true
}

// AssertMetricExists asserts that a metric with the given name was recorded.
func AssertMetricExists(t *testing.T, rm metricdata.ResourceMetrics, metricName string) {
	t.Helper()
	require.NotNil(t, FindMetric(rm, metricName), metricNotFoundErrMsg, metricName)
}

// AssertSpanAttribute asserts that a span carries key with the expected value.
func AssertSpanAttribute(t *testing.T, span *tracetest.SpanStub, key string, expected any) {
	t.Helper()
	for _, attr := range span.Attributes {
		if string(attr.Key) != key {
			continue
		}
		switch v := expected.(type) {
		case string:
			assert.Equal(t, v, attr.Value.AsString(), "attribute %s value mismatch", key)
		case int:
			assert.Equal(t, int64(v), attr.Value.AsInt64(), "attribute %s value mismatch", key)
		case bool:
			assert.Equal(t, v, attr.Value.AsBool(), "attribute %s value mismatch", key)
		default:
			t.Fatalf("unsupported attribute value type: %T", expected)
		}
		return
	}
	t.Errorf("attribute %s not found in span", key)
}
