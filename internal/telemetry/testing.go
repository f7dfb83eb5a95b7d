package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory. Hand TracerProvider()
// or MeterProvider() to the component under test; the otel globals are left
// alone.
type TestTelemetry struct {
	*Telemetry
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled, recording instance.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg:            cfg,
			tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		spans:  spans,
		reader: reader,
	}
}

// Spans returns the ended spans.
func (t *TestTelemetry) Spans() []sdktrace.ReadOnlySpan {
	return t.spans.Ended()
}

// Span returns the last ended span with the given name, or nil.
func (t *TestTelemetry) Span(name string) sdktrace.ReadOnlySpan {
	ended := t.spans.Ended()
	for i := len(ended) - 1; i >= 0; i-- {
		if ended[i].Name() == name {
			return ended[i]
		}
	}
	return nil
}

// AssertSpan fails tb unless a span with the given name ended carrying
// every attribute in want.
func (t *TestTelemetry) AssertSpan(tb testing.TB, name string, want ...attribute.KeyValue) {
	tb.Helper()
	span := t.Span(name)
	if span == nil {
		names := make([]string, 0, len(t.Spans()))
		for _, s := range t.Spans() {
			names = append(names, s.Name())
		}
		tb.Errorf("span %q not recorded; got %v", name, names)
		return
	}
	got := make(map[attribute.Key]attribute.Value, len(span.Attributes()))
	for _, kv := range span.Attributes() {
		got[kv.Key] = kv.Value
	}
	for _, kv := range want {
		v, ok := got[kv.Key]
		if !ok {
			tb.Errorf("span %q missing attribute %q", name, kv.Key)
			continue
		}
		if v != kv.Value {
			tb.Errorf("span %q attribute %q = %v, want %v", name, kv.Key, v.Emit(), kv.Value.Emit())
		}
	}
}

// Collect reads the current metric values.
func (t *TestTelemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := t.reader.Collect(ctx, &rm)
	return rm, err
}
