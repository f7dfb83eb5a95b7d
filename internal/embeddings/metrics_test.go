package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestMetrics(t *testing.T) (*Metrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{
		meter:  mp.Meter(embeddingsInstrumentationName),
		logger: zap.NewNop(),
	}
	m.init()
	return m, reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetrics_RecordGeneration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGeneration(ctx, "BAAI/bge-small-en-v1.5", "embed_documents", 100*time.Millisecond, 10, nil)
	m.RecordGeneration(ctx, "BAAI/bge-small-en-v1.5", "embed_query", 50*time.Millisecond, 1, nil)
	m.RecordGeneration(ctx, "BAAI/bge-small-en-v1.5", "embed_documents", 25*time.Millisecond, 5, errors.New("timeout"))

	got := collect(t, reader)

	duration, ok := got["archivist.embedding.generation_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok, "duration histogram missing")
	var n uint64
	for _, dp := range duration.DataPoints {
		n += dp.Count
	}
	assert.Equal(t, uint64(3), n)

	batch, ok := got["archivist.embedding.batch_size"].(metricdata.Histogram[int64])
	require.True(t, ok, "batch size histogram missing")
	n = 0
	for _, dp := range batch.DataPoints {
		n += dp.Count
	}
	assert.Equal(t, uint64(3), n)

	errs, ok := got["archivist.embedding.errors_total"].(metricdata.Sum[int64])
	require.True(t, ok, "errors counter missing")
	var total int64
	for _, dp := range errs.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(1), total)
}

func TestInstrumentedProvider(t *testing.T) {
	m, reader := newTestMetrics(t)
	fake := NewFake(8)
	p := &instrumented{Provider: fake, model: "fake", metrics: m}
	ctx := context.Background()

	_, err := p.EmbedDocuments(ctx, []string{"a", "b"})
	require.NoError(t, err)
	fake.FailWith(errors.New("down"))
	_, err = p.EmbedQuery(ctx, "a")
	require.ErrorIs(t, err, ErrEmbeddingFailed)

	got := collect(t, reader)
	duration := got["archivist.embedding.generation_duration_seconds"].(metricdata.Histogram[float64])
	assert.Len(t, duration.DataPoints, 2, "one series per operation")
	errs := got["archivist.embedding.errors_total"].(metricdata.Sum[int64])
	require.Len(t, errs.DataPoints, 1)
	assert.Equal(t, int64(1), errs.DataPoints[0].Value)
}
