package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "warden", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	_, finish := p.TrackOperation(context.Background(), "disabled.op")
	finish(errors.New("ignored"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx, finish := p.TrackOperation(context.Background(), "nil.op")
	require.NotNil(t, ctx)
	finish(nil)
	p.RecordAction(ctx, "BAN", "RESOLVED", true)
	assert.NoError(t, p.Shutdown(ctx))
}

func testProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()
	p, err := NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	require.NoError(t, err)
	return p, reader, recorder
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestTrackOperation_RecordsREDMetrics(t *testing.T) {
	p, reader, recorder := testProvider(t)
	ctx := context.Background()

	_, finish := p.TrackOperation(ctx, "classifier.classify", ClassifyOperation("g1", "m")...)
	finish(nil)
	_, finish = p.TrackOperation(ctx, "classifier.classify", ClassifyOperation("g1", "m")...)
	finish(errors.New("boom"))

	assert.Equal(t, int64(2), sumOf(t, reader, "warden.operations.total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "warden.errors.total"))
	assert.Equal(t, int64(0), sumOf(t, reader, "warden.operations.active"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "classifier.classify", spans[0].Name())
	assert.NotEmpty(t, spans[1].Events(), "error recorded on span")
}

func TestRecordAction(t *testing.T) {
	p, reader, _ := testProvider(t)
	p.RecordAction(context.Background(), "BAN", "RESOLVED", true)
	p.RecordAction(context.Background(), "WARN", "PENDING_CONFIRMATION", false)
	assert.Equal(t, int64(2), sumOf(t, reader, "warden.enforcement.actions"))
}
