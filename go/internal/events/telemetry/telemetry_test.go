package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcdev12/taskhub/go/internal/events"
)

func TestOtel_RecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewOtel(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.Received(ctx, "TaskCreated")
	m.Received(ctx, "TaskCreated")
	m.UnknownType(ctx, "LegacyWidgetMoved")
	m.RetryOffloaded(ctx, "TaskCreated", 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok, md.Name)
			for _, dp := range sum.DataPoints {
				totals[md.Name] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(2), totals["events.consumer.received"])
	assert.Equal(t, int64(1), totals["events.consumer.unknown_type"])
	assert.Equal(t, int64(1), totals["events.consumer.retry_offload"])
}

func TestCounters_Labels(t *testing.T) {
	c := NewCounters()
	var m Metrics = Multi{Nop{}, c}

	ctx := context.Background()
	m.DeadLettered(ctx, "TaskCreated", events.ReasonMaxRetriesExceeded)
	m.RetryOffloaded(ctx, "TaskCreated", 2)
	m.Relayed(ctx, "TaskCreated")

	assert.Equal(t, int64(1), c.Count("dead_letter", events.ReasonMaxRetriesExceeded))
	assert.Equal(t, int64(1), c.Count("retry_offload", "2"))
	assert.Equal(t, int64(1), c.Count("relayed", "TaskCreated"))
	assert.Equal(t, []string{"dead_letter{MaxRetriesExceeded}", "relayed{TaskCreated}", "retry_offload{2}"}, c.Keys())
}

func TestRemoteSpanContext(t *testing.T) {
	md := events.Metadata{
		events.HeaderTraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
		events.HeaderSpanID:  "00f067aa0ba902b7",
	}

	sc, ok := RemoteSpanContext(md)
	require.True(t, ok)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())

	_, ok = RemoteSpanContext(events.Metadata{})
	assert.False(t, ok)
}

func TestInjectIDs_KeepsExistingHeaders(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	md := events.Metadata{}
	InjectIDs(ctx, md)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", md[events.HeaderTraceID])
	assert.Equal(t, "00f067aa0ba902b7", md[events.HeaderSpanID])

	md = events.Metadata{events.HeaderTraceID: "keep", events.HeaderSpanID: "me"}
	InjectIDs(ctx, md)
	assert.Equal(t, "keep", md[events.HeaderTraceID])
	assert.Equal(t, "me", md[events.HeaderSpanID])

	md = events.Metadata{}
	InjectIDs(context.Background(), md)
	assert.Empty(t, md)
}
