package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fentz26/bridge/internal/models"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
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

func sumFor(t *testing.T, data metricdata.Aggregation, key, value string) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.Decision(ctx, "executed")
	m.Decision(ctx, "executed")
	m.Decision(ctx, "late_failed")
	m.Attempt(ctx, "failure")
	m.Command(ctx, models.CommandBugExecution, "completed")
	m.TickCompleted(ctx, 250*time.Millisecond)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, got["bridge.scheduler.decisions"], "decision", "executed"))
	assert.Equal(t, int64(1), sumFor(t, got["bridge.scheduler.decisions"], "decision", "late_failed"))
	assert.Equal(t, int64(1), sumFor(t, got["bridge.retry.attempts"], "outcome", "failure"))
	assert.Equal(t, int64(1), sumFor(t, got["bridge.commands.finished"], "kind", "bug_execution"))

	hist, ok := got["bridge.scheduler.tick.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestSetupDisabled(t *testing.T) {
	p, err := Setup(context.Background(), DefaultConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(context.Background()))
}
