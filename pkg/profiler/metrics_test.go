package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/tracepipe/internal/collector"
	"github.com/yairfalse/tracepipe/pkg/wire"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestWorkerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	p := startProfiler(t, func(c *Config) { c.Meter = provider.Meter("test") })

	_, err := dialWith(t, p, collector.Config{Version: 1})
	require.ErrorIs(t, err, collector.ErrProtocolMismatch)

	c := attach(t, p)
	lit := p.Literal("x")
	require.NoError(t, c.Query(wire.QueryPacket{Type: wire.QueryString, Ptr: uint64(lit.Handle())}))
	readUntil(t, c, isKind(wire.KindStringData))

	require.Eventually(t, func() bool {
		return collectSums(t, reader)["tracepipe_frames_sent_total"] > 0
	}, waitFor, 5*time.Millisecond)
	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), sums["tracepipe_handshakes_total"])
	assert.Equal(t, int64(1), sums["tracepipe_sessions_total"])
	assert.Equal(t, int64(1), sums["tracepipe_queries_total"])
	assert.NotZero(t, sums["tracepipe_frames_sent_total"])
	assert.NotZero(t, sums["tracepipe_bytes_sent_total"])
	assert.NotZero(t, sums["tracepipe_records_sent_total"])
	assert.Zero(t, sums["tracepipe_records_dropped_total"])
}
