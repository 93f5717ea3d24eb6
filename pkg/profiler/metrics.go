package profiler

import (
	"context"

	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// workerMetrics are the transport worker's instruments. Any of them may be
// nil when registration failed; metrics are optional.
type workerMetrics struct {
	recordsSent      metric.Int64Counter
	bytesSent        metric.Int64Counter
	framesSent       metric.Int64Counter
	compressionRatio metric.Float64Histogram
	sessions         metric.Int64Counter
	handshakes       metric.Int64Counter
	queries          metric.Int64Counter
	sessionDuration  metric.Float64Histogram
	dropped          metric.Int64ObservableCounter
}

func newWorkerMetrics(meter metric.Meter, logger *zap.Logger, p *Profiler) *workerMetrics {
	m := &workerMetrics{}
	var err error

	m.recordsSent, err = meter.Int64Counter(
		"tracepipe_records_sent_total",
		metric.WithDescription("Total records written to collectors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create records sent counter", zap.Error(err))
		m.recordsSent = nil
	}

	m.bytesSent, err = meter.Int64Counter(
		"tracepipe_bytes_sent_total",
		metric.WithDescription("Total compressed bytes written to collectors"),
		metric.WithUnit("By"),
	)
	if err != nil {
		logger.Debug("Failed to create bytes sent counter", zap.Error(err))
		m.bytesSent = nil
	}

	m.framesSent, err = meter.Int64Counter(
		"tracepipe_frames_sent_total",
		metric.WithDescription("Total frames written to collectors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create frames sent counter", zap.Error(err))
		m.framesSent = nil
	}

	m.compressionRatio, err = meter.Float64Histogram(
		"tracepipe_frame_compression_ratio",
		metric.WithDescription("Uncompressed to compressed size per frame"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(1, 1.5, 2, 3, 4, 6, 8, 12, 16),
	)
	if err != nil {
		logger.Debug("Failed to create compression ratio histogram", zap.Error(err))
		m.compressionRatio = nil
	}

	m.sessions, err = meter.Int64Counter(
		"tracepipe_sessions_total",
		metric.WithDescription("Total collector sessions started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create sessions counter", zap.Error(err))
		m.sessions = nil
	}

	m.handshakes, err = meter.Int64Counter(
		"tracepipe_handshakes_total",
		metric.WithDescription("Handshake replies by status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create handshakes counter", zap.Error(err))
		m.handshakes = nil
	}

	m.queries, err = meter.Int64Counter(
		"tracepipe_queries_total",
		metric.WithDescription("Collector queries served by type"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create queries counter", zap.Error(err))
		m.queries = nil
	}

	m.sessionDuration, err = meter.Float64Histogram(
		"tracepipe_session_duration_seconds",
		metric.WithDescription("Collector session duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 900, 3600),
	)
	if err != nil {
		logger.Debug("Failed to create session duration histogram", zap.Error(err))
		m.sessionDuration = nil
	}

	m.dropped, err = meter.Int64ObservableCounter(
		"tracepipe_records_dropped_total",
		metric.WithDescription("Records refused because a queue was at its cap"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.dropped.Load()))
			return nil
		}),
	)
	if err != nil {
		logger.Debug("Failed to create dropped counter", zap.Error(err))
		m.dropped = nil
	}

	return m
}

func (m *workerMetrics) frameSent(records, raw, compressed int) {
	ctx := context.Background()
	if m.recordsSent != nil {
		m.recordsSent.Add(ctx, int64(records))
	}
	if m.bytesSent != nil {
		m.bytesSent.Add(ctx, int64(compressed))
	}
	if m.framesSent != nil {
		m.framesSent.Add(ctx, 1)
	}
	if m.compressionRatio != nil && compressed > 0 {
		m.compressionRatio.Record(ctx, float64(raw)/float64(compressed))
	}
}

func (m *workerMetrics) handshake(status wire.HandshakeStatus) {
	if m.handshakes != nil {
		m.handshakes.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status.String())))
	}
	if status == wire.HandshakeWelcome && m.sessions != nil {
		m.sessions.Add(context.Background(), 1)
	}
}

func (m *workerMetrics) query(q wire.QueryType) {
	if m.queries != nil {
		m.queries.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", q.String())))
	}
}

func (m *workerMetrics) sessionEnded(ctx context.Context, seconds float64) {
	if m.sessionDuration != nil {
		m.sessionDuration.Record(ctx, seconds)
	}
}
