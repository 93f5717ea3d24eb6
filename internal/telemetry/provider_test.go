package telemetry

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/tracepipe/internal/collector"
	"github.com/yairfalse/tracepipe/pkg/profiler"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	cfg := DefaultConfig("tracepipe-test")
	cfg.RuntimeMetrics = false
	cfg.Logger = zaptest.NewLogger(t)
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Shutdown(context.Background())) })
	return p
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandlerExposesCounters(t *testing.T) {
	p := newTestProvider(t)
	counter, err := p.Meter("test").Int64Counter("demo_events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	body := scrape(t, p.Handler())
	assert.Contains(t, body, "demo_events_total")
	assert.Contains(t, body, `service_name="tracepipe-test"`)
}

func TestProvidersDoNotShareRegistries(t *testing.T) {
	a, b := newTestProvider(t), newTestProvider(t)
	counter, err := a.Meter("test").Int64Counter("only_in_a")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	assert.Contains(t, scrape(t, a.Handler()), "only_in_a")
	assert.NotContains(t, scrape(t, b.Handler()), "only_in_a")
}

func TestServeListener(t *testing.T) {
	p := newTestProvider(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestProfilerSessionTelemetry(t *testing.T) {
	p := newTestProvider(t)
	spans := tracetest.NewSpanRecorder()
	p.RegisterSpanProcessor(spans)

	cfg := profiler.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.PortSearch = false
	cfg.Broadcast.Enabled = false
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Meter = p.Meter("profiler")
	cfg.Tracer = p.Tracer("profiler")
	prof, err := profiler.New(cfg)
	require.NoError(t, err)
	require.NoError(t, prof.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, prof.Shutdown(ctx))
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(prof.Port()))
	c, err := collector.Dial(context.Background(), addr, collector.Config{})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return len(spans.Ended()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "tracepipe.session", spans.Ended()[0].Name())

	body := scrape(t, p.Handler())
	assert.Contains(t, body, "tracepipe_sessions_total")
	assert.Contains(t, body, "tracepipe_handshakes_total")
}
