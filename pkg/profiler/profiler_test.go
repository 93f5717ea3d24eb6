package profiler

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/tracepipe/internal/collector"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.uber.org/zap/zaptest"
)

const waitFor = 5 * time.Second

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.ProgramName = "profiler-test"
	cfg.ListenAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.PortSearch = false
	cfg.Broadcast.Enabled = false
	cfg.ForceMonotonic = true
	cfg.ShutdownTimeout = time.Second
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

// startProfiler creates and starts a profiler on a loopback port chosen by
// the system; it is shut down when the test ends
func startProfiler(t *testing.T, mutate func(*Config)) *Profiler {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, p.Shutdown(ctx))
	})
	return p
}

func addr(p *Profiler) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(p.Port()))
}

func dialWith(t *testing.T, p *Profiler, cfg collector.Config) (*collector.Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	cfg.Logger = zaptest.NewLogger(t)
	return collector.Dial(ctx, addr(p), cfg)
}

// attach connects a collector and waits until the profiler reports it
func attach(t *testing.T, p *Profiler) *collector.Client {
	t.Helper()
	c, err := dialWith(t, p, collector.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	require.True(t, p.IsConnected())
	return c
}

// detach closes the collector and waits until the worker noticed
func detach(t *testing.T, p *Profiler, c *collector.Client) {
	t.Helper()
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return !p.IsConnected() }, waitFor, 5*time.Millisecond)
}

// readUntil collects events until stop matches one, which is included
func readUntil(t *testing.T, c *collector.Client, stop func(collector.Event) bool) []collector.Event {
	t.Helper()
	var got []collector.Event
	for {
		ev, err := c.Next()
		require.NoError(t, err)
		got = append(got, ev)
		if stop(ev) {
			return got
		}
	}
}

func isKind(k wire.Kind) func(collector.Event) bool {
	return func(ev collector.Event) bool { return ev.Kind() == k }
}

func isMessage(text string) func(collector.Event) bool {
	return func(ev collector.Event) bool {
		return ev.Kind() == wire.KindMessage && ev.String == text
	}
}

// isAlloc matches the memory event used to mark the end of serial output
func isAlloc(ptr uint64) func(collector.Event) bool {
	return func(ev collector.Event) bool {
		a, ok := ev.Event.(wire.MemAlloc)
		return ok && a.Ptr == ptr
	}
}

func ofKind(evs []collector.Event, k wire.Kind) []collector.Event {
	var out []collector.Event
	for _, ev := range evs {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}
	return out
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.SymbolRingCapacity = 3
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	p := startProfiler(t, nil)
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
	assert.NotZero(t, p.Port())
}

func TestShutdownWithoutStart(t *testing.T) {
	p, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, p.HasShutdownFinished())
	assert.Equal(t, StateStopped, p.State())
}

func TestShutdownWhileWaiting(t *testing.T) {
	p := startProfiler(t, nil)
	require.Eventually(t, func() bool { return p.State() == StateWaitingForClient }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.True(t, p.HasShutdownFinished())
	assert.Equal(t, StateStopped, p.State())

	_, err := net.DialTimeout("tcp", addr(p), time.Second)
	assert.Error(t, err, "listener should be closed")
}

func TestShutdownOnContextCancel(t *testing.T) {
	p, err := New(testConfig(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()
	require.Eventually(t, p.HasShutdownFinished, waitFor, 5*time.Millisecond)
}

func TestShutdownDrainsAndTerminates(t *testing.T) {
	p := startProfiler(t, nil)
	c := attach(t, p)
	th := p.Thread("main")
	th.Message("first")
	readUntil(t, c, isMessage("first"))

	th.Message("last")
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		done <- p.Shutdown(ctx)
	}()

	evs := readUntil(t, c, isKind(wire.KindTerminate))
	assert.NotEmpty(t, ofKind(evs, wire.KindMessage), "queued message must be sent before terminate")
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("shutdown did not finish")
	}
	assert.Equal(t, StateStopped, p.State())

	// emission after shutdown is a no-op
	th.Message("ignored")
	assert.Zero(t, p.Stats().FastQueue.Queued)
}

func TestStatsAfterSession(t *testing.T) {
	p := startProfiler(t, nil)
	c := attach(t, p)
	th := p.Thread("main")
	th.Message("hello")
	readUntil(t, c, isMessage("hello"))
	detach(t, p, c)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Sessions)
	assert.Equal(t, uint64(1), st.ConnectionID)
	assert.False(t, st.Connected)
	assert.NotZero(t, st.BytesSent)
	assert.NotZero(t, st.FramesSent)
	assert.Zero(t, st.Dropped)
}

func TestSecondCollectorDroppedUnderLoad(t *testing.T) {
	p := startProfiler(t, nil)
	first := attach(t, p)
	go func() {
		for {
			if _, err := first.Next(); err != nil {
				return
			}
		}
	}()

	th := p.Thread("busy")
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				th.Message("load")
				time.Sleep(10 * time.Microsecond)
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	start := time.Now()
	_, err := dialWith(t, p, collector.Config{})
	require.ErrorIs(t, err, collector.ErrDropped)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRejectDue(t *testing.T) {
	w := &worker{}
	now := time.Now()
	w.lastReject = now
	assert.True(t, w.rejectDue(now, true))
	assert.False(t, w.rejectDue(now.Add(rejectInterval/2), false))
	assert.True(t, w.rejectDue(now.Add(rejectInterval), false))
}
