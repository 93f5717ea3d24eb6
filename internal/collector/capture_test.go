package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/tracepipe/pkg/profiler"
	"go.uber.org/zap/zaptest"
)

func startProfiler(t *testing.T, mutate func(*profiler.Config)) *profiler.Profiler {
	t.Helper()
	cfg := profiler.DefaultConfig()
	cfg.ProgramName = "capture-test"
	cfg.ListenAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.PortSearch = false
	cfg.Broadcast.Enabled = false
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Logger = zaptest.NewLogger(t)
	if mutate != nil {
		mutate(cfg)
	}
	p, err := profiler.New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, p.Shutdown(ctx))
	})
	return p
}

func dialProfiler(t *testing.T, p *profiler.Profiler) *Client {
	t.Helper()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(p.Port()))
	c, err := Dial(context.Background(), addr, Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type runResult struct {
	summary *Summary
	err     error
}

func runCapture(ctx context.Context, c *Capture) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		s, err := c.Run(ctx)
		ch <- runResult{s, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan runResult) *Summary {
	t.Helper()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.summary
	case <-time.After(10 * time.Second):
		t.Fatal("capture did not finish")
		return nil
	}
}

func zoneNamed(s *Summary, name string) *ZoneStat {
	for i := range s.Zones {
		if s.Zones[i].Name == name {
			return &s.Zones[i]
		}
	}
	return nil
}

func TestCaptureSummarizesSession(t *testing.T) {
	p := startProfiler(t, nil)
	client := dialProfiler(t, p)
	var out bytes.Buffer
	capture := NewCapture(client, &out, zaptest.NewLogger(t))
	done := runCapture(context.Background(), capture)

	th := p.Thread("worker")
	loc := p.Location("step", "run", "main.go", 10, 0)
	for i := 0; i < 3; i++ {
		z := th.Zone(loc)
		z.End()
	}
	z := th.ZoneAlloc("dyn", "gen", "gen.go", 5, 0)
	z.End()
	th.MessageLiteral(p.Literal("hello literal"))
	th.Message("inline")
	th.PlotInt(p.Literal("load"), 42)
	th.FrameMark()
	th.FrameMarkNamed(p.Literal("physics"))

	// shutdown drains the queues and ends the stream
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	}()
	s := wait(t, done)

	assert.Equal(t, "capture-test", s.Program)
	assert.Equal(t, "worker", s.Threads[th.ID()])

	step := zoneNamed(s, "step")
	require.NotNil(t, step, "zones: %+v", s.Zones)
	assert.Equal(t, uint64(3), step.Count)
	assert.Equal(t, "run", step.Function)
	assert.Equal(t, "main.go", step.File)
	assert.Equal(t, uint32(10), step.Line)
	assert.GreaterOrEqual(t, step.Max, time.Duration(0))
	assert.LessOrEqual(t, step.Max, step.Total)

	dyn := zoneNamed(s, "dyn")
	require.NotNil(t, dyn)
	assert.Equal(t, uint64(1), dyn.Count)
	assert.Equal(t, "gen.go", dyn.File)
	assert.Equal(t, uint32(5), dyn.Line)

	assert.Contains(t, s.Messages, "hello literal")
	assert.Contains(t, s.Messages, "inline")
	require.Len(t, s.Plots, 1)
	assert.Equal(t, PlotStat{Name: "load", Count: 1, Last: 42}, s.Plots[0])
	assert.Equal(t, uint64(2), s.Frames)
	assert.Equal(t, []string{"physics"}, s.FrameSets)
	assert.Equal(t, uint64(3), s.Kinds["ZoneBegin"])
	assert.Equal(t, uint64(1), s.Kinds["Terminate"])

	// one JSON line per event
	lines := 0
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		assert.NotEmpty(t, ev["kind"])
		lines++
	}
	assert.Equal(t, s.Events, uint64(lines))
}

func TestCaptureCancelAsksForDisconnect(t *testing.T) {
	p := startProfiler(t, nil)
	client := dialProfiler(t, p)
	capture := NewCapture(client, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runCapture(ctx, capture)

	th := p.Thread("main")
	th.Message("before cancel")
	require.Eventually(t, func() bool { return p.Stats().FramesSent > 0 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	s := wait(t, done)
	assert.Equal(t, uint64(1), s.Kinds["Terminate"])
	require.Eventually(t, func() bool { return !p.IsConnected() }, 5*time.Second, 5*time.Millisecond)
}

func TestParseAllocLocation(t *testing.T) {
	blob := []byte{1, 0, 0, 0, 42, 0, 0, 0}
	blob = append(blob, "fn\x00file.go\x00name"...)
	loc, ok := parseAllocLocation(blob)
	require.True(t, ok)
	assert.Equal(t, "fn", loc.functionS)
	assert.Equal(t, "file.go", loc.fileS)
	assert.Equal(t, "name", loc.nameS)
	assert.Equal(t, uint32(42), loc.line)

	_, ok = parseAllocLocation(blob[:6])
	assert.False(t, ok)
	_, ok = parseAllocLocation(append(blob[:8:8], "no terminator"...))
	assert.False(t, ok)
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, &Summary{Program: "x", Kinds: map[string]uint64{"ZoneEnd": 2}}))
	var got Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "x", got.Program)
	assert.Equal(t, uint64(2), got.Kinds["ZoneEnd"])
}
