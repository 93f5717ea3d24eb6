package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/tracepipe/internal/collector"
	"github.com/yairfalse/tracepipe/pkg/config"
	"github.com/yairfalse/tracepipe/pkg/profiler"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.uber.org/zap/zaptest"
)

func bufferedCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	return cmd, &buf
}

func useMemFs(t *testing.T) afero.Fs {
	t.Helper()
	prev := configFs
	configFs = afero.NewMemMapFs()
	t.Cleanup(func() { configFs = prev })
	return configFs
}

func TestVersionCommand(t *testing.T) {
	cmd, buf := bufferedCmd()
	versionCmd.Run(cmd, nil)
	out := buf.String()
	assert.Contains(t, out, "tracepipe dev")
	assert.Contains(t, out, "Protocol: ")
	assert.Contains(t, out, "Go: go")
}

func TestConfigInitRefusesToOverwrite(t *testing.T) {
	fs := useMemFs(t)
	configPath, configForce = "/tmp/tracepipe.yaml", false
	t.Cleanup(func() { configPath, configForce = "tracepipe.yaml", false })

	cmd, buf := bufferedCmd()
	require.NoError(t, runConfigInit(cmd, nil))
	assert.Contains(t, buf.String(), "Configuration initialized")

	cfg, err := config.LoadConfigFs(fs, configPath)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	err = runConfigInit(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	configForce = true
	assert.NoError(t, runConfigInit(cmd, nil))
}

func TestConfigValidatePrintsWarnings(t *testing.T) {
	fs := useMemFs(t)
	require.NoError(t, afero.WriteFile(fs, "/ok.yaml",
		[]byte("profiler:\n  max_producer_items: 0\n  max_serial_items: 0\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("profiler:\n  port: 99999\n"), 0o644))

	cmd, buf := bufferedCmd()
	require.NoError(t, runConfigValidate(cmd, []string{"/ok.yaml"}))
	assert.Contains(t, buf.String(), "warning: profiler.max_producer_items")
	assert.Contains(t, buf.String(), "Configuration is valid: /ok.yaml")

	err := runConfigValidate(cmd, []string{"/bad.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profiler.port")
	assert.Contains(t, err.Error(), "hint:")

	assert.Error(t, runConfigValidate(cmd, nil))
}

func TestConfigShowJSON(t *testing.T) {
	configFormat = "json"
	t.Cleanup(func() { configFormat = "yaml" })

	cmd, buf := bufferedCmd()
	require.NoError(t, runConfigShow(cmd, nil))
	var got config.Config
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, profiler.DefaultPort, got.Profiler.Port)

	configFormat = "toml"
	assert.Error(t, runConfigShow(cmd, nil))
}

func TestListenBeaconsDeduplicates(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	game, err := wire.Beacon{ProtocolVersion: wire.ProtocolVersion, ListenPort: 8086, PID: 10, ActiveTime: 3, ProgramName: "game"}.MarshalBinary()
	require.NoError(t, err)
	tool, err := wire.Beacon{ProtocolVersion: wire.ProtocolVersion, ListenPort: 8087, PID: 11, ActiveTime: -1, ProgramName: "tool"}.MarshalBinary()
	require.NoError(t, err)
	for _, pkt := range [][]byte{game, []byte{1}, game, tool} {
		_, err := sender.Write(pkt)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var found []wire.Beacon
	var out bytes.Buffer
	require.NoError(t, listenBeacons(ctx, conn, func(from net.Addr, b wire.Beacon) {
		found = append(found, b)
		printBeacon(&out, from, b)
	}))

	require.Len(t, found, 2)
	assert.Equal(t, "game", found[0].ProgramName)
	assert.Equal(t, "tool", found[1].ProgramName)
	assert.Contains(t, out.String(), "127.0.0.1:8086")
	assert.Contains(t, out.String(), "waiting 3s")
	assert.Contains(t, out.String(), "busy")
	assert.NotContains(t, out.String(), "incompatible")
}

func TestPrintSummary(t *testing.T) {
	s := &collector.Summary{
		Program: "game",
		PID:     7,
		Events:  12345,
		Frames:  60,
		Threads: map[uint32]string{2: "render", 1: "main"},
		Zones: []collector.ZoneStat{
			{Name: "update", File: "main.go", Line: 10, Count: 4, Total: 8 * time.Millisecond, Max: 3 * time.Millisecond},
			{Name: "draw", File: "draw.go", Line: 3, Count: 1, Total: time.Millisecond, Max: time.Millisecond},
		},
		Plots:    []collector.PlotStat{{Name: "fps", Count: 2, Last: 59.5}},
		Messages: []string{"loaded level"},
	}
	var buf bytes.Buffer
	printSummary(&buf, s, 1)
	out := buf.String()

	assert.Contains(t, out, "Program:  game (pid 7)")
	assert.Contains(t, out, "12,345 events")
	assert.Less(t, strings.Index(out, "main"), strings.Index(out, "render"))
	assert.Contains(t, out, "2ms")
	assert.Contains(t, out, "LOCATION")
	assert.Contains(t, out, "main.go:10")
	assert.NotContains(t, out, "draw.go", "top limits the zone table")
	assert.Contains(t, out, "59.5")
	assert.Contains(t, out, "loaded level")
}

func TestWorkloadProducesFrames(t *testing.T) {
	cfg := profiler.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.PortSearch = false
	cfg.Broadcast.Enabled = false
	cfg.Logger = zaptest.NewLogger(t)
	p, err := profiler.New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, p.Shutdown(ctx))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, newWorkload(p, 2, zaptest.NewLogger(t)).run(ctx))

	st := p.Stats()
	assert.Positive(t, st.Frames)
	var buf bytes.Buffer
	printStats(&buf, st)
	assert.Contains(t, buf.String(), "Frames: ")
}
