package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/tracepipe/pkg/encoding"
	"github.com/yairfalse/tracepipe/pkg/profiler"
	"go.uber.org/zap/zaptest"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	pc, err := cfg.ToProfilerConfig(zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, pc.Validate())

	def := profiler.DefaultConfig()
	assert.Equal(t, def.Port, pc.Port)
	assert.Equal(t, def.Compression, pc.Compression)
	assert.Equal(t, def.ShutdownTimeout, pc.ShutdownTimeout)
	assert.Equal(t, def.Broadcast.Interval, pc.Broadcast.Interval)
	assert.Nil(t, pc.SourceFs)
}

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/tp.yaml", []byte(`
profiler:
  program_name: game
  port: 9000
  compression: zstd
  write_timeout: 250ms
  broadcast:
    enabled: false
collector:
  duration: 30s
log_level: debug
`), 0o644))

	cfg, err := LoadConfigFs(fs, "/etc/tp.yaml")
	require.NoError(t, err)

	assert.Equal(t, "game", cfg.Profiler.ProgramName)
	assert.Equal(t, 9000, cfg.Profiler.Port)
	assert.Equal(t, "zstd", cfg.Profiler.Compression)
	assert.Equal(t, 250*time.Millisecond, cfg.Profiler.WriteTimeout.Std())
	assert.False(t, cfg.Profiler.Broadcast.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Collector.Duration.Std())
	assert.Equal(t, "debug", cfg.LogLevel)

	// untouched fields keep their defaults
	def := DefaultConfig()
	assert.Equal(t, def.Profiler.TargetFrameSize, cfg.Profiler.TargetFrameSize)
	assert.Equal(t, def.Profiler.OnDemand, cfg.Profiler.OnDemand)
	assert.Equal(t, def.Collector.Address, cfg.Collector.Address)

	pc, err := cfg.ToProfilerConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, encoding.CompressionTypeZstd, pc.Compression)
}

func TestLoadJSONAndUnknownExtension(t *testing.T) {
	fs := afero.NewMemMapFs()
	body := []byte(`{"profiler": {"port": 7000, "shutdown_timeout": "2s"}}`)
	require.NoError(t, afero.WriteFile(fs, "tp.json", body, 0o644))
	require.NoError(t, afero.WriteFile(fs, "tp.conf", body, 0o644))

	for _, path := range []string{"tp.json", "tp.conf"} {
		cfg, err := LoadConfigFs(fs, path)
		require.NoError(t, err, path)
		assert.Equal(t, 7000, cfg.Profiler.Port, path)
		assert.Equal(t, 2*time.Second, cfg.Profiler.ShutdownTimeout.Std(), path)
	}
}

func TestLoadErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "bad.yaml", []byte("profiler: [oops"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "dur.yaml", []byte("profiler:\n  write_timeout: soon\n"), 0o644))

	_, err := LoadConfigFs(fs, "missing.yaml")
	var cerr ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ErrRead, cerr.Type)
	assert.NotEmpty(t, cerr.Suggestion)

	_, err = LoadConfigFs(fs, "bad.yaml")
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ErrParse, cerr.Type)
	assert.NotNil(t, errors.Unwrap(cerr))

	_, err = LoadConfigFs(fs, "dur.yaml")
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidateCollectsEveryError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiler.Port = 70000
	cfg.Profiler.Compression = "brotli"
	cfg.Profiler.SymbolRingCapacity = 1000
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := make(map[string]ValidationError)
	for _, e := range verrs.Errors {
		fields[e.Field] = e
	}
	assert.Contains(t, fields, "profiler.port")
	assert.Contains(t, fields, "profiler.compression")
	assert.Contains(t, fields, "profiler.symbol_ring_capacity")
	assert.Contains(t, fields, "log_level")
	assert.Equal(t, []string{"lz4", "zstd", "snappy", "none"}, fields["profiler.compression"].ValidValues)
	assert.Equal(t, "brotli", fields["profiler.compression"].CurrentValue)
	assert.Contains(t, err.Error(), "multiple validation errors")
	assert.NotEmpty(t, verrs.GetFixSuggestions())
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiler.MaxProducerItems = 0
	cfg.Profiler.MaxSerialItems = 0
	cfg.Profiler.SourceRoot = t.TempDir()
	cfg.Profiler.CodeTransfer = false
	assert.NoError(t, cfg.Validate())

	warnings := cfg.Warnings()
	require.Len(t, warnings, 2)
	assert.Equal(t, "profiler.max_producer_items", warnings[0].Field)
	assert.Equal(t, "profiler.source_root", warnings[1].Field)
	assert.Empty(t, DefaultConfig().Warnings())
}

func TestValidateFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"search past range", func(c *Config) { c.Profiler.Port = 65530 }, "profiler.port_search"},
		{"listen not ip", func(c *Config) { c.Profiler.ListenAddress = "localhost" }, "profiler.listen_address"},
		{"small frames", func(c *Config) { c.Profiler.TargetFrameSize = 10 }, "profiler.target_frame_size"},
		{"negative caps", func(c *Config) { c.Profiler.MaxSerialItems = -1 }, "profiler.max_producer_items"},
		{"broadcast address", func(c *Config) { c.Profiler.Broadcast.Address = "everyone" }, "profiler.broadcast.address"},
		{"collector address", func(c *Config) { c.Collector.Address = "8086" }, "collector.address"},
		{"negative duration", func(c *Config) { c.Collector.Duration = -1 }, "collector.duration"},
		{"telemetry path", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Path = "metrics"
		}, "telemetry.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			var verrs ValidationErrors
			require.True(t, errors.As(cfg.Validate(), &verrs))
			require.Len(t, verrs.Blocking(), 1)
			assert.Equal(t, tt.field, verrs.Blocking()[0].Field)
		})
	}
}

func TestSourceRootBecomesReadOnlyFs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, afero.WriteFile(afero.NewOsFs(), root+"/main.go", []byte("package main"), 0o644))

	cfg := DefaultConfig()
	cfg.Profiler.SourceRoot = root
	pc, err := cfg.ToProfilerConfig(nil)
	require.NoError(t, err)
	require.NotNil(t, pc.SourceFs)

	data, err := afero.ReadFile(pc.SourceFs, "/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))
	assert.Error(t, afero.WriteFile(pc.SourceFs, "/x.go", []byte("x"), 0o644))
}

func TestWriteFileRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := DefaultConfig()
	cfg.Profiler.ProgramName = "svc"
	cfg.Profiler.WriteTimeout = Duration(3 * time.Second)

	for _, path := range []string{"/out/tp.yaml", "/out/tp.json"} {
		require.NoError(t, cfg.WriteFile(fs, path))
		got, err := LoadConfigFs(fs, path)
		require.NoError(t, err, path)
		assert.Equal(t, cfg, got, path)
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	assert.Equal(t, 90*time.Second, d.Std())
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))
	assert.Error(t, d.UnmarshalText([]byte("fast")))
}
