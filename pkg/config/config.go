package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/yairfalse/tracepipe/pkg/encoding"
	"github.com/yairfalse/tracepipe/pkg/profiler"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	// Profiler configures the instrumented side
	Profiler ProfilerConfig `yaml:"profiler" json:"profiler"`

	// Collector configures the capture command
	Collector CollectorConfig `yaml:"collector" json:"collector"`

	// Telemetry exposes the profiler's own metrics
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// ProfilerConfig mirrors profiler.Config in file form
type ProfilerConfig struct {
	ProgramName   string `yaml:"program_name" json:"program_name"`
	HostInfo      string `yaml:"host_info" json:"host_info"`
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
	Port          int    `yaml:"port" json:"port"`
	PortSearch    bool   `yaml:"port_search" json:"port_search"`
	OnDemand      bool   `yaml:"on_demand" json:"on_demand"`

	Broadcast BroadcastConfig `yaml:"broadcast" json:"broadcast"`

	Compression      string   `yaml:"compression" json:"compression"`
	CompressionLevel int      `yaml:"compression_level" json:"compression_level"`
	TargetFrameSize  int      `yaml:"target_frame_size" json:"target_frame_size"`
	WriteTimeout     Duration `yaml:"write_timeout" json:"write_timeout"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	MaxProducerItems   int `yaml:"max_producer_items" json:"max_producer_items"`
	MaxSerialItems     int `yaml:"max_serial_items" json:"max_serial_items"`
	SymbolRingCapacity int `yaml:"symbol_ring_capacity" json:"symbol_ring_capacity"`

	CodeTransfer   bool `yaml:"code_transfer" json:"code_transfer"`
	NoVerify       bool `yaml:"no_verify" json:"no_verify"`
	ForceMonotonic bool `yaml:"force_monotonic" json:"force_monotonic"`

	// SourceRoot confines source code queries to one directory tree
	SourceRoot string `yaml:"source_root" json:"source_root"`
}

// BroadcastConfig controls discovery beacons
type BroadcastConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Address  string   `yaml:"address" json:"address"`
	Port     int      `yaml:"port" json:"port"`
	Interval Duration `yaml:"interval" json:"interval"`
}

// CollectorConfig contains settings for the capture command
type CollectorConfig struct {
	Address     string   `yaml:"address" json:"address"`
	DialTimeout Duration `yaml:"dial_timeout" json:"dial_timeout"`
	// Duration stops the capture after this long; zero runs until the
	// profiler ends the stream
	Duration Duration `yaml:"duration" json:"duration"`
	// Output receives the decoded events as JSON lines; empty discards them
	Output string `yaml:"output" json:"output"`
}

// TelemetryConfig contains the metrics endpoint settings
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// Duration is a time.Duration written as "250ms" or "5s" in files
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	pc := profiler.DefaultConfig()
	return &Config{
		Profiler: ProfilerConfig{
			ListenAddress: pc.ListenAddress,
			Port:          pc.Port,
			PortSearch:    pc.PortSearch,
			OnDemand:      pc.OnDemand,
			Broadcast: BroadcastConfig{
				Enabled:  pc.Broadcast.Enabled,
				Address:  pc.Broadcast.Address,
				Port:     pc.Broadcast.Port,
				Interval: Duration(pc.Broadcast.Interval),
			},
			Compression:        pc.Compression.String(),
			CompressionLevel:   pc.CompressionLevel,
			TargetFrameSize:    pc.TargetFrameSize,
			WriteTimeout:       Duration(pc.WriteTimeout),
			HandshakeTimeout:   Duration(pc.HandshakeTimeout),
			ShutdownTimeout:    Duration(pc.ShutdownTimeout),
			MaxProducerItems:   pc.MaxProducerItems,
			MaxSerialItems:     pc.MaxSerialItems,
			SymbolRingCapacity: pc.SymbolRingCapacity,
			CodeTransfer:       pc.CodeTransfer,
		},
		Collector: CollectorConfig{
			Address:     fmt.Sprintf("127.0.0.1:%d", profiler.DefaultPort),
			DialTimeout: Duration(5 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Address: ":9464",
			Path:    "/metrics",
		},
		LogLevel: "info",
	}
}

// LoadConfig loads configuration from a file on the OS file system
func LoadConfig(path string) (*Config, error) {
	return LoadConfigFs(afero.NewOsFs(), path)
}

// LoadConfigFs loads configuration from a file. Fields the file leaves out
// keep their defaults.
func LoadConfigFs(fs afero.Fs, path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(fs, path, config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile parses path over config, choosing the format by extension
func decodeFile(fs afero.Fs, path string, config *Config) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return NewConfigFileError(ErrRead, path,
			fmt.Sprintf("failed to read config file: %v", err),
			"check file permissions and ensure the file is readable").WithCause(err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		// Try YAML first, then JSON
		snapshot := *config
		if err = yaml.Unmarshal(data, config); err != nil {
			*config = snapshot
			err = json.Unmarshal(data, config)
		}
	}
	if err != nil {
		return NewConfigFileError(ErrParse, path,
			fmt.Sprintf("failed to parse config: %v", err),
			"check the YAML or JSON syntax, or run 'tracepipe config validate'").WithCause(err)
	}
	return nil
}

// applyDefaults sets default values for missing config fields
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Profiler.Compression == "" {
		c.Profiler.Compression = d.Profiler.Compression
	}
	if c.Profiler.TargetFrameSize == 0 {
		c.Profiler.TargetFrameSize = d.Profiler.TargetFrameSize
	}
	if c.Profiler.WriteTimeout == 0 {
		c.Profiler.WriteTimeout = d.Profiler.WriteTimeout
	}
	if c.Profiler.HandshakeTimeout == 0 {
		c.Profiler.HandshakeTimeout = d.Profiler.HandshakeTimeout
	}
	if c.Profiler.ShutdownTimeout == 0 {
		c.Profiler.ShutdownTimeout = d.Profiler.ShutdownTimeout
	}
	if c.Profiler.SymbolRingCapacity == 0 {
		c.Profiler.SymbolRingCapacity = d.Profiler.SymbolRingCapacity
	}
	if c.Profiler.Broadcast.Address == "" {
		c.Profiler.Broadcast.Address = d.Profiler.Broadcast.Address
	}
	if c.Profiler.Broadcast.Port == 0 {
		c.Profiler.Broadcast.Port = d.Profiler.Broadcast.Port
	}
	if c.Profiler.Broadcast.Interval == 0 {
		c.Profiler.Broadcast.Interval = d.Profiler.Broadcast.Interval
	}
	if c.Collector.Address == "" {
		c.Collector.Address = d.Collector.Address
	}
	if c.Collector.DialTimeout == 0 {
		c.Collector.DialTimeout = d.Collector.DialTimeout
	}
	if c.Telemetry.Address == "" {
		c.Telemetry.Address = d.Telemetry.Address
	}
	if c.Telemetry.Path == "" {
		c.Telemetry.Path = d.Telemetry.Path
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// ToProfilerConfig converts the file form into a profiler.Config. The
// source root, when set, becomes a read-only base path file system.
func (c *Config) ToProfilerConfig(logger *zap.Logger) (*profiler.Config, error) {
	codec, err := encoding.ParseCompressionType(c.Profiler.Compression)
	if err != nil {
		return nil, NewValidationErrorWithFix("profiler.compression", err.Error(),
			"use one of lz4, zstd, snappy or none", "compression: lz4")
	}
	p := c.Profiler
	pc := &profiler.Config{
		ProgramName:   p.ProgramName,
		HostInfo:      p.HostInfo,
		ListenAddress: p.ListenAddress,
		Port:          p.Port,
		PortSearch:    p.PortSearch,
		Broadcast: profiler.BroadcastConfig{
			Enabled:  p.Broadcast.Enabled,
			Address:  p.Broadcast.Address,
			Port:     p.Broadcast.Port,
			Interval: p.Broadcast.Interval.Std(),
		},
		OnDemand:           p.OnDemand,
		Compression:        codec,
		CompressionLevel:   p.CompressionLevel,
		TargetFrameSize:    p.TargetFrameSize,
		WriteTimeout:       p.WriteTimeout.Std(),
		HandshakeTimeout:   p.HandshakeTimeout.Std(),
		MaxProducerItems:   p.MaxProducerItems,
		MaxSerialItems:     p.MaxSerialItems,
		SymbolRingCapacity: p.SymbolRingCapacity,
		ShutdownTimeout:    p.ShutdownTimeout.Std(),
		NoVerify:           p.NoVerify,
		CodeTransfer:       p.CodeTransfer,
		ForceMonotonic:     p.ForceMonotonic,
		Logger:             logger,
	}
	if p.SourceRoot != "" {
		pc.SourceFs = afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), p.SourceRoot))
	}
	return pc, nil
}

// WriteFile saves the configuration as YAML or JSON, by extension
func (c *Config) WriteFile(fs afero.Fs, path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return afero.WriteFile(fs, path, data, 0o644)
}
