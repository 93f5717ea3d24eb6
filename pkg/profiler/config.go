package profiler

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/yairfalse/tracepipe/internal/symbols"
	"github.com/yairfalse/tracepipe/pkg/encoding"
	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultPort is where the profiler listens unless configured otherwise
const DefaultPort = 8086

// portSearchRange is how many consecutive ports are tried with PortSearch
const portSearchRange = 20

// Config holds profiler configuration
type Config struct {
	// Identity
	ProgramName string `json:"program_name" yaml:"program_name"`
	HostInfo    string `json:"host_info" yaml:"host_info"`

	// Listening
	ListenAddress string `json:"listen_address" yaml:"listen_address"`
	Port          int    `json:"port" yaml:"port"`
	PortSearch    bool   `json:"port_search" yaml:"port_search"`

	// Discovery
	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`

	// OnDemand elides instrumentation while no collector is attached
	OnDemand bool `json:"on_demand" yaml:"on_demand"`

	// Transport
	Compression      encoding.CompressionType `json:"compression" yaml:"compression"`
	CompressionLevel int                      `json:"compression_level" yaml:"compression_level"`
	TargetFrameSize  int                      `json:"target_frame_size" yaml:"target_frame_size"`
	WriteTimeout     time.Duration            `json:"write_timeout" yaml:"write_timeout"`
	HandshakeTimeout time.Duration            `json:"handshake_timeout" yaml:"handshake_timeout"`

	// Queues; zero caps mean unbounded
	MaxProducerItems   int `json:"max_producer_items" yaml:"max_producer_items"`
	MaxSerialItems     int `json:"max_serial_items" yaml:"max_serial_items"`
	SymbolRingCapacity int `json:"symbol_ring_capacity" yaml:"symbol_ring_capacity"`

	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// NoVerify skips the zone validation records
	NoVerify bool `json:"no_verify" yaml:"no_verify"`

	// Symbols
	CodeTransfer   bool `json:"code_transfer" yaml:"code_transfer"`
	ForceMonotonic bool `json:"force_monotonic" yaml:"force_monotonic"`

	// Collaborators, all optional
	Logger      *zap.Logger                 `json:"-" yaml:"-"`
	Meter       metric.Meter                `json:"-" yaml:"-"`
	Tracer      trace.Tracer                `json:"-" yaml:"-"`
	Resolver    symbols.Resolver            `json:"-" yaml:"-"`
	SourceFs    afero.Fs                    `json:"-" yaml:"-"`
	OnParameter func(idx uint32, val int32) `json:"-" yaml:"-"`
}

// BroadcastConfig controls UDP discovery beacons
type BroadcastConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Address  string        `json:"address" yaml:"address"`
	Port     int           `json:"port" yaml:"port"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ProgramName: "",
		Port:        DefaultPort,
		PortSearch:  true,

		Broadcast: BroadcastConfig{
			Enabled:  true,
			Address:  "255.255.255.255",
			Port:     DefaultPort,
			Interval: 3 * time.Second,
		},

		OnDemand: true,

		Compression:      encoding.CompressionTypeLZ4,
		TargetFrameSize:  wire.TargetFrameSize,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 2 * time.Second,

		MaxProducerItems:   1 << 20,
		MaxSerialItems:     1 << 20,
		SymbolRingCapacity: 1024,

		ShutdownTimeout: 5 * time.Second,
		CodeTransfer:    true,
	}
}

func (c *Config) verify() bool { return !c.NoVerify }

// minFrameSize leaves room for the largest short string transfer
const minFrameSize = 128 * 1024

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.PortSearch && c.Port+portSearchRange-1 > 65535 {
		return fmt.Errorf("port search from %d runs past 65535", c.Port)
	}
	if c.Broadcast.Enabled {
		if c.Broadcast.Port <= 0 || c.Broadcast.Port > 65535 {
			return fmt.Errorf("broadcast port must be between 1 and 65535, got %d", c.Broadcast.Port)
		}
		if c.Broadcast.Address == "" {
			return fmt.Errorf("broadcast address is required when broadcasting is enabled")
		}
		if c.Broadcast.Interval <= 0 {
			return fmt.Errorf("broadcast interval must be positive")
		}
	}
	if c.TargetFrameSize < minFrameSize {
		return fmt.Errorf("target_frame_size must be at least %d, got %d", minFrameSize, c.TargetFrameSize)
	}
	if c.MaxProducerItems < 0 || c.MaxSerialItems < 0 {
		return fmt.Errorf("queue caps must not be negative")
	}
	if c.SymbolRingCapacity <= 0 || c.SymbolRingCapacity&(c.SymbolRingCapacity-1) != 0 {
		return fmt.Errorf("symbol_ring_capacity must be a positive power of 2, got %d", c.SymbolRingCapacity)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if c.WriteTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return fmt.Errorf("write and handshake timeouts must be positive")
	}
	return nil
}
