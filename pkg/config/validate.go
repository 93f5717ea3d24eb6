package config

import (
	"fmt"
	"net"

	"github.com/yairfalse/tracepipe/pkg/encoding"
)

// Validate checks the whole configuration and reports every problem at once.
// Warnings are collected but only blocking errors fail validation.
func (c *Config) Validate() error {
	errs := c.check()
	if len(errs.Blocking()) == 0 {
		return nil
	}
	return errs
}

// Warnings returns the non-blocking findings
func (c *Config) Warnings() []ValidationError {
	var out []ValidationError
	for _, e := range c.check().Errors {
		if e.Warning {
			out = append(out, e)
		}
	}
	return out
}

func (c *Config) check() ValidationErrors {
	var errs ValidationErrors
	add := func(e ValidationError) { errs.Errors = append(errs.Errors, e) }

	p := c.Profiler
	if !validatePort(p.Port) && p.Port != 0 {
		add(NewValidationErrorWithFix("profiler.port",
			fmt.Sprintf("port must be between 0 and 65535, got %d", p.Port),
			"use 0 for an OS-assigned port or pick a free one",
			"port: 8086").WithValue(p.Port))
	}
	if p.PortSearch && p.Port+portSearchSpan-1 > 65535 {
		add(NewValidationError("profiler.port_search",
			fmt.Sprintf("searching from port %d runs past 65535", p.Port),
			"lower the port or disable port_search").WithValue(p.Port))
	}
	if p.ListenAddress != "" && net.ParseIP(p.ListenAddress) == nil {
		add(NewValidationError("profiler.listen_address",
			fmt.Sprintf("%q is not an IP address", p.ListenAddress),
			"leave empty to listen on every interface").WithValue(p.ListenAddress))
	}
	if _, err := encoding.ParseCompressionType(p.Compression); err != nil {
		e := NewValidationErrorWithFix("profiler.compression", err.Error(),
			"pick a supported codec", "compression: lz4").WithValue(p.Compression)
		e.ValidValues = []string{"lz4", "zstd", "snappy", "none"}
		add(e)
	}
	if p.TargetFrameSize < minTargetFrameSize {
		add(NewValidationError("profiler.target_frame_size",
			fmt.Sprintf("target_frame_size must be at least %d", minTargetFrameSize),
			"remove the field to use the default").WithValue(p.TargetFrameSize))
	}
	if p.MaxProducerItems < 0 || p.MaxSerialItems < 0 {
		add(NewValidationError("profiler.max_producer_items",
			"queue caps must not be negative", "use 0 for unbounded queues"))
	}
	if n := p.SymbolRingCapacity; n <= 0 || n&(n-1) != 0 {
		add(NewValidationError("profiler.symbol_ring_capacity",
			fmt.Sprintf("must be a positive power of 2, got %d", n),
			"try 1024").WithValue(n))
	}
	if p.MaxProducerItems == 0 && p.MaxSerialItems == 0 {
		add(NewValidationWarning("profiler.max_producer_items",
			"queues are unbounded", "memory grows without limit while no collector drains them"))
	}
	if p.Broadcast.Enabled {
		if !validatePort(p.Broadcast.Port) {
			add(NewValidationError("profiler.broadcast.port",
				fmt.Sprintf("broadcast port must be between 1 and 65535, got %d", p.Broadcast.Port),
				"use the listen port").WithValue(p.Broadcast.Port))
		}
		if net.ParseIP(p.Broadcast.Address) == nil {
			add(NewValidationError("profiler.broadcast.address",
				fmt.Sprintf("%q is not an IP address", p.Broadcast.Address),
				"use 255.255.255.255 or the subnet broadcast address").WithValue(p.Broadcast.Address))
		}
	}
	if p.SourceRoot != "" && !p.CodeTransfer {
		add(NewValidationWarning("profiler.source_root",
			"source_root is set but code_transfer is disabled", "enable code_transfer to serve sources"))
	}

	if _, _, err := net.SplitHostPort(c.Collector.Address); err != nil {
		add(NewValidationErrorWithFix("collector.address", err.Error(),
			"use host:port", "address: 127.0.0.1:8086").WithValue(c.Collector.Address))
	}
	if c.Collector.Duration < 0 {
		add(NewValidationError("collector.duration", "duration must not be negative",
			"use 0 to capture until the profiler disconnects"))
	}

	if c.Telemetry.Enabled {
		if _, _, err := net.SplitHostPort(c.Telemetry.Address); err != nil {
			add(NewValidationError("telemetry.address", err.Error(), "use host:port or :port").
				WithValue(c.Telemetry.Address))
		}
		if len(c.Telemetry.Path) == 0 || c.Telemetry.Path[0] != '/' {
			add(NewValidationError("telemetry.path", "path must start with /", "use /metrics").
				WithValue(c.Telemetry.Path))
		}
	}

	if !validateLogLevel(c.LogLevel) {
		e := NewValidationError("log_level", fmt.Sprintf("unknown level %q", c.LogLevel),
			"pick a zap level").WithValue(c.LogLevel)
		e.ValidValues = logLevels
		add(e)
	}

	return errs
}
