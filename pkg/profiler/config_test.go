package profiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "system port", mutate: func(c *Config) { c.Port = 0 }},
		{name: "negative port", mutate: func(c *Config) { c.Port = -1 }, wantErr: "port must be between"},
		{name: "search past range", mutate: func(c *Config) { c.Port = 65530 }, wantErr: "port search"},
		{name: "broadcast without address", mutate: func(c *Config) { c.Broadcast.Address = "" }, wantErr: "broadcast address"},
		{name: "broadcast disabled ignores address", mutate: func(c *Config) {
			c.Broadcast.Enabled = false
			c.Broadcast.Address = ""
		}},
		{name: "small frames", mutate: func(c *Config) { c.TargetFrameSize = 1024 }, wantErr: "target_frame_size"},
		{name: "negative caps", mutate: func(c *Config) { c.MaxSerialItems = -1 }, wantErr: "queue caps"},
		{name: "ring not power of two", mutate: func(c *Config) { c.SymbolRingCapacity = 1000 }, wantErr: "power of 2"},
		{name: "no shutdown timeout", mutate: func(c *Config) { c.ShutdownTimeout = 0 }, wantErr: "shutdown_timeout"},
		{name: "no write timeout", mutate: func(c *Config) { c.WriteTimeout = 0 }, wantErr: "timeouts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "State(42)", State(42).String())
}
