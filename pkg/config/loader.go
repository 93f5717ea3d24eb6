package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// EnvConfigFile names a config file that takes precedence over the search paths
const EnvConfigFile = "TRACEPIPE_CONFIG"

// Loader handles configuration loading from multiple sources
type Loader struct {
	fs           afero.Fs
	searchPaths  []string
	envPrefix    string
	allowMissing bool
	configFile   string
	getenv       func(string) string
	loadedFrom   string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		fs:           afero.NewOsFs(),
		searchPaths:  GetConfigPaths(),
		envPrefix:    "TRACEPIPE_",
		allowMissing: true,
		getenv:       os.Getenv,
	}
}

// WithFs replaces the file system the loader reads from
func (l *Loader) WithFs(fs afero.Fs) *Loader {
	l.fs = fs
	return l
}

// WithSearchPaths sets custom search paths for configuration files
func (l *Loader) WithSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// WithEnvPrefix sets the environment variable prefix
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnv replaces the environment lookup
func (l *Loader) WithEnv(getenv func(string) string) *Loader {
	l.getenv = getenv
	return l
}

// WithConfigFile sets a specific configuration file to load
func (l *Loader) WithConfigFile(file string) *Loader {
	l.configFile = file
	return l
}

// RequireConfigFile makes configuration file mandatory
func (l *Loader) RequireConfigFile() *Loader {
	l.allowMissing = false
	return l
}

// LoadedFrom returns the file the last Load read, or "" when none was found
func (l *Loader) LoadedFrom() string {
	return l.loadedFrom
}

// Load loads configuration from all sources in priority order:
// 1. Default configuration
// 2. Configuration file (if found)
// 3. Environment variables
// 4. Command line flags (handled externally)
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	file, err := l.locate()
	if err != nil {
		return nil, err
	}
	if file != "" {
		if err := decodeFile(l.fs, file, config); err != nil {
			return nil, err
		}
	}
	l.loadedFrom = file

	if err := l.applyEnvOverrides(config); err != nil {
		return nil, ConfigError{
			Type:       ErrEnvOverride,
			Message:    fmt.Sprintf("failed to apply environment overrides: %v", err),
			Suggestion: "check environment variable format and values",
			Cause:      err,
		}
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// locate finds the config file to read
func (l *Loader) locate() (string, error) {
	if l.configFile != "" {
		if ok, _ := afero.Exists(l.fs, l.configFile); !ok {
			return "", NewConfigFileError(ErrNotFound, l.configFile,
				"specified config file does not exist",
				"check the file path or use 'tracepipe config init' to create one")
		}
		return l.configFile, nil
	}

	if file := l.findConfigFile(); file != "" {
		return file, nil
	}
	if !l.allowMissing {
		return "", ConfigError{
			Type:       ErrNotFound,
			Message:    "no configuration file found",
			Suggestion: fmt.Sprintf("create one with 'tracepipe config init' or set %s", EnvConfigFile),
		}
	}
	return "", nil
}

// findConfigFile searches for a configuration file in standard paths
func (l *Loader) findConfigFile() string {
	// Check environment variable first
	if envFile := l.getenv(EnvConfigFile); envFile != "" {
		if ok, _ := afero.Exists(l.fs, envFile); ok {
			return envFile
		}
	}

	for _, path := range l.searchPaths {
		if ok, _ := afero.Exists(l.fs, path); ok {
			return path
		}
	}
	return ""
}

// envSetters maps variable names, without the prefix, to config fields
func envSetters(config *Config) map[string]func(string) error {
	intField := func(dst *int) func(string) error {
		return func(val string) error {
			n, err := parseInt(val)
			if err != nil {
				return fmt.Errorf("invalid integer %q: %w", val, err)
			}
			*dst = n
			return nil
		}
	}
	durField := func(dst *Duration) func(string) error {
		return func(val string) error {
			d, err := parseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", val, err)
			}
			*dst = Duration(d)
			return nil
		}
	}
	boolField := func(dst *bool) func(string) error {
		return func(val string) error {
			*dst = parseBool(val)
			return nil
		}
	}
	strField := func(dst *string) func(string) error {
		return func(val string) error {
			*dst = val
			return nil
		}
	}

	p := &config.Profiler
	return map[string]func(string) error{
		"LOG_LEVEL":            strField(&config.LogLevel),
		"PROGRAM_NAME":         strField(&p.ProgramName),
		"LISTEN_ADDRESS":       strField(&p.ListenAddress),
		"PORT":                 intField(&p.Port),
		"PORT_SEARCH":          boolField(&p.PortSearch),
		"ON_DEMAND":            boolField(&p.OnDemand),
		"BROADCAST":            boolField(&p.Broadcast.Enabled),
		"BROADCAST_INTERVAL":   durField(&p.Broadcast.Interval),
		"COMPRESSION":          strField(&p.Compression),
		"COMPRESSION_LEVEL":    intField(&p.CompressionLevel),
		"WRITE_TIMEOUT":        durField(&p.WriteTimeout),
		"SHUTDOWN_TIMEOUT":     durField(&p.ShutdownTimeout),
		"CODE_TRANSFER":        boolField(&p.CodeTransfer),
		"SOURCE_ROOT":          strField(&p.SourceRoot),
		"NO_VERIFY":            boolField(&p.NoVerify),
		"COLLECTOR_ADDRESS":    strField(&config.Collector.Address),
		"COLLECTOR_DURATION":   durField(&config.Collector.Duration),
		"TELEMETRY":            boolField(&config.Telemetry.Enabled),
		"TELEMETRY_ADDRESS":    strField(&config.Telemetry.Address),
		"MAX_PRODUCER_ITEMS":   intField(&p.MaxProducerItems),
		"MAX_SERIAL_ITEMS":     intField(&p.MaxSerialItems),
		"SYMBOL_RING_CAPACITY": intField(&p.SymbolRingCapacity),
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
// Every bad variable is reported, not just the first.
func (l *Loader) applyEnvOverrides(config *Config) error {
	setters := envSetters(config)
	names := make([]string, 0, len(setters))
	for name := range setters {
		names = append(names, name)
	}
	sort.Strings(names)

	var err error
	for _, name := range names {
		val := l.getenv(l.envPrefix + name)
		if val == "" {
			continue
		}
		if serr := setters[name](val); serr != nil {
			err = multierr.Append(err, fmt.Errorf("%s%s: %w", l.envPrefix, name, serr))
		}
	}
	return err
}

// GetConfigPaths returns the standard configuration file search paths
func GetConfigPaths() []string {
	paths := []string{"tracepipe.yaml", "tracepipe.yml", "tracepipe.json"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, "tracepipe", "config.yaml"),
			filepath.Join(dir, "tracepipe", "config.json"))
	}
	return append(paths, "/etc/tracepipe/config.yaml")
}

// EnvVarNames lists the variables the loader understands, for help output
func (l *Loader) EnvVarNames() []string {
	setters := envSetters(DefaultConfig())
	names := make([]string, 0, len(setters)+1)
	for name := range setters {
		names = append(names, l.envPrefix+name)
	}
	sort.Strings(names)
	return append([]string{EnvConfigFile}, names...)
}

// Describe renders where each effective value came from in one line
func (l *Loader) Describe() string {
	if l.loadedFrom == "" {
		return "defaults and environment"
	}
	return strings.Join([]string{"defaults", l.loadedFrom, "environment"}, " < ")
}
