package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yairfalse/tracepipe/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tracepipe",
	Short: "Frame profiler event capture and transport",
	Long: `Tracepipe instruments a program with zones, plots, messages, locks and
memory events, and streams them to a collector over TCP.

The demo command runs an instrumented workload, capture attaches to a
running profiler and summarizes what it sends, and discover lists the
profilers announcing themselves on the local network.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: tracepipe.yaml in the working or user config directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	viper.SetEnvPrefix("TRACEPIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// flagOverrides maps viper keys set by command flags onto the loaded config
var flagOverrides = map[string]func(*config.Config){
	"log_level":         func(c *config.Config) { c.LogLevel = viper.GetString("log_level") },
	"profiler.port":     func(c *config.Config) { c.Profiler.Port = viper.GetInt("profiler.port") },
	"profiler.name":     func(c *config.Config) { c.Profiler.ProgramName = viper.GetString("profiler.name") },
	"profiler.ondemand": func(c *config.Config) { c.Profiler.OnDemand = viper.GetBool("profiler.ondemand") },
	"profiler.compression": func(c *config.Config) {
		c.Profiler.Compression = viper.GetString("profiler.compression")
	},
	"profiler.broadcast": func(c *config.Config) { c.Profiler.Broadcast.Enabled = viper.GetBool("profiler.broadcast") },
	"collector.duration": func(c *config.Config) {
		c.Collector.Duration = config.Duration(viper.GetDuration("collector.duration"))
	},
	"collector.output":  func(c *config.Config) { c.Collector.Output = viper.GetString("collector.output") },
	"telemetry.enabled": func(c *config.Config) { c.Telemetry.Enabled = viper.GetBool("telemetry.enabled") },
	"telemetry.address": func(c *config.Config) { c.Telemetry.Address = viper.GetString("telemetry.address") },
}

// loadConfig merges defaults, the config file, TRACEPIPE_* variables and
// command line flags, in that order
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, explainConfigError(err)
	}

	changed := false
	for key, apply := range flagOverrides {
		if viper.IsSet(key) {
			apply(cfg)
			changed = true
		}
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, explainConfigError(err)
		}
	}
	return cfg, nil
}

// explainConfigError appends the suggestions carried by config errors
func explainConfigError(err error) error {
	switch e := err.(type) {
	case config.ConfigError:
		return fmt.Errorf("%w\n  hint: %s", e, e.Suggestion)
	case config.ValidationErrors:
		msg := e.Error()
		for _, s := range e.GetFixSuggestions() {
			msg += "\n  hint: " + s
		}
		return fmt.Errorf("%s", msg)
	}
	return err
}

// newLogger builds the process logger. Verbose mode uses the development
// encoder; otherwise JSON at the configured level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var zc zap.Config
	if viper.GetBool("verbose") {
		zc = zap.NewDevelopmentConfig()
		lvl = zapcore.DebugLevel
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
