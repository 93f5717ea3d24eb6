package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yairfalse/tracepipe/internal/telemetry"
	"github.com/yairfalse/tracepipe/pkg/profiler"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	demoWorkers  int
	demoDuration time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an instrumented demo workload",
	Long: `Run a small simulated application instrumented with every event family:
nested and dynamic zones, frame marks, plots, messages, contended locks and
memory events. Attach with 'tracepipe capture' while it runs.`,
	Example: `  # Run until interrupted on the default port
  tracepipe demo

  # Stream even while no collector is attached, expose metrics
  tracepipe demo --on-demand=false --metrics --metrics-addr :9464

  # Run for 30 seconds with 8 workers
  tracepipe demo --workers 8 --duration 30s`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().IntVar(&demoWorkers, "workers", 4, "number of worker goroutines")
	demoCmd.Flags().DurationVar(&demoDuration, "duration", 0, "stop after this long (0 runs until interrupted)")
	demoCmd.Flags().Int("port", profiler.DefaultPort, "listen port (0 picks a free one)")
	demoCmd.Flags().String("name", "tracepipe-demo", "program name announced to collectors")
	demoCmd.Flags().Bool("on-demand", true, "only record while a collector is attached")
	demoCmd.Flags().String("compression", "lz4", "frame codec (lz4, zstd, snappy, none)")
	demoCmd.Flags().Bool("broadcast", true, "announce the profiler over UDP")
	demoCmd.Flags().Bool("metrics", false, "serve Prometheus metrics")
	demoCmd.Flags().String("metrics-addr", ":9464", "metrics listen address")

	_ = viper.BindPFlag("profiler.port", demoCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("profiler.name", demoCmd.Flags().Lookup("name"))
	_ = viper.BindPFlag("profiler.ondemand", demoCmd.Flags().Lookup("on-demand"))
	_ = viper.BindPFlag("profiler.compression", demoCmd.Flags().Lookup("compression"))
	_ = viper.BindPFlag("profiler.broadcast", demoCmd.Flags().Lookup("broadcast"))
	_ = viper.BindPFlag("telemetry.enabled", demoCmd.Flags().Lookup("metrics"))
	_ = viper.BindPFlag("telemetry.address", demoCmd.Flags().Lookup("metrics-addr"))
}

func runDemo(cmd *cobra.Command, args []string) error {
	if demoWorkers <= 0 {
		return fmt.Errorf("--workers must be positive, got %d", demoWorkers)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Profiler.ProgramName == "" {
		cfg.Profiler.ProgramName = "tracepipe-demo"
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if demoDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, demoDuration)
		defer cancel()
	}

	pcfg, err := cfg.ToProfilerConfig(logger)
	if err != nil {
		return explainConfigError(err)
	}

	var tel *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tcfg := telemetry.DefaultConfig("tracepipe-demo")
		tcfg.ServiceVersion = getVersion()
		tcfg.Address = cfg.Telemetry.Address
		tcfg.Path = cfg.Telemetry.Path
		tcfg.Logger = logger
		tel, err = telemetry.NewProvider(ctx, tcfg)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				logger.Warn("Telemetry shutdown failed", zap.Error(err))
			}
		}()
		pcfg.Meter = tel.Meter("github.com/yairfalse/tracepipe/profiler")
		pcfg.Tracer = tel.Tracer("github.com/yairfalse/tracepipe/profiler")
	}

	p, err := profiler.New(pcfg)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Profiling %q on port %d with %d workers\n",
		pcfg.ProgramName, p.Port(), demoWorkers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return newWorkload(p, demoWorkers, logger).run(gctx)
	})
	if tel != nil {
		g.Go(func() error { return tel.Serve(gctx) })
	}
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), pcfg.ShutdownTimeout+time.Second)
	defer cancel()
	if err := p.Shutdown(sctx); err != nil {
		runErr = multierr.Append(runErr, err)
	}
	printStats(cmd.OutOrStdout(), p.Stats())
	return runErr
}

func printStats(w io.Writer, st profiler.Stats) {
	fmt.Fprintf(w, "Sessions: %d  Frames: %s  Sent: %s in %s frames  Dropped: %s\n",
		st.Sessions,
		humanize.Comma(int64(st.Frames)),
		humanize.Bytes(st.BytesSent),
		humanize.Comma(int64(st.FramesSent)),
		humanize.Comma(int64(st.Dropped)))
}
