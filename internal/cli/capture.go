package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yairfalse/tracepipe/internal/collector"
)

var (
	captureJSON bool
	captureTop  int
)

var captureCmd = &cobra.Command{
	Use:   "capture [address]",
	Short: "Attach to a profiler and summarize its stream",
	Long: `Attach to a running profiler as its collector, resolve the names behind
the handles it streams and print a summary when the stream ends.

The capture stops when the profiler ends the stream, when --duration
elapses or on interrupt; in the latter cases the profiler is asked to
disconnect and the remaining answers are read first.`,
	Example: `  # Capture from the default local profiler until interrupted
  tracepipe capture

  # Capture 10 seconds and keep every decoded event
  tracepipe capture 10.0.0.5:8086 --duration 10s --output events.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().Duration("duration", 0, "stop after this long (0 runs until the stream ends)")
	captureCmd.Flags().String("output", "", "write decoded events as JSON lines to this file ('-' for stdout)")
	captureCmd.Flags().BoolVar(&captureJSON, "json", false, "print the summary as JSON")
	captureCmd.Flags().IntVar(&captureTop, "top", 15, "zones to list in the summary")

	_ = viper.BindPFlag("collector.duration", captureCmd.Flags().Lookup("duration"))
	_ = viper.BindPFlag("collector.output", captureCmd.Flags().Lookup("output"))
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Collector.Address
	if len(args) > 0 {
		addr = args[0]
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Collector.DialTimeout.Std())
	client, err := collector.Dial(dialCtx, addr, collector.Config{Logger: logger})
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	var out io.Writer
	switch cfg.Collector.Output {
	case "":
	case "-":
		out = cmd.OutOrStdout()
	default:
		f, err := os.Create(cfg.Collector.Output)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	if d := cfg.Collector.Duration.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	w := client.Welcome()
	fmt.Fprintf(cmd.ErrOrStderr(), "Attached to %s (pid %d) at %s\n", w.ProgramName, w.PID, addr)
	summary, err := collector.NewCapture(client, out, logger).Run(ctx)
	if summary != nil {
		if captureJSON {
			if werr := collector.WriteSummary(cmd.OutOrStdout(), summary); werr != nil && err == nil {
				err = werr
			}
		} else {
			printSummary(cmd.OutOrStdout(), summary, captureTop)
		}
	}
	return err
}

// printSummary renders a capture summary as text tables
func printSummary(w io.Writer, s *collector.Summary, top int) {
	fmt.Fprintf(w, "Program:  %s (pid %d)\n", s.Program, s.PID)
	fmt.Fprintf(w, "Captured: %s events, %s of payload in %s\n",
		humanize.Comma(int64(s.Events)), humanize.Bytes(s.PayloadBytes), s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Frames:   %s\n", humanize.Comma(int64(s.Frames)))

	if len(s.Threads) > 0 {
		ids := make([]uint32, 0, len(s.Threads))
		for id := range s.Threads {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		fmt.Fprintln(w, "\nThreads:")
		for _, id := range ids {
			fmt.Fprintf(w, "  %5d  %s\n", id, s.Threads[id])
		}
	}

	if len(s.Zones) > 0 {
		fmt.Fprintln(w, "\nZones:")
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Name", "Count", "Total", "Mean", "Max", "Location"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for i, z := range s.Zones {
			if top > 0 && i >= top {
				break
			}
			mean := time.Duration(0)
			if z.Count > 0 {
				mean = z.Total / time.Duration(z.Count)
			}
			table.Append([]string{
				z.Name,
				humanize.Comma(int64(z.Count)),
				z.Total.String(),
				mean.String(),
				z.Max.String(),
				fmt.Sprintf("%s:%d", z.File, z.Line),
			})
		}
		table.Render()
	}

	if len(s.Plots) > 0 {
		fmt.Fprintln(w, "\nPlots:")
		for _, p := range s.Plots {
			fmt.Fprintf(w, "  %-24s %s samples, last %s\n",
				p.Name, humanize.Comma(int64(p.Count)), humanize.FtoaWithDigits(p.Last, 3))
		}
	}

	if len(s.Messages) > 0 {
		fmt.Fprintln(w, "\nMessages:")
		for _, m := range s.Messages {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
}
