package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/tracepipe/pkg/profiler"
	"github.com/yairfalse/tracepipe/pkg/wire"
)

var (
	discoverPort    int
	discoverTimeout time.Duration
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List profilers announcing themselves on the network",
	Long: `Listen for the UDP beacons profilers broadcast while they wait for a
collector and print each one once.`,
	Example: `  tracepipe discover --timeout 10s`,
	RunE:    runDiscover,
}

func init() {
	discoverCmd.Flags().IntVar(&discoverPort, "port", profiler.DefaultPort, "broadcast port to listen on")
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 5*time.Second, "how long to listen")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	conn, err := net.ListenPacket("udp4", net.JoinHostPort("", strconv.Itoa(discoverPort)))
	if err != nil {
		return fmt.Errorf("failed to listen for beacons: %w", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	n := 0
	err = listenBeacons(ctx, conn, func(from net.Addr, b wire.Beacon) {
		n++
		printBeacon(out, from, b)
	})
	if n == 0 {
		fmt.Fprintln(out, "No profilers found")
	}
	return err
}

// listenBeacons reports each distinct profiler once until ctx is done
func listenBeacons(ctx context.Context, conn net.PacketConn, found func(net.Addr, wire.Beacon)) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	seen := make(map[string]bool)
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil
			}
			return err
		}
		b, err := wire.DecodeBeacon(buf[:n])
		if err != nil {
			continue
		}
		host, _, _ := net.SplitHostPort(from.String())
		key := fmt.Sprintf("%s:%d/%d", host, b.ListenPort, b.PID)
		if seen[key] {
			continue
		}
		seen[key] = true
		found(from, b)
	}
}

func printBeacon(w io.Writer, from net.Addr, b wire.Beacon) {
	host, _, _ := net.SplitHostPort(from.String())
	state := "busy"
	if b.ActiveTime >= 0 {
		state = "waiting " + (time.Duration(b.ActiveTime) * time.Second).String()
	}
	compat := ""
	if b.ProtocolVersion != wire.ProtocolVersion {
		compat = fmt.Sprintf(" (protocol %d, incompatible)", b.ProtocolVersion)
	}
	fmt.Fprintf(w, "%-21s  %-24s  pid %-7d  %s%s\n",
		net.JoinHostPort(host, strconv.Itoa(int(b.ListenPort))), b.ProgramName, b.PID, state, compat)
}
