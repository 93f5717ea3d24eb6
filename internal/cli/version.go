package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/yairfalse/tracepipe/pkg/wire"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show tracepipe version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tracepipe %s\n", getVersion())
		fmt.Fprintf(out, "Git Commit: %s\n", getGitCommit())
		fmt.Fprintf(out, "Build Date: %s\n", getBuildDate())
		fmt.Fprintf(out, "Protocol: %d\n", wire.ProtocolVersion)
		fmt.Fprintf(out, "Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

// These will be set by build scripts
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func getVersion() string   { return version }
func getGitCommit() string { return gitCommit }
func getBuildDate() string { return buildDate }
