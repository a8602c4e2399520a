package cmd

import (
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags.
var (
	releaseVersion = "UNKNOWN_VERSION"
	gitCommit      = "UNKNOWN_COMMIT"
	buildTime      = "UNKNOWN_TIME"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 1, 1, 1, ' ', 0)
		fmt.Fprintf(w, "Version:\t%s\n", releaseVersion)
		fmt.Fprintf(w, "Commit:\t%s\n", gitCommit)
		fmt.Fprintf(w, "Go version:\t%s\n", runtime.Version())
		fmt.Fprintf(w, "Built:\t%s\n", buildTime)
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
