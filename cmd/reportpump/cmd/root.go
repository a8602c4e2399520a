package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "reportpump command",
	Short: "Adaptive ingestion of paginated report result sets",
	Long: `
reportpump pulls large multi-page report result sets from a rate-sensitive
report service under adaptive concurrency control: a bounded request
scheduler, a two-stage fetch/process pipeline per report/facility pair, and
latency- and memory-driven backpressure.

Configuration is read from ./config/reportpump/config.yaml unless --config
points elsewhere; any key can be overridden through environment variables.
`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Fully qualified path to application configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
