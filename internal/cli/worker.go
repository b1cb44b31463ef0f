package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/sandbox"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one function job read from stdin",
	Hidden: true,
	Long: `Run a single job in this process. The job is read as JSON from stdin
and tracking events and the result are written to stdout as NDJSON.

This command is started by the subprocess and container runtimes and is
not meant to be run by hand.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(os.Stderr, config.LoggingConfig{
			Level:  os.Getenv("TRACERY_LOGGING_LEVEL"),
			Format: os.Getenv("TRACERY_LOGGING_FORMAT"),
		})
	},
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(sandbox.ServeWorker(cmd.Context(), os.Stdin, os.Stdout))
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
