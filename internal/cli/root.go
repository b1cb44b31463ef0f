package cli

import (
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/tracery/internal/config"
)

// version is stamped with -ldflags "-X github.com/watzon/tracery/internal/cli.version=...".
// Without it the module version from the build info is used.
var version string

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tracery",
	Short: "A traced function execution platform",
	Long: `Tracery runs user-submitted Go functions in isolated runtimes and
records every call they make as a step tree.

  - Functions are validated and stored as immutable versions
  - Executions can pause for human input and be continued later
  - Every step emits events that can be streamed over WebSocket
  - Functions can be triggered directly, by webhooks, or on a schedule

Start the server:
  tracery serve

Create a project with an example function:
  tracery init my-project`,
	Version:       buildVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd.ErrOrStderr(), config.LoggingConfig{Level: config.DefaultLogLevel, Format: config.DefaultLogFormat})
	},
}

// Execute runs the command line. Errors are logged before being returned.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tracery.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.SetVersionTemplate("tracery {{.Version}}\n")
}

func buildVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// loadConfig reads the configuration and applies its logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
	if err != nil {
		return nil, err
	}
	setupLogging(os.Stderr, cfg.Logging)
	if cfg.Source != "" {
		log.Debug().Str("file", cfg.Source).Msg("Configuration loaded")
	}
	return cfg, nil
}

// setupLogging replaces the global logger. Logs never go to stdout, which
// the worker keeps for its protocol.
func setupLogging(w io.Writer, cfg config.LoggingConfig) {
	zerolog.SetGlobalLevel(logLevel(cfg.Level, verbose))
	log.Logger = newLogger(w, cfg)
}

func logLevel(name string, verbose bool) zerolog.Level {
	if verbose {
		return zerolog.DebugLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func newLogger(w io.Writer, cfg config.LoggingConfig) zerolog.Logger {
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	ctx := zerolog.New(w).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}
