package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/server"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort      int
	serveHost      string
	serveFunctions string
	serveWatch     bool
	serveRuntime   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start the Tracery server.

The server will:
  - Open the database and apply migrations
  - Sync functions from the functions directory, if configured
  - Start the scheduler and event retention loops
  - Serve the HTTP API, webhooks, and execution streams

On SIGINT or SIGTERM running executions are given time to finish before
the process exits.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to")
	serveCmd.Flags().StringVar(&serveFunctions, "functions", "", "Directory of functions to sync")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Resync functions when their files change")
	serveCmd.Flags().StringVar(&serveRuntime, "runtime", "", "Runtime mode (inprocess, subprocess, container)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("functions") {
		cfg.Functions.Dir = serveFunctions
	}
	if cmd.Flags().Changed("watch") {
		cfg.Functions.Watch = serveWatch
	}
	if cmd.Flags().Changed("runtime") {
		cfg.Runtime.Mode = serveRuntime
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, db, server.WithVersion(rootCmd.Version))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	log.Info().
		Str("url", "http://"+cfg.Server.Address()).
		Str("database", cfg.Database.Path).
		Msg("Server started")
	if cfg.Functions.Dir != "" {
		log.Info().Str("functions", cfg.Functions.Dir).Bool("watch", cfg.Functions.Watch).Msg("Functions directory")
	}

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
