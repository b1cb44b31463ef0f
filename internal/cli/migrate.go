package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/tracery/internal/database"
	"github.com/watzon/tracery/internal/database/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
	Long: `Database migration commands for Tracery.

The schema ships embedded in the binary and is applied whenever the
server opens the database. These commands inspect it without applying
anything, or apply it ahead of a deploy.

Examples:
  tracery migrate status    List migrations and whether each is applied
  tracery migrate apply     Apply pending migrations`,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runMigrateStatus,
}

var migrateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply pending migrations",
	RunE:  runMigrateApply,
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateApplyCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runMigrateApply(cmd *cobra.Command, args []string) error {
	db, err := connect()
	if err != nil {
		return err
	}
	defer db.Close()

	ran, err := db.Migrate(cmd.Context())
	if err != nil {
		return err
	}
	if len(ran) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
		return nil
	}
	for _, id := range ran {
		fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", id)
	}
	log.Info().Int("count", len(ran)).Msg("Migrations applied")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	db, err := connect()
	if err != nil {
		return err
	}
	defer db.Close()

	states, err := db.MigrationStatus(cmd.Context())
	if err != nil {
		return err
	}
	writeStatus(cmd.OutOrStdout(), states)
	return nil
}

// connect opens the configured database without migrating it.
func connect() (*database.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return database.Connect(&cfg.Database)
}

func writeStatus(out io.Writer, states []migrations.State) {
	if len(states) == 0 {
		fmt.Fprintln(out, "No migrations embedded")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MIGRATION\tSTATE\tAPPLIED")
	for _, s := range states {
		at := "-"
		if !s.AppliedAt.IsZero() {
			at = s.AppliedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, migrationState(s), at)
	}
	tw.Flush()

	if n := migrations.Pending(states); n > 0 {
		fmt.Fprintf(out, "\n%d pending; run 'tracery migrate apply'\n", n)
	}
}

func migrationState(s migrations.State) string {
	switch {
	case s.Unknown:
		return "unknown"
	case s.Modified:
		return "modified"
	case s.Applied:
		return "applied"
	default:
		return "pending"
	}
}
