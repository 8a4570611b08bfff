package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
)

var migrateResetForce bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			applied, err := db.NewMigrator(database.DB).Up(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "Schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "Applied %s\n", name)
			}
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			statuses, err := db.NewMigrator(database.DB).Status(ctx)
			if err != nil {
				return err
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		})
	},
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every table and re-apply all migrations",
	Long: `Drop every v6ledger table and re-apply all migrations.

This destroys the inventory. It refuses to run without --force.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !migrateResetForce {
			return fmt.Errorf("refusing to reset the database without --force")
		}
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			if err := db.NewMigrator(database.DB).Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database reset")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateResetCmd)

	migrateResetCmd.Flags().BoolVar(&migrateResetForce, "force", false, "confirm the destructive reset")
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Status", "Applied At")

	for _, s := range statuses {
		status := "pending"
		appliedAt := "-"
		if s.Applied {
			status = "applied"
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		if s.Drifted {
			status = "applied (changed since)"
		}
		_ = table.Append([]string{s.Name, status, appliedAt})
	}
	_ = table.Render()
}
