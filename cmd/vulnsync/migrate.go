package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkoziy/vulnsync/internal/database"
	"github.com/mkoziy/vulnsync/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := database.NewDB(cfg.Database.DSN, cfg.Database.Debug)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		group, err := migrations.RunMigrations(cmd.Context(), db)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		if group.IsZero() {
			fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated to %s\n", group)
		return nil
	},
}
