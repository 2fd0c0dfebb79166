package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/company-intel/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("migrations applied")
	fmt.Fprintln(cmd.OutOrStdout(), "✓ database is up to date") //nolint:errcheck
	return nil
}
