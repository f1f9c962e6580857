package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"efiling/internal/app"
	"efiling/internal/platform/config"
	"efiling/internal/platform/postgres"
)

var migrateFlags struct {
	status bool
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateFlags.status, "status", false, "List migrations instead of applying them")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if db == nil {
		return app.ErrNoDatabase
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if migrateFlags.status {
		statuses, err := postgres.MigrationStatus(ctx, db)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			fmt.Fprintf(out, "%05d  %-8s  %s\n", s.Source.Version, s.State, s.Source.Path)
		}
		return nil
	}

	applied, err := postgres.Migrate(ctx, db)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintf(out, "Applied %05d\n", v)
	}
	return nil
}
