package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/mrsync/internal/config"
	"github.com/cory-johannsen/mrsync/internal/storage/postgres"
	"github.com/cory-johannsen/mrsync/migrations"
)

func migrateCmd() *cobra.Command {
	var (
		configPath string
		direction  string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply session ledger schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			if direction != "up" && direction != "down" {
				return fmt.Errorf("invalid direction %q: must be 'up' or 'down'", direction)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			n := steps
			if direction == "down" {
				n = -steps
			}
			res, err := postgres.Migrate(cfg.Database.DSN(), migrations.FS, n, direction == "down")
			if err != nil {
				return err
			}
			if res.NoChange {
				fmt.Fprintf(cmd.OutOrStdout(), "no changes (version=%d dirty=%v) [%s]\n", res.Version, res.Dirty, time.Since(start))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s to version=%d dirty=%v [%s]\n", direction, res.Version, res.Dirty, time.Since(start))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file")
	cmd.Flags().StringVar(&direction, "direction", "up", "migration direction: up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}
