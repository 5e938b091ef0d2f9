package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/impact-query/internal/database"
	"github.com/seanankenbruck/impact-query/internal/observability"
)

func newMigrateCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the analytical store schema",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "migrations directory (defaults to DB_MIGRATIONS_PATH)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrations(cmd, path, func(mc database.MigrationConfig, logger *observability.Logger, verify func(context.Context) error) error {
					if err := verify(cmd.Context()); err != nil {
						return err
					}
					if err := database.RunMigrations(mc, logger); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
					return nil
				})
			},
		},
		newMigrateDownCmd(&path),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrations(cmd, path, func(mc database.MigrationConfig, _ *observability.Logger, _ func(context.Context) error) error {
					version, dirty, err := database.MigrationVersion(mc)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func newMigrateDownCmd(path *string) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(cmd, *path, func(mc database.MigrationConfig, logger *observability.Logger, _ func(context.Context) error) error {
				if err := database.RollbackMigrations(mc, steps, logger); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

type migrationFunc func(mc database.MigrationConfig, logger *observability.Logger, verify func(context.Context) error) error

// withMigrations loads database settings and hands fn the migration config
// plus a connectivity check
func withMigrations(cmd *cobra.Command, path string, fn migrationFunc) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	if path != "" {
		cfg.Database.MigrationsPath = path
	}

	logger := newLogger("migrate", cfg)
	verify := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return database.VerifyDatabase(ctx, cfg.Database, logger)
	}
	return fn(database.MigrationConfigFrom(cfg.Database), logger, verify)
}
