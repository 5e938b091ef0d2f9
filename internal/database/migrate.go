// Package database manages the analytical store schema.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/seanankenbruck/impact-query/internal/config"
	"github.com/seanankenbruck/impact-query/internal/observability"
)

// RequiredTables are the analytical tables every catalog metric reads from
var RequiredTables = []string{"employees", "events", "volunteer_hours", "campaigns", "donations"}

// MigrationConfig holds migration configuration
type MigrationConfig struct {
	DatabaseURL    string
	MigrationsPath string
}

// MigrationConfigFrom builds a MigrationConfig from database settings
func MigrationConfigFrom(cfg config.DatabaseConfig) MigrationConfig {
	path := cfg.MigrationsPath
	if path == "" {
		path = "migrations"
	}
	return MigrationConfig{DatabaseURL: cfg.URL(), MigrationsPath: path}
}

func newMigrate(cfg MigrationConfig) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cfg.MigrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, db, nil
}

// RunMigrations applies all pending up migrations
func RunMigrations(cfg MigrationConfig, logger *observability.Logger) error {
	m, db, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info(context.Background(), "migrations applied", map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	})
	return nil
}

// RollbackMigrations reverts the given number of migrations
func RollbackMigrations(cfg MigrationConfig, steps int, logger *observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	m, db, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer m.Close()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}

	logger.Info(context.Background(), "migrations rolled back", map[string]interface{}{
		"steps": steps,
	})
	return nil
}

// MigrationVersion reports the current schema version
func MigrationVersion(cfg MigrationConfig) (uint, bool, error) {
	m, db, err := newMigrate(cfg)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// VerifyDatabase checks that the configured database exists and is reachable
func VerifyDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *observability.Logger) error {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var exists bool
	checkQuery := `SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)`
	if err := db.QueryRowContext(ctx, checkQuery, cfg.Database).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("database %s does not exist", cfg.Database)
	}

	logger.Info(ctx, "database is accessible", map[string]interface{}{
		"database": cfg.Database,
		"host":     cfg.Host,
	})
	return nil
}

// HealthCheck pings the store and confirms the analytical tables exist
func HealthCheck(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	for _, table := range RequiredTables {
		var present bool
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&present); err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !present {
			return fmt.Errorf("table %s is missing; run migrations", table)
		}
	}
	return nil
}
