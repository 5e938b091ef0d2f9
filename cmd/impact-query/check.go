package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/seanankenbruck/impact-query/internal/config"
	"github.com/seanankenbruck/impact-query/internal/database"
	"github.com/seanankenbruck/impact-query/internal/llm"
)

// sampleQuestions exercise the classifier across the main metric families
var sampleQuestions = []string{
	"How many volunteer hours did we log this quarter?",
	"Show donations by campaign this year",
	"How many events were held last month?",
}

func newCheckCmd() *cobra.Command {
	var skipClassifier bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify connectivity to the analytical store, Redis and the classifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			return runChecks(cmd.Context(), cmd.OutOrStdout(), cfg, skipClassifier)
		},
	}
	cmd.Flags().BoolVar(&skipClassifier, "skip-classifier", false, "do not call the classifier provider")
	return cmd
}

func runChecks(ctx context.Context, out io.Writer, cfg *config.Config, skipClassifier bool) error {
	logger := newLogger("check", cfg).WithOutput(io.Discard)

	fmt.Fprintf(out, "1. Analytical store %s@%s:%s/%s\n",
		cfg.Database.Username, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	if err := step(ctx, func(ctx context.Context) error {
		return database.VerifyDatabase(ctx, cfg.Database, logger)
	}); err != nil {
		return fmt.Errorf("analytical store: %w", err)
	}
	fmt.Fprintln(out, "   ✓ reachable")

	fmt.Fprintln(out, "2. Schema")
	if err := step(ctx, func(ctx context.Context) error {
		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return err
		}
		defer db.Close()
		return database.HealthCheck(ctx, db)
	}); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	fmt.Fprintf(out, "   ✓ %d analytical tables present\n", len(database.RequiredTables))

	fmt.Fprintf(out, "3. Redis %s\n", cfg.Redis.Addr)
	if err := step(ctx, func(ctx context.Context) error {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		return rdb.Ping(ctx).Err()
	}); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	fmt.Fprintln(out, "   ✓ reachable")

	if skipClassifier {
		fmt.Fprintln(out, "4. Classifier skipped")
		return nil
	}

	fmt.Fprintf(out, "4. Classifier %s\n", cfg.Classifier.Model)
	cat, err := loadCatalog(cfg.Query.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	classifier, err := llm.NewClaudeClassifier(llm.Config{
		APIKey:  cfg.Classifier.APIKey,
		Model:   cfg.Classifier.Model,
		BaseURL: cfg.Classifier.BaseURL,
		Timeout: cfg.Classifier.Timeout,
	}, cat, llm.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	for _, q := range sampleQuestions {
		ctx, cancel := context.WithTimeout(ctx, cfg.Classifier.Timeout)
		intent, err := classifier.Classify(ctx, q, "check")
		cancel()
		if err != nil {
			return fmt.Errorf("classifier: %w", err)
		}
		fmt.Fprintf(out, "   ✓ %q -> %s (%s, %.2f)\n", q, intent.MetricID, intent.Intent, intent.Confidence)
	}
	return nil
}

func step(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return fn(ctx)
}
