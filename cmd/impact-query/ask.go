package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/impact-query/internal/cache"
	"github.com/seanankenbruck/impact-query/internal/executor"
	"github.com/seanankenbruck/impact-query/internal/llm"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/pipeline"
	"github.com/seanankenbruck/impact-query/internal/quota"
	"github.com/seanankenbruck/impact-query/internal/rls"
	"github.com/seanankenbruck/impact-query/internal/sqlgen"
)

// dryRunExecutor captures the verified query instead of running it
type dryRunExecutor struct {
	mu    sync.Mutex
	query *sqlgen.GeneratedQuery
}

func (d *dryRunExecutor) Execute(ctx context.Context, q *sqlgen.GeneratedQuery) ([]executor.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.query = q
	return []executor.Row{}, nil
}

func (d *dryRunExecutor) Ping(ctx context.Context) error { return nil }

func (d *dryRunExecutor) Close() error { return nil }

func (d *dryRunExecutor) captured() *sqlgen.GeneratedQuery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query
}

type askOptions struct {
	company     string
	role        string
	dialect     string
	catalogPath string
	context     map[string]string
	asJSON      bool
}

func newAskCmd() *cobra.Command {
	opts := askOptions{}

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Dry-run a question: classify, plan, verify and print the SQL",
		Long: `Runs one question through the full pipeline with the keyword classifier
and in-memory quota, cache and status stores. Nothing is sent to the
classifier provider or the analytical store; the verified SQL is printed
instead of executed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.company, "company", "demo", "company the question is scoped to")
	cmd.Flags().StringVar(&opts.role, "role", rls.RoleAnalyst, "caller role")
	cmd.Flags().StringVar(&opts.dialect, "dialect", "", "SQL dialect (postgres or clickhouse)")
	cmd.Flags().StringVar(&opts.catalogPath, "catalog", "", "catalog file (defaults to the built-in catalog)")
	cmd.Flags().StringToStringVar(&opts.context, "context", nil, "extra context, e.g. --context department=Engineering")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the full response as JSON")
	return cmd
}

func runAsk(ctx context.Context, out io.Writer, question string, opts askOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	path := opts.catalogPath
	if path == "" {
		path = cfg.Query.CatalogPath
	}
	cat, err := loadCatalog(path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	quiet := observability.NewLogger("ask").WithOutput(io.Discard)
	dry := &dryRunExecutor{}
	svc, err := pipeline.NewService(cfg.Query, pipeline.Dependencies{
		Catalog:    cat,
		Classifier: llm.NewKeywordClassifier(cat),
		Executor:   dry,
		Quota:      quota.NewManager(quota.NewMemoryStore(), quota.WithLogger(quiet)),
		Cache:      cache.NewManager(cache.NewMemoryCache(), cache.WithLogger(quiet)),
		Logger:     quiet,
	})
	if err != nil {
		return err
	}

	scope, err := rls.Build(opts.company, "cli", opts.role)
	if err != nil {
		return err
	}

	resp, err := svc.Ask(ctx, pipeline.AskRequest{
		Question: question,
		Context:  opts.context,
		Dialect:  opts.dialect,
	}, scope)
	if err != nil {
		return err
	}

	query := dry.captured()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"query":    query,
			"response": resp,
		})
	}

	fmt.Fprintf(out, "Metric:     %s (%s)\n", resp.Metadata.MetricID, resp.Metadata.Intent)
	tr := resp.Metadata.TimeRange
	fmt.Fprintf(out, "Time range: %s to %s by %s\n",
		tr.Start.Format("2006-01-02"), tr.End.Format("2006-01-02"), tr.Granularity)
	if query != nil {
		fmt.Fprintf(out, "Dialect:    %s\n\n%s\n\n", query.Dialect, query.SQL)
		for i, p := range query.Parameters {
			fmt.Fprintf(out, "  %d. %-14s %-10s %v\n", i+1, p.Name, p.Type, p.Value)
		}
	}
	for _, w := range resp.Metadata.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	fmt.Fprintf(out, "\nConfidence: %.2f (%s)\n", resp.Confidence.Score, resp.Confidence.Level)
	return nil
}
