// Package main is the entrypoint for the impact-query service and CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/impact-query/internal/catalog"
	"github.com/seanankenbruck/impact-query/internal/config"
	"github.com/seanankenbruck/impact-query/internal/observability"
)

// Build-time variables set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// configOverrides holds --set KEY=VALUE pairs, consulted before every other
// configuration source
var configOverrides map[string]string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "impact-query",
		Short: "Answer impact questions with verified, tenant-scoped SQL",
		Long: `impact-query turns natural-language questions about employee impact
(volunteering, giving, events) into parameterized SQL that is verified
against a metric catalog and scoped to the caller's company.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringToStringVar(&configOverrides, "set", nil,
		"override a configuration key, e.g. --set LOG_LEVEL=debug")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newAskCmd(),
		newCatalogCmd(),
		newTokenCmd(),
		newCheckCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "impact-query %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go version: %s\n", runtime.Version())
		},
	}
}

// loadConfig loads configuration from --set overrides and the default
// provider chain
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.NewDefaultLoader(configOverrides).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// loadCatalog reads the catalog at path, falling back to the embedded default
func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func newLogger(component string, cfg *config.Config) *observability.Logger {
	logger := observability.NewLogger(component)
	if cfg != nil {
		logger = logger.WithLevel(observability.ParseLevel(cfg.Server.LogLevel))
	}
	return logger
}
