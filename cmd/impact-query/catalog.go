package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/impact-query/internal/auth"
	"github.com/seanankenbruck/impact-query/internal/rls"
)

func newCatalogCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the metrics questions can be answered about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(path)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tUNIT\tTABLE\tDIMENSIONS")
			for _, m := range cat.Metrics() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					m.ID, m.Name, m.Unit, m.Table, strings.Join(m.AllowedDimensions, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&path, "catalog", "", "catalog file (defaults to the built-in catalog)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		company string
		user    string
		role    string
		expiry  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed tenant token for local testing",
		Long: `Signs a token with JWT_SECRET carrying the given company, user and role
claims. Production tokens come from the identity provider in front of this
service; use this for local development only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			resolver, err := auth.NewJWTResolver(cfg.Auth)
			if err != nil {
				return err
			}
			token, err := resolver.IssueToken(company, user, role, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "company_id claim")
	cmd.Flags().StringVar(&user, "user", "dev", "user_id claim")
	cmd.Flags().StringVar(&role, "role", rls.RoleAnalyst, "role claim")
	cmd.Flags().DurationVar(&expiry, "expiry", auth.DefaultTokenExpiry, "token lifetime")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}
