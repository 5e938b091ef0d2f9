package verifier

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/impact-query/internal/catalog"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/guardrail"
	"github.com/seanankenbruck/impact-query/internal/planner"
	"github.com/seanankenbruck/impact-query/internal/rls"
	"github.com/seanankenbruck/impact-query/internal/sqlgen"
)

var fixedNow = time.Date(2026, time.May, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	catalog  *catalog.Catalog
	planner  *planner.Planner
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	return &fixture{
		catalog:  c,
		planner:  planner.New(c, planner.WithClock(func() time.Time { return fixedNow })),
		verifier: New(c, 0),
	}
}

func (f *fixture) plan(t *testing.T, intent planner.Intent) *planner.QueryPlan {
	t.Helper()
	res, err := f.planner.Plan(intent, "acme")
	require.NoError(t, err)
	return res.Plan
}

func scope(t *testing.T, role string) *rls.RLSContext {
	t.Helper()
	ctx, err := rls.Build("acme", "user-1", role)
	require.NoError(t, err)
	return ctx
}

func rules(violations []guardrail.Violation) []string {
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		out = append(out, v.Rule)
	}
	return out
}

func TestVerifyPlanAccepted(t *testing.T) {
	f := newFixture(t)
	plan := f.plan(t, planner.Intent{
		MetricID: "volunteer_hours",
		Slots:    planner.Slots{GroupBy: []string{"department"}},
	})

	report := f.verifier.VerifyPlan(plan, scope(t, rls.RoleAnalyst))
	assert.True(t, report.Safe())
	assert.Empty(t, report.Violations)
	assert.NoError(t, report.Err())
}

func TestVerifyPlanTableAccess(t *testing.T) {
	f := newFixture(t)

	t.Run("viewer cannot join employees", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{
			MetricID: "volunteer_hours",
			Slots:    planner.Slots{GroupBy: []string{"department"}},
		})
		report := f.verifier.VerifyPlan(plan, scope(t, rls.RoleViewer))
		require.False(t, report.Safe())
		assert.Contains(t, rules(report.Blocking()), RuleTableAccess)

		e, ok := apperrors.As(report.Err())
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeTableAccess, e.Code)
		assert.Equal(t, http.StatusForbidden, e.HTTPStatus())
	})

	t.Run("deny wins over allow", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{MetricID: "volunteer_hours"})
		plan.Joins = append(plan.Joins, planner.Join{FromTable: "volunteer_hours", ToTable: "users", FromColumn: "user_id", ToColumn: "id"})

		ctx := &rls.RLSContext{
			CompanyID:     "acme",
			Role:          "custom",
			AllowedTables: []string{"volunteer_hours", "users"},
			DeniedTables:  []string{"users"},
		}
		report := f.verifier.VerifyPlan(plan, ctx)
		assert.Contains(t, rules(report.Blocking()), RuleTableAccess)
		assert.Equal(t, apperrors.ErrCodeTableAccess, report.Err().(*apperrors.EnhancedError).Code)
	})

	t.Run("wildcard never denied on table grounds", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{
			MetricID: "volunteer_hours",
			Slots:    planner.Slots{GroupBy: []string{"department"}},
		})
		ctx := scope(t, rls.RoleSystemAdmin)
		ctx.DeniedTables = []string{"employees", "volunteer_hours"}

		report := f.verifier.VerifyPlan(plan, ctx)
		assert.NotContains(t, rules(report.Violations), RuleTableAccess)
		assert.True(t, report.Safe())
	})
}

func TestVerifyPlanTenant(t *testing.T) {
	f := newFixture(t)

	t.Run("other company", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{MetricID: "donation_amount"})
		ctx, err := rls.Build("globex", "user-2", rls.RoleAnalyst)
		require.NoError(t, err)

		report := f.verifier.VerifyPlan(plan, ctx)
		assert.Equal(t, []string{RuleTenantMismatch}, rules(report.Blocking()))
	})

	t.Run("tenant filter removed", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{MetricID: "donation_amount"})
		plan.Filters = nil

		report := f.verifier.VerifyPlan(plan, scope(t, rls.RoleAnalyst))
		assert.Contains(t, rules(report.Blocking()), RuleTenantFilterMissing)
	})

	t.Run("second tenant predicate", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{MetricID: "donation_amount"})
		plan.Filters = append(plan.Filters, planner.Filter{Table: "donations", Column: "company_id", Operator: planner.OpNeq, Value: "acme"})

		report := f.verifier.VerifyPlan(plan, scope(t, rls.RoleAnalyst))
		assert.Contains(t, rules(report.Blocking()), RuleTenantFilterOverride)
	})
}

func TestVerifyPlanTemplateConstraints(t *testing.T) {
	f := newFixture(t)
	analyst := scope(t, rls.RoleAnalyst)

	t.Run("denied column", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{
			MetricID: "volunteer_hours",
			Slots:    planner.Slots{Filters: []planner.FilterSlot{{Dimension: "employee_email", Value: "jo@acme.test"}}},
		})
		report := f.verifier.VerifyPlan(plan, analyst)
		assert.Equal(t, []string{RuleDeniedColumn}, rules(report.Blocking()))
		assert.Equal(t, "employees.email", report.Blocking()[0].Evidence)

		e, ok := apperrors.As(report.Err())
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeUnsafePlan, e.Code)
		assert.Equal(t, http.StatusBadRequest, e.HTTPStatus())
	})

	t.Run("window too wide", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{
			MetricID: "volunteer_hours",
			Slots:    planner.Slots{TimeRange: &planner.TimeRangeSlot{Preset: "last_36_months"}},
		})
		report := f.verifier.VerifyPlan(plan, analyst)
		assert.Equal(t, []string{RuleTimeWindow}, rules(report.Blocking()))
	})

	t.Run("table outside template", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{MetricID: "event_count"})
		plan.Joins = append(plan.Joins, planner.Join{FromTable: "events", ToTable: "donations", FromColumn: "id", ToColumn: "event_id"})

		report := f.verifier.VerifyPlan(plan, analyst)
		assert.Contains(t, rules(report.Blocking()), RuleTemplateTable)
		assert.Contains(t, rules(report.Blocking()), RuleUnregisteredJoin)
	})

	t.Run("limit", func(t *testing.T) {
		plan := f.plan(t, planner.Intent{MetricID: "event_count"})
		plan.Limit = 0
		assert.Contains(t, rules(f.verifier.VerifyPlan(plan, analyst).Blocking()), RuleLimit)

		plan.Limit = planner.MaxLimit + 1
		assert.Contains(t, rules(f.verifier.VerifyPlan(plan, analyst).Blocking()), RuleLimit)
	})
}

func TestVerifySQLGenerated(t *testing.T) {
	f := newFixture(t)
	plan := f.plan(t, planner.Intent{
		MetricID: "donation_amount",
		Slots: planner.Slots{
			GroupBy: []string{"campaign"},
			Filters: []planner.FilterSlot{{Dimension: "currency", Operator: "in", Value: []interface{}{"EUR", "USD"}}},
		},
	})

	for _, d := range []sqlgen.Dialect{sqlgen.Postgres, sqlgen.ClickHouse} {
		t.Run(string(d), func(t *testing.T) {
			q, err := sqlgen.Generate(plan, d)
			require.NoError(t, err)

			report := f.verifier.VerifySQL(q)
			assert.True(t, report.Safe(), "unexpected violations: %v", report.Violations)
			assert.Empty(t, report.Warnings())
		})
	}
}

func TestVerifySQLSignatures(t *testing.T) {
	f := newFixture(t)
	plan := f.plan(t, planner.Intent{MetricID: "donation_amount"})
	base, err := sqlgen.Generate(plan, sqlgen.Postgres)
	require.NoError(t, err)

	tests := []struct {
		name   string
		suffix string
		rule   string
	}{
		{"stacked statement", "; DROP TABLE donations", RuleStackedStatement},
		{"union exfiltration", " UNION SELECT email, 1 FROM users", RuleUnionSelect},
		{"comment truncation", " -- ", RuleCommentTruncation},
		{"time based", " AND pg_sleep(10) IS NULL", RuleTimeBasedInjection},
		{"schema probe", " AND EXISTS (SELECT 1 FROM information_schema.tables)", RuleSchemaProbe},
		{"file io", " INTO OUTFILE '/tmp/x'", RuleFileIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := *base
			q.SQL = base.SQL + tt.suffix

			report := f.verifier.VerifySQL(&q)
			assert.False(t, report.Safe())
			assert.Contains(t, rules(report.Blocking()), tt.rule)
			assert.Equal(t, apperrors.ErrCodeUnsafeSQL, report.Err().(*apperrors.EnhancedError).Code)
		})
	}
}

func TestVerifySQLTenantPredicate(t *testing.T) {
	f := newFixture(t)
	plan := f.plan(t, planner.Intent{MetricID: "donation_amount"})
	base, err := sqlgen.Generate(plan, sqlgen.Postgres)
	require.NoError(t, err)

	t.Run("inlined tenant", func(t *testing.T) {
		q := *base
		q.SQL = `SELECT SUM("donations"."amount") AS "donation_amount" FROM "donations" WHERE "donations"."company_id" = 'acme' LIMIT 1000`
		q.Structure.TenantPredicate = `"donations"."company_id" = 'acme'`

		report := f.verifier.VerifySQL(&q)
		blocking := rules(report.Blocking())
		assert.Contains(t, blocking, RuleTenantPredicate)
		assert.Contains(t, blocking, RuleTenantLiteral)
	})

	t.Run("predicate missing", func(t *testing.T) {
		q := *base
		q.Structure.TenantPredicate = ""
		assert.Contains(t, rules(f.verifier.VerifySQL(&q).Blocking()), RuleTenantPredicate)
	})

	t.Run("unbound placeholder", func(t *testing.T) {
		q := *base
		q.Parameters = q.Parameters[:1]
		assert.Contains(t, rules(f.verifier.VerifySQL(&q).Blocking()), RuleParameterMismatch)
	})
}

func TestVerifySQLAdvisories(t *testing.T) {
	f := newFixture(t)
	q := &sqlgen.GeneratedQuery{
		SQL:        `SELECT * FROM "donations"`,
		Dialect:    sqlgen.Postgres,
		Parameters: []sqlgen.Param{{Name: "p1", Type: "String", Value: "acme"}},
	}

	report := f.verifier.VerifySQL(q)
	warnings := rules(report.Warnings())
	assert.Contains(t, warnings, RuleSelectStar)
	assert.Contains(t, warnings, RuleMissingLimit)
	for _, w := range report.Warnings() {
		assert.False(t, w.Blocked)
	}
}

func TestVerifySQLRejectsNonSelect(t *testing.T) {
	f := newFixture(t)
	q := &sqlgen.GeneratedQuery{SQL: `DELETE FROM "donations" WHERE "donations"."company_id" = $1`, Dialect: sqlgen.Postgres}

	blocking := rules(f.verifier.VerifySQL(q).Blocking())
	assert.Contains(t, blocking, RuleNotSelect)
	assert.Contains(t, blocking, RuleWriteStatement)
}
