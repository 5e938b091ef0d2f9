// Package verifier checks query plans against row-level security and catalog
// templates, and checks rendered SQL against injection signatures. It reports
// problems and never rewrites what it is given.
package verifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/seanankenbruck/impact-query/internal/catalog"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/guardrail"
	"github.com/seanankenbruck/impact-query/internal/planner"
	"github.com/seanankenbruck/impact-query/internal/rls"
	"github.com/seanankenbruck/impact-query/internal/sqlgen"
)

// Verification stages
const (
	StagePlan = "plan"
	StageSQL  = "sql"
)

// Rules reported by the plan pass
const (
	RuleTenantFilterMissing  = "tenant_filter_missing"
	RuleTenantMismatch       = "tenant_mismatch"
	RuleTenantFilterOverride = "tenant_filter_override"
	RuleTableAccess          = "table_access"
	RuleTemplateTable        = "template_table"
	RuleUnknownTemplate      = "unknown_template"
	RuleDeniedColumn         = "denied_column"
	RuleUnregisteredJoin     = "unregistered_join"
	RuleTimeWindow           = "time_window_exceeded"
	RuleInvalidTimeRange     = "invalid_time_range"
	RuleLimit                = "limit_out_of_range"
)

// Rules reported by the SQL pass
const (
	RuleNotSelect          = "not_select"
	RuleTenantPredicate    = "tenant_predicate_missing"
	RuleTenantLiteral      = "tenant_literal"
	RuleParameterMismatch  = "parameter_mismatch"
	RuleSelectStar         = "select_star_without_where"
	RuleMissingLimit       = "missing_limit"
	RuleStackedStatement   = "stacked_statement"
	RuleUnionSelect        = "union_select"
	RuleCommentTruncation  = "comment_truncation"
	RuleTimeBasedInjection = "time_based_injection"
	RuleSchemaProbe        = "schema_probe"
	RuleFileIO             = "file_io"
	RuleWriteStatement     = "write_statement"
)

func sig(rule string, severity guardrail.Severity, pattern string) guardrail.Signature {
	return guardrail.Signature{Rule: rule, Severity: severity, Blocked: true, Pattern: regexp.MustCompile(pattern)}
}

// SQLSignatures are matched against rendered SQL text. Generated SQL never
// contains semicolons or comments, so any occurrence is treated as hostile.
var SQLSignatures = []guardrail.Signature{
	sig(RuleStackedStatement, guardrail.SeverityCritical, `;\s*\S`),
	sig(RuleUnionSelect, guardrail.SeverityCritical, `(?i)\bunion\b(\s+all|\s+distinct)?\s+select\b`),
	sig(RuleCommentTruncation, guardrail.SeverityHigh, `(--|/\*|\*/)`),
	sig(RuleTimeBasedInjection, guardrail.SeverityCritical, `(?i)(\bwaitfor\s+delay\b|\bsleep\s*\(|\bpg_sleep\b|\bbenchmark\s*\(|\bsleepEachRow\s*\()`),
	sig(RuleSchemaProbe, guardrail.SeverityHigh, `(?i)\b(information_schema|pg_catalog|pg_tables|pg_user|pg_shadow|sqlite_master|system\.(tables|columns|users|databases))\b`),
	sig(RuleFileIO, guardrail.SeverityCritical, `(?i)(\binto\s+(out|dump)file\b|\bload_file\s*\(|\bpg_read_(binary_)?file\b|\blo_(import|export)\b|\bxp_cmdshell\b|\bcopy\b.{0,40}\b(to|from)\b|\b(file|url|s3|remote)\s*\()`),
	sig(RuleWriteStatement, guardrail.SeverityCritical, `(?i)\b(insert\s+into|update\s+\S+\s+set|delete\s+from|drop\s+(table|database|view|schema)|alter\s+table|create\s+(table|database|view|user|role|function)|truncate\s+(table\s+)?\S|grant\s|revoke\s|attach\s|detach\s)`),
}

var (
	selectStar     = regexp.MustCompile(`(?i)\bselect\s+\*`)
	whereClause    = regexp.MustCompile(`(?i)\bwhere\b`)
	limitClause    = regexp.MustCompile(`(?i)\blimit\s+\d+\s*$`)
	postgresParam  = regexp.MustCompile(`\$(\d+)`)
	clickhouseParm = regexp.MustCompile(`\{p(\d+):[A-Za-z0-9()]+\}`)

	postgresTenant   = regexp.MustCompile(`= \$1$`)
	clickhouseTenant = regexp.MustCompile(`= \{p1:String\}$`)
)

// Report is the outcome of one verification pass
type Report struct {
	Stage      string                `json:"stage"`
	Violations []guardrail.Violation `json:"violations,omitempty"`

	role        string
	deniedTable string
}

func (r *Report) block(rule string, severity guardrail.Severity, evidence string) {
	r.Violations = append(r.Violations, guardrail.Violation{Rule: rule, Severity: severity, Blocked: true, Evidence: evidence})
}

func (r *Report) advise(rule string, severity guardrail.Severity, evidence string) {
	r.Violations = append(r.Violations, guardrail.Violation{Rule: rule, Severity: severity, Evidence: evidence})
}

// Safe reports whether nothing blocked
func (r Report) Safe() bool {
	return len(r.Blocking()) == 0
}

// Blocking returns the violations that reject the query
func (r Report) Blocking() []guardrail.Violation {
	return guardrail.Result{Violations: r.Violations}.Blocking()
}

// Warnings returns the advisories
func (r Report) Warnings() []guardrail.Violation {
	return guardrail.Result{Violations: r.Violations}.Warnings()
}

// Err returns a SafetyError when anything blocked. A denied table takes
// precedence so the caller sees a 403.
func (r Report) Err() error {
	if r.Safe() {
		return nil
	}
	violations := guardrail.ToErrorViolations(r.Violations)
	if r.deniedTable != "" {
		return apperrors.NewTableAccessError(r.role, r.deniedTable, violations)
	}
	code := apperrors.ErrCodeUnsafeSQL
	if r.Stage == StagePlan {
		code = apperrors.ErrCodeUnsafePlan
	}
	return apperrors.NewSafetyError(code, violations)
}

// Verifier runs both passes
type Verifier struct {
	catalog    *catalog.Catalog
	maxLimit   int
	signatures []guardrail.Signature
}

// New creates a verifier over c. maxLimit <= 0 uses the planner's cap.
func New(c *catalog.Catalog, maxLimit int) *Verifier {
	if maxLimit <= 0 {
		maxLimit = planner.MaxLimit
	}
	return &Verifier{catalog: c, maxLimit: maxLimit, signatures: SQLSignatures}
}

// VerifyPlan checks plan structurally against the caller's access scope and
// the plan's template.
func (v *Verifier) VerifyPlan(plan *planner.QueryPlan, scope *rls.RLSContext) Report {
	report := Report{Stage: StagePlan, role: scope.Role}

	tenant, ok := plan.TenantFilter()
	switch {
	case !ok:
		report.block(RuleTenantFilterMissing, guardrail.SeverityCritical, "first predicate is not the tenant filter")
	case tenant.Column != v.catalog.TenantColumn():
		report.block(RuleTenantFilterMissing, guardrail.SeverityCritical, "tenant filter is on "+tenant.Column)
	case tenant.Operator != planner.OpEq:
		report.block(RuleTenantFilterMissing, guardrail.SeverityCritical, "tenant filter must be an equality")
	case fmt.Sprint(tenant.Value) != scope.CompanyID || plan.TenantID != scope.CompanyID:
		report.block(RuleTenantMismatch, guardrail.SeverityCritical, "plan tenant does not match the caller's company")
	}
	for _, f := range plan.Filters[min(1, len(plan.Filters)):] {
		if f.Tenant || f.Column == v.catalog.TenantColumn() {
			report.block(RuleTenantFilterOverride, guardrail.SeverityCritical, f.Table+"."+f.Column)
		}
	}

	for _, table := range plan.Tables() {
		if !scope.CanAccess(table) {
			report.block(RuleTableAccess, guardrail.SeverityHigh, table)
			if report.deniedTable == "" {
				report.deniedTable = table
			}
		}
	}

	tmpl, ok := v.catalog.Template(plan.TemplateID)
	if !ok {
		report.block(RuleUnknownTemplate, guardrail.SeverityHigh, plan.TemplateID)
	} else {
		v.checkTemplate(plan, tmpl, &report)
	}

	for _, j := range plan.Joins {
		rule, ok := v.catalog.JoinRule(j.FromTable, j.ToTable)
		if !ok || rule.FromColumn != j.FromColumn || rule.ToColumn != j.ToColumn {
			report.block(RuleUnregisteredJoin, guardrail.SeverityHigh, j.FromTable+" -> "+j.ToTable)
		}
	}

	if plan.Limit <= 0 || plan.Limit > v.maxLimit {
		report.block(RuleLimit, guardrail.SeverityMedium, fmt.Sprintf("limit %d outside 1..%d", plan.Limit, v.maxLimit))
	}

	return report
}

func (v *Verifier) checkTemplate(plan *planner.QueryPlan, tmpl *catalog.Template, report *Report) {
	for _, table := range plan.Tables() {
		if !tmpl.AllowsTable(table) {
			report.block(RuleTemplateTable, guardrail.SeverityHigh, table)
		}
	}

	columns := make([][2]string, 0, len(plan.Metrics)+len(plan.Dimensions)+len(plan.Filters))
	for _, m := range plan.Metrics {
		columns = append(columns, [2]string{m.Table, m.Column})
	}
	for _, d := range plan.Dimensions {
		columns = append(columns, [2]string{d.Table, d.Column})
	}
	for _, f := range plan.Filters {
		columns = append(columns, [2]string{f.Table, f.Column})
	}
	seen := make(map[[2]string]bool)
	for _, c := range columns {
		if !seen[c] && tmpl.DeniesColumn(c[0], c[1]) {
			report.block(RuleDeniedColumn, guardrail.SeverityHigh, c[0]+"."+c[1])
		}
		seen[c] = true
	}

	tr := plan.TimeRange
	switch {
	case tr.Start.IsZero() || tr.End.IsZero() || !tr.End.After(tr.Start):
		report.block(RuleInvalidTimeRange, guardrail.SeverityMedium, "time range must have start before end")
	case tmpl.MaxWindowDays > 0 && tr.Span() > tmpl.MaxTimeWindow():
		report.block(RuleTimeWindow, guardrail.SeverityMedium,
			fmt.Sprintf("%d days requested, %d allowed", int(tr.Span().Hours()/24), tmpl.MaxWindowDays))
	}
}

// VerifySQL checks rendered SQL text. Parameter binding is the primary
// injection defense; this pass catches anything that slipped into the text.
func (v *Verifier) VerifySQL(q *sqlgen.GeneratedQuery) Report {
	report := Report{Stage: StageSQL}
	sql := strings.TrimSpace(q.SQL)

	if !strings.HasPrefix(strings.ToUpper(sql), "SELECT") {
		report.block(RuleNotSelect, guardrail.SeverityCritical, firstWords(sql))
	}

	report.Violations = append(report.Violations, guardrail.Scan(sql, v.signatures)...)

	v.checkTenantPredicate(q, sql, &report)
	checkParameters(q, sql, &report)

	if selectStar.MatchString(sql) && !whereClause.MatchString(sql) {
		report.advise(RuleSelectStar, guardrail.SeverityMedium, "SELECT * without WHERE")
	}
	if !limitClause.MatchString(sql) {
		report.advise(RuleMissingLimit, guardrail.SeverityMedium, "no LIMIT clause")
	}

	return report
}

func (v *Verifier) checkTenantPredicate(q *sqlgen.GeneratedQuery, sql string, report *Report) {
	predicate := q.Structure.TenantPredicate
	if predicate == "" || !strings.Contains(sql, "WHERE "+predicate) {
		report.block(RuleTenantPredicate, guardrail.SeverityCritical, "tenant predicate not found in WHERE")
		return
	}

	placeholder := postgresTenant
	if q.Dialect == sqlgen.ClickHouse {
		placeholder = clickhouseTenant
	}
	if !placeholder.MatchString(predicate) {
		report.block(RuleTenantPredicate, guardrail.SeverityCritical, "tenant predicate is not bound to the first parameter")
	}

	value, ok := q.TenantValue()
	if !ok {
		report.block(RuleTenantPredicate, guardrail.SeverityCritical, "tenant parameter missing")
		return
	}
	if s, isString := value.(string); isString && s != "" {
		if strings.Contains(sql, "'"+s+"'") || strings.Contains(sql, `"`+s+`"`) {
			report.block(RuleTenantLiteral, guardrail.SeverityCritical, "tenant value appears inline")
		}
	}
}

// checkParameters makes sure every placeholder has exactly one binding
func checkParameters(q *sqlgen.GeneratedQuery, sql string, report *Report) {
	pattern := postgresParam
	if q.Dialect == sqlgen.ClickHouse {
		pattern = clickhouseParm
	}
	seen := make(map[string]bool)
	for _, m := range pattern.FindAllStringSubmatch(sql, -1) {
		seen[m[1]] = true
	}
	if len(seen) != len(q.Parameters) {
		report.block(RuleParameterMismatch, guardrail.SeverityHigh,
			fmt.Sprintf("%d placeholders, %d parameters", len(seen), len(q.Parameters)))
	}
}

func firstWords(s string) string {
	fields := strings.Fields(s)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, " ")
}
