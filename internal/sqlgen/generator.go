// Package sqlgen renders verified query plans into parameterized SQL.
// Values are always bound through placeholders and never interpolated.
package sqlgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/seanankenbruck/impact-query/internal/catalog"
	"github.com/seanankenbruck/impact-query/internal/planner"
)

// Param is one bound value
type Param struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// ColumnRef names a qualified column
type ColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Alias  string `json:"alias,omitempty"`
}

// AggregationInfo describes one aggregated SELECT item
type AggregationInfo struct {
	Function string `json:"function"`
	Table    string `json:"table"`
	Column   string `json:"column"`
	Alias    string `json:"alias"`
}

// JoinInfo describes one rendered join
type JoinInfo struct {
	FromTable string `json:"from_table"`
	ToTable   string `json:"to_table"`
	Type      string `json:"type"`
	Condition string `json:"condition"`
}

// FilterInfo describes one rendered user predicate
type FilterInfo struct {
	Table    string `json:"table"`
	Column   string `json:"column"`
	Operator string `json:"operator"`
}

// Structure is what the generator knows about the query it rendered. Lineage
// is built from it instead of re-parsing SQL text.
type Structure struct {
	BaseTable       string            `json:"base_table"`
	JoinedTables    []string          `json:"joined_tables"`
	Joins           []JoinInfo        `json:"joins"`
	Aggregations    []AggregationInfo `json:"aggregations"`
	Dimensions      []ColumnRef       `json:"dimensions"`
	Filters         []FilterInfo      `json:"filters"`
	TimeColumn      ColumnRef         `json:"time_column"`
	TimeBucket      string            `json:"time_bucket,omitempty"`
	TimeStart       time.Time         `json:"time_start"`
	TimeEnd         time.Time         `json:"time_end"`
	TenantColumn    ColumnRef         `json:"tenant_column"`
	TenantPredicate string            `json:"tenant_predicate"`
	Limit           int               `json:"limit"`
}

// GeneratedQuery is rendered SQL plus its ordered bindings
type GeneratedQuery struct {
	SQL           string    `json:"sql"`
	Parameters    []Param   `json:"parameters"`
	Dialect       Dialect   `json:"dialect"`
	EstimatedRows int64     `json:"estimated_rows"`
	Structure     Structure `json:"structure"`
}

// Args returns parameter values in bind order
func (q *GeneratedQuery) Args() []interface{} {
	args := make([]interface{}, len(q.Parameters))
	for i, p := range q.Parameters {
		args[i] = p.Value
	}
	return args
}

// TenantValue returns the value bound to the tenant predicate
func (q *GeneratedQuery) TenantValue() (interface{}, bool) {
	if len(q.Parameters) == 0 {
		return nil, false
	}
	return q.Parameters[0].Value, true
}

// Fingerprint identifies the compiled query: dialect, SQL text and every
// bound value. Time values are truncated to resolution so ranges anchored at
// the current time keep one fingerprint within a bucket.
func (q *GeneratedQuery) Fingerprint(resolution time.Duration) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", q.Dialect, q.SQL)
	for _, p := range q.Parameters {
		v := p.Value
		if t, ok := v.(time.Time); ok {
			if resolution > 0 {
				t = t.UTC().Truncate(resolution)
			}
			v = t.UTC().Format(time.RFC3339Nano)
		}
		fmt.Fprintf(h, "%s %s %#v\n", p.Name, p.Type, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type renderer struct {
	dialect Dialect
	params  []Param
}

func (r *renderer) bind(typ string, v interface{}) string {
	if !paramTypePattern.MatchString(typ) {
		typ = "String"
	}
	n := len(r.params) + 1
	r.params = append(r.params, Param{Name: fmt.Sprintf("p%d", n), Type: typ, Value: v})
	return r.dialect.placeholder(n, typ)
}

// bindList binds an IN list: one Array parameter for ClickHouse, one
// positional parameter per item for Postgres.
func (r *renderer) bindList(typ string, values []interface{}) string {
	if !paramTypePattern.MatchString(typ) {
		typ = "String"
	}
	if r.dialect == ClickHouse {
		n := len(r.params) + 1
		arrayType := "Array(" + typ + ")"
		r.params = append(r.params, Param{Name: fmt.Sprintf("p%d", n), Type: arrayType, Value: values})
		return r.dialect.placeholder(n, arrayType)
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = r.bind(typ, v)
	}
	return "(" + strings.Join(placeholders, ", ") + ")"
}

func checkIdents(idents ...string) error {
	for _, id := range idents {
		if !catalog.ValidIdentifier(id) {
			return fmt.Errorf("invalid identifier %q", id)
		}
	}
	return nil
}

// Generate renders plan for dialect. The plan must carry its tenant predicate
// in first position; without it nothing is rendered.
func Generate(plan *planner.QueryPlan, dialect Dialect) (*GeneratedQuery, error) {
	if dialect != ClickHouse && dialect != Postgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if len(plan.Metrics) == 0 {
		return nil, fmt.Errorf("plan has no metrics")
	}
	tenant, ok := plan.TenantFilter()
	if !ok || plan.TenantID == "" {
		return nil, fmt.Errorf("plan has no tenant predicate")
	}

	r := &renderer{dialect: dialect}
	d := dialect
	base := plan.BaseTable()
	st := Structure{
		BaseTable: base,
		Limit:     clampLimit(plan.Limit),
	}

	if err := checkIdents(base, tenant.Table, tenant.Column); err != nil {
		return nil, err
	}

	// SELECT: metrics, then dimensions, then the time bucket
	var selects, groupBy []string
	for _, m := range plan.Metrics {
		if err := checkIdents(m.Table, m.Column, m.Alias); err != nil {
			return nil, err
		}
		expr, err := d.aggregate(m.Aggregation, d.column(m.Table, m.Column))
		if err != nil {
			return nil, err
		}
		selects = append(selects, expr+" AS "+d.quote(m.Alias))
		st.Aggregations = append(st.Aggregations, AggregationInfo{
			Function: m.Aggregation, Table: m.Table, Column: m.Column, Alias: m.Alias,
		})
	}
	for _, dim := range plan.Dimensions {
		if err := checkIdents(dim.Table, dim.Column, dim.Alias); err != nil {
			return nil, err
		}
		col := d.column(dim.Table, dim.Column)
		selects = append(selects, col+" AS "+d.quote(dim.Alias))
		groupBy = append(groupBy, col)
		st.Dimensions = append(st.Dimensions, ColumnRef{Table: dim.Table, Column: dim.Column, Alias: dim.Alias})
	}

	tr := plan.TimeRange
	if err := checkIdents(tr.Table, tr.Column); err != nil {
		return nil, err
	}
	timeCol := d.column(tr.Table, tr.Column)
	st.TimeColumn = ColumnRef{Table: tr.Table, Column: tr.Column}
	st.TimeStart, st.TimeEnd = tr.Start, tr.End

	var bucket string
	if tr.Granularity != "" {
		bucket = d.timeBucket(tr.Granularity, timeCol)
		selects = append(selects, bucket+" AS "+d.quote(planner.TimeBucketAlias))
		groupBy = append(groupBy, bucket)
		st.TimeBucket = tr.Granularity
		if !planner.ValidGranularities[tr.Granularity] {
			st.TimeBucket = planner.GranularityDay
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT\n  ")
	sb.WriteString(strings.Join(selects, ",\n  "))
	sb.WriteString("\nFROM ")
	sb.WriteString(d.quote(base))

	// JOIN: catalog rules only, each also pinned to the same tenant
	for _, j := range plan.Joins {
		if err := checkIdents(j.FromTable, j.ToTable, j.FromColumn, j.ToColumn); err != nil {
			return nil, err
		}
		joinType, keyword := "inner", "INNER JOIN"
		if strings.EqualFold(j.Type, "left") {
			joinType, keyword = "left", "LEFT JOIN"
		}
		cond := fmt.Sprintf("%s = %s AND %s = %s",
			d.column(j.FromTable, j.FromColumn), d.column(j.ToTable, j.ToColumn),
			d.column(j.ToTable, tenant.Column), d.column(base, tenant.Column))
		sb.WriteString("\n" + keyword + " " + d.quote(j.ToTable) + " ON " + cond)
		st.JoinedTables = append(st.JoinedTables, j.ToTable)
		st.Joins = append(st.Joins, JoinInfo{FromTable: j.FromTable, ToTable: j.ToTable, Type: joinType, Condition: cond})
	}

	// WHERE: tenant first, then time bounds, then user filters
	tenantCol := d.column(tenant.Table, tenant.Column)
	tenantPredicate := tenantCol + " = " + r.bind("String", plan.TenantID)
	st.TenantColumn = ColumnRef{Table: tenant.Table, Column: tenant.Column}
	st.TenantPredicate = tenantPredicate

	where := []string{tenantPredicate}
	timeType := "DateTime"
	where = append(where,
		timeCol+" >= "+r.bind(timeType, tr.Start),
		timeCol+" < "+r.bind(timeType, tr.End),
	)

	for _, f := range plan.UserFilters() {
		if err := checkIdents(f.Table, f.Column); err != nil {
			return nil, err
		}
		col := d.column(f.Table, f.Column)
		typ := f.Type
		if typ == "" {
			typ = "String"
		}
		switch f.Operator {
		case planner.OpIn:
			values, ok := f.Value.([]interface{})
			if !ok || len(values) == 0 {
				return nil, fmt.Errorf("filter on %s.%s: IN requires a non-empty list", f.Table, f.Column)
			}
			where = append(where, col+" IN "+r.bindList(typ, values))
		default:
			op, ok := comparison[f.Operator]
			if !ok {
				return nil, fmt.Errorf("unsupported operator %q", f.Operator)
			}
			where = append(where, col+" "+op+" "+r.bind(typ, f.Value))
		}
		st.Filters = append(st.Filters, FilterInfo{Table: f.Table, Column: f.Column, Operator: f.Operator})
	}

	sb.WriteString("\nWHERE ")
	sb.WriteString(strings.Join(where, "\n  AND "))

	if len(groupBy) > 0 {
		sb.WriteString("\nGROUP BY ")
		sb.WriteString(strings.Join(groupBy, ", "))
	}

	var orderBy []string
	for _, o := range plan.OrderBy {
		if err := checkIdents(o.Field); err != nil {
			return nil, err
		}
		dir := "ASC"
		if o.Descending {
			dir = "DESC"
		}
		orderBy = append(orderBy, d.quote(o.Field)+" "+dir)
	}
	if len(orderBy) == 0 && bucket != "" {
		orderBy = append(orderBy, d.quote(planner.TimeBucketAlias)+" ASC")
	}
	if len(orderBy) > 0 {
		sb.WriteString("\nORDER BY ")
		sb.WriteString(strings.Join(orderBy, ", "))
	}

	sb.WriteString(fmt.Sprintf("\nLIMIT %d", st.Limit))

	return &GeneratedQuery{
		SQL:           sb.String(),
		Parameters:    r.params,
		Dialect:       dialect,
		EstimatedRows: EstimateRows(plan, st.Limit),
		Structure:     st,
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return planner.DefaultLimit
	}
	if limit > planner.MaxLimit {
		return planner.MaxLimit
	}
	return limit
}

var granularityStep = map[string]time.Duration{
	planner.GranularityHour:    time.Hour,
	planner.GranularityDay:     24 * time.Hour,
	planner.GranularityWeek:    7 * 24 * time.Hour,
	planner.GranularityMonth:   30 * 24 * time.Hour,
	planner.GranularityQuarter: 91 * 24 * time.Hour,
	planner.GranularityYear:    365 * 24 * time.Hour,
}

// EstimateRows is a display-only heuristic: time buckets in the range times
// 10 per grouped dimension, capped at limit.
func EstimateRows(plan *planner.QueryPlan, limit int) int64 {
	buckets := 1.0
	if g := plan.TimeRange.Granularity; g != "" {
		step, ok := granularityStep[g]
		if !ok {
			step = granularityStep[planner.GranularityDay]
		}
		if span := plan.TimeRange.Span(); span > 0 {
			buckets = math.Max(1, math.Ceil(float64(span)/float64(step)))
		}
	}
	est := buckets * math.Pow(10, float64(len(plan.Dimensions)))
	if est > float64(limit) {
		return int64(limit)
	}
	return int64(est)
}
