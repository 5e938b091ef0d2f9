// Package planner turns a classified intent into a dialect-independent
// QueryPlan using the catalog.
package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/seanankenbruck/impact-query/internal/catalog"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
)

// Limits applied when a template does not set its own
const (
	DefaultLimit = 1000
	MaxLimit     = 10000
)

// TimeBucketAlias is the SELECT alias of the derived time bucket
const TimeBucketAlias = "time_bucket"

// Result is a plan plus everything that was degraded to get there
type Result struct {
	Plan     *QueryPlan
	Warnings []string
	// DroppedSlots counts group-by, filter and order slots that were discarded
	DroppedSlots int
	// DefaultedSlots names slots filled from template defaults
	DefaultedSlots []string
}

func (r *Result) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Result) drop(format string, args ...interface{}) {
	r.DroppedSlots++
	r.warn(format, args...)
}

// Planner builds query plans. It is stateless apart from its catalog and
// safe for concurrent use.
type Planner struct {
	catalog  *catalog.Catalog
	maxLimit int
	now      func() time.Time
}

// Option configures a Planner
type Option func(*Planner)

// WithMaxLimit sets the hard row cap
func WithMaxLimit(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxLimit = n
		}
	}
}

// WithClock sets the time source used for relative ranges
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		p.now = now
	}
}

// New creates a planner over c
func New(c *catalog.Catalog, opts ...Option) *Planner {
	p := &Planner{
		catalog:  c,
		maxLimit: MaxLimit,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan converts intent into a QueryPlan scoped to tenantID. Unknown metrics
// and tenant-column filters are rejected; other unusable slots are dropped
// with a warning.
func (p *Planner) Plan(intent Intent, tenantID string) (*Result, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, apperrors.NewMissingTenantError()
	}
	if intent.MetricID == "" {
		return nil, apperrors.NewValidationError("metric_id", "the question did not map to a metric")
	}

	metric, ok := p.catalog.Metric(intent.MetricID)
	if !ok {
		return nil, apperrors.NewUnknownMetricError(intent.MetricID)
	}
	tmpl, ok := p.catalog.Template(metric.Template)
	if !ok {
		return nil, apperrors.NewInternalError(nil, fmt.Sprintf("metric %s has no template", metric.ID))
	}

	res := &Result{}
	plan := &QueryPlan{
		TenantID:   tenantID,
		TemplateID: tmpl.ID,
		Metrics: []MetricRef{{
			ID:          metric.ID,
			Table:       metric.Table,
			Column:      metric.Column,
			Aggregation: metric.Aggregation,
			Alias:       metric.ID,
		}},
	}
	res.Plan = plan

	plan.Filters = []Filter{{
		Table:    metric.Table,
		Column:   p.catalog.TenantColumn(),
		Operator: OpEq,
		Value:    tenantID,
		Type:     "String",
		Tenant:   true,
	}}

	plan.TimeRange = p.planTimeRange(metric, tmpl, intent.Slots, res)

	joined := make(map[string]bool)
	for _, dimID := range intent.Slots.GroupBy {
		p.addDimension(plan, metric, dimID, joined, res)
	}

	for _, fs := range intent.Slots.Filters {
		if err := p.addFilter(plan, metric, fs, joined, res); err != nil {
			return nil, err
		}
	}

	p.planOrder(plan, intent.Slots.OrderBy, res)
	plan.Limit = p.planLimit(tmpl, intent.Slots.Limit, res)

	return res, nil
}

func (p *Planner) planTimeRange(metric *catalog.Metric, tmpl *catalog.Template, slots Slots, res *Result) TimeRange {
	now := p.now()
	tr := TimeRange{Table: metric.Table, Column: metric.TimeColumn}

	var err error
	if slots.TimeRange != nil {
		tr.Start, tr.End, err = resolveTimeRange(slots.TimeRange, now, tmpl.DefaultWindow())
		if err != nil {
			res.warn("time range not understood (%v); using the default %d day window", err, tmpl.DefaultWindowDays)
		}
	}
	if slots.TimeRange == nil || err != nil {
		tr.Start, tr.End = now.Add(-tmpl.DefaultWindow()), now
		res.DefaultedSlots = append(res.DefaultedSlots, "time_range")
	}

	if tr.End.Before(tr.Start) {
		tr.Start, tr.End = tr.End, tr.Start
		res.warn("time range start was after its end; bounds were swapped")
	}

	switch g := strings.ToLower(slots.Granularity); {
	case g == "":
		tr.Granularity = tmpl.DefaultGranularity
		if tr.Granularity == "" {
			tr.Granularity = GranularityDay
		}
	case g == "none" || g == "total":
		tr.Granularity = ""
	case ValidGranularities[g]:
		tr.Granularity = g
	default:
		tr.Granularity = GranularityDay
		res.warn("granularity %q is not supported; using day", slots.Granularity)
	}
	return tr
}

// ensureJoin adds the catalog join from the base table to table, reporting
// whether a join path exists.
func (p *Planner) ensureJoin(plan *QueryPlan, table string, joined map[string]bool) bool {
	base := plan.BaseTable()
	if table == base || joined[table] {
		return true
	}
	rule, ok := p.catalog.JoinRule(base, table)
	if !ok {
		return false
	}
	joinType := rule.Type
	if joinType == "" {
		joinType = "inner"
	}
	plan.Joins = append(plan.Joins, Join{
		FromTable:  rule.FromTable,
		ToTable:    rule.ToTable,
		FromColumn: rule.FromColumn,
		ToColumn:   rule.ToColumn,
		Type:       joinType,
	})
	joined[table] = true
	return true
}

func (p *Planner) addDimension(plan *QueryPlan, metric *catalog.Metric, dimID string, joined map[string]bool, res *Result) {
	for _, existing := range plan.Dimensions {
		if existing.ID == dimID {
			return
		}
	}
	dim, ok := p.catalog.Dimension(dimID)
	if !ok || !metric.AllowsDimension(dimID) {
		res.drop("cannot break %s down by %q; grouping ignored", metric.ID, dimID)
		return
	}
	if !p.ensureJoin(plan, dim.Table, joined) {
		res.drop("no join path from %s to %s; grouping by %q ignored", plan.BaseTable(), dim.Table, dimID)
		return
	}
	plan.Dimensions = append(plan.Dimensions, DimensionRef{
		ID:     dim.ID,
		Table:  dim.Table,
		Column: dim.Column,
		Alias:  dim.ID,
	})
}

func (p *Planner) addFilter(plan *QueryPlan, metric *catalog.Metric, fs FilterSlot, joined map[string]bool, res *Result) error {
	tenantColumn := p.catalog.TenantColumn()
	if fs.Dimension == tenantColumn {
		return apperrors.NewValidationError("filters", "filtering on the tenant column is not allowed").
			WithMetadata("dimension", fs.Dimension)
	}

	dim, ok := p.catalog.Dimension(fs.Dimension)
	if !ok {
		res.drop("unknown filter field %q ignored", fs.Dimension)
		return nil
	}
	if dim.Column == tenantColumn {
		return apperrors.NewValidationError("filters", "filtering on the tenant column is not allowed").
			WithMetadata("dimension", fs.Dimension)
	}

	op := strings.ToLower(fs.Operator)
	if op == "" {
		op = OpEq
	}
	if !ValidOperators[op] {
		res.drop("operator %q is not supported; filter on %q ignored", fs.Operator, fs.Dimension)
		return nil
	}

	value, ok := normalizeValue(op, fs.Value)
	if !ok {
		res.drop("filter value for %q is not usable; filter ignored", fs.Dimension)
		return nil
	}

	if !p.ensureJoin(plan, dim.Table, joined) {
		res.drop("no join path from %s to %s; filter on %q ignored", plan.BaseTable(), dim.Table, fs.Dimension)
		return nil
	}

	plan.Filters = append(plan.Filters, Filter{
		Table:    dim.Table,
		Column:   dim.Column,
		Operator: op,
		Value:    value,
		Type:     dim.Type,
	})
	return nil
}

// normalizeValue keeps scalar values for comparison operators and non-empty
// scalar lists for IN.
func normalizeValue(op string, v interface{}) (interface{}, bool) {
	if op == OpIn {
		list, ok := v.([]interface{})
		if !ok {
			if strs, isStrs := v.([]string); isStrs {
				for _, s := range strs {
					list = append(list, s)
				}
				ok = true
			}
		}
		if !ok || len(list) == 0 {
			return nil, false
		}
		for _, item := range list {
			if !isScalar(item) {
				return nil, false
			}
		}
		return list, true
	}
	if !isScalar(v) {
		return nil, false
	}
	if op == OpLike {
		if _, isString := v.(string); !isString {
			return nil, false
		}
	}
	return v, true
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64:
		return true
	default:
		return false
	}
}

func (p *Planner) planOrder(plan *QueryPlan, slots []OrderSlot, res *Result) {
	aliases := map[string]bool{TimeBucketAlias: true}
	for _, m := range plan.Metrics {
		aliases[m.Alias] = true
	}
	for _, d := range plan.Dimensions {
		aliases[d.Alias] = true
	}

	for _, o := range slots {
		if !aliases[o.Field] {
			res.drop("cannot order by %q; ordering ignored", o.Field)
			continue
		}
		plan.OrderBy = append(plan.OrderBy, OrderBy{
			Field:      o.Field,
			Descending: strings.EqualFold(o.Direction, "desc"),
		})
	}
}

func (p *Planner) planLimit(tmpl *catalog.Template, requested int, res *Result) int {
	limit := tmpl.DefaultLimit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if requested > 0 {
		limit = requested
	}
	if limit > p.maxLimit {
		res.warn("limit %d exceeds the maximum; capped at %d", limit, p.maxLimit)
		limit = p.maxLimit
	}
	return limit
}
