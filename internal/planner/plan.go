package planner

import "time"

// Filter operators accepted from classified slots
const (
	OpEq   = "eq"
	OpNeq  = "neq"
	OpGt   = "gt"
	OpGte  = "gte"
	OpLt   = "lt"
	OpLte  = "lte"
	OpIn   = "in"
	OpLike = "like"
)

// ValidOperators is the operator whitelist
var ValidOperators = map[string]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true,
	OpLt: true, OpLte: true, OpIn: true, OpLike: true,
}

// Time bucket granularities
const (
	GranularityHour    = "hour"
	GranularityDay     = "day"
	GranularityWeek    = "week"
	GranularityMonth   = "month"
	GranularityQuarter = "quarter"
	GranularityYear    = "year"
)

// ValidGranularities lists the supported bucket sizes
var ValidGranularities = map[string]bool{
	GranularityHour: true, GranularityDay: true, GranularityWeek: true,
	GranularityMonth: true, GranularityQuarter: true, GranularityYear: true,
}

// MetricRef is an aggregated metric in the SELECT list
type MetricRef struct {
	ID          string `json:"id"`
	Table       string `json:"table"`
	Column      string `json:"column"`
	Aggregation string `json:"aggregation"`
	Alias       string `json:"alias"`
}

// DimensionRef is a grouped column in the SELECT list
type DimensionRef struct {
	ID     string `json:"id"`
	Table  string `json:"table"`
	Column string `json:"column"`
	Alias  string `json:"alias"`
}

// Join is a catalog join rule the plan needs
type Join struct {
	FromTable  string `json:"from_table"`
	ToTable    string `json:"to_table"`
	FromColumn string `json:"from_column"`
	ToColumn   string `json:"to_column"`
	Type       string `json:"type"`
}

// Filter is a WHERE predicate. Values are always bound as parameters.
type Filter struct {
	Table    string      `json:"table"`
	Column   string      `json:"column"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
	Type     string      `json:"type"`
	Tenant   bool        `json:"tenant,omitempty"`
}

// TimeRange bounds the metric's time column as [Start, End). An empty
// Granularity means the answer is not bucketed over time.
type TimeRange struct {
	Table       string    `json:"table"`
	Column      string    `json:"column"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Granularity string    `json:"granularity"`
}

// Span is the length of the range
func (t TimeRange) Span() time.Duration {
	return t.End.Sub(t.Start)
}

// OrderBy sorts by a SELECT alias
type OrderBy struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

// QueryPlan is the structured, dialect-independent form of a question.
// Filters[0] is always the tenant predicate.
type QueryPlan struct {
	TenantID   string         `json:"tenant_id"`
	TemplateID string         `json:"template_id"`
	Metrics    []MetricRef    `json:"metrics"`
	Dimensions []DimensionRef `json:"dimensions"`
	Joins      []Join         `json:"joins"`
	Filters    []Filter       `json:"filters"`
	TimeRange  TimeRange      `json:"time_range"`
	OrderBy    []OrderBy      `json:"order_by"`
	Limit      int            `json:"limit"`
}

// BaseTable is the table of the first metric
func (p *QueryPlan) BaseTable() string {
	if len(p.Metrics) == 0 {
		return ""
	}
	return p.Metrics[0].Table
}

// TenantFilter returns the tenant predicate if it is in first position
func (p *QueryPlan) TenantFilter() (Filter, bool) {
	if len(p.Filters) == 0 || !p.Filters[0].Tenant {
		return Filter{}, false
	}
	return p.Filters[0], true
}

// UserFilters returns every filter except the tenant predicate
func (p *QueryPlan) UserFilters() []Filter {
	out := make([]Filter, 0, len(p.Filters))
	for _, f := range p.Filters {
		if !f.Tenant {
			out = append(out, f)
		}
	}
	return out
}

// Tables lists every table the plan reads, base table first
func (p *QueryPlan) Tables() []string {
	seen := make(map[string]bool)
	var tables []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	add(p.BaseTable())
	for _, m := range p.Metrics {
		add(m.Table)
	}
	for _, j := range p.Joins {
		add(j.ToTable)
	}
	for _, d := range p.Dimensions {
		add(d.Table)
	}
	for _, f := range p.Filters {
		add(f.Table)
	}
	return tables
}
