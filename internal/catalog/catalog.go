// Package catalog holds the ontology of queryable metrics, dimensions, join
// rules and per-template constraints. A Catalog is read-only after
// construction and safe for concurrent use.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// DefaultTenantColumn is used when a catalog file does not name one
const DefaultTenantColumn = "company_id"

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether s is safe to use as a quoted SQL identifier
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Aggregation functions a metric may use
const (
	AggSum           = "sum"
	AggCount         = "count"
	AggCountDistinct = "count_distinct"
	AggAvg           = "avg"
	AggMin           = "min"
	AggMax           = "max"
)

var validAggregations = map[string]bool{
	AggSum: true, AggCount: true, AggCountDistinct: true,
	AggAvg: true, AggMin: true, AggMax: true,
}

// Metric is a measurable quantity over a single base table
type Metric struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	Table             string   `yaml:"table"`
	Column            string   `yaml:"column"`
	Aggregation       string   `yaml:"aggregation"`
	TimeColumn        string   `yaml:"time_column"`
	Template          string   `yaml:"template"`
	Unit              string   `yaml:"unit"`
	AllowedDimensions []string `yaml:"allowed_dimensions"`
}

// AllowsDimension reports whether id may be used to group this metric
func (m *Metric) AllowsDimension(id string) bool {
	for _, d := range m.AllowedDimensions {
		if d == id {
			return true
		}
	}
	return false
}

// Dimension is a column a metric can be grouped or filtered by
type Dimension struct {
	ID     string `yaml:"id"`
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
	// Type is the parameter type used for bound filter values (String, Float64, Int64, Date)
	Type string `yaml:"type"`
}

// JoinRule is a pre-registered join between two tables. The catalog is the
// only source of join conditions.
type JoinRule struct {
	FromTable  string `yaml:"from_table"`
	ToTable    string `yaml:"to_table"`
	FromColumn string `yaml:"from_column"`
	ToColumn   string `yaml:"to_column"`
	Type       string `yaml:"type"`
}

// Template groups metrics that share access constraints and caching policy
type Template struct {
	ID                 string   `yaml:"id"`
	AllowedTables      []string `yaml:"allowed_tables"`
	DeniedColumns      []string `yaml:"denied_columns"`
	MaxWindowDays      int      `yaml:"max_window_days"`
	DefaultWindowDays  int      `yaml:"default_window_days"`
	DefaultGranularity string   `yaml:"default_granularity"`
	DefaultLimit       int      `yaml:"default_limit"`
	CacheTTLSeconds    int      `yaml:"cache_ttl_seconds"`
}

// MaxTimeWindow is the longest time range a plan on this template may cover
func (t *Template) MaxTimeWindow() time.Duration {
	return time.Duration(t.MaxWindowDays) * 24 * time.Hour
}

// DefaultWindow is the time range used when a question gives none
func (t *Template) DefaultWindow() time.Duration {
	return time.Duration(t.DefaultWindowDays) * 24 * time.Hour
}

// CacheTTL is how long answers on this template stay cached
func (t *Template) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSeconds) * time.Second
}

// AllowsTable reports whether table is covered by this template
func (t *Template) AllowsTable(table string) bool {
	for _, allowed := range t.AllowedTables {
		if allowed == table {
			return true
		}
	}
	return false
}

// DeniesColumn reports whether table.column is denied by this template
func (t *Template) DeniesColumn(table, column string) bool {
	qualified := table + "." + column
	for _, denied := range t.DeniedColumns {
		if denied == qualified {
			return true
		}
	}
	return false
}

type document struct {
	TenantColumn string      `yaml:"tenant_column"`
	Templates    []Template  `yaml:"templates"`
	Metrics      []Metric    `yaml:"metrics"`
	Dimensions   []Dimension `yaml:"dimensions"`
	JoinRules    []JoinRule  `yaml:"join_rules"`
}

// Catalog is the static registry of everything a question may touch
type Catalog struct {
	tenantColumn string
	metrics      map[string]*Metric
	metricOrder  []string
	dimensions   map[string]*Dimension
	templates    map[string]*Template
	joins        map[string]JoinRule
}

// Load reads and validates a catalog from a YAML file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the catalog embedded in the binary
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Parse builds and validates a catalog from YAML
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		tenantColumn: doc.TenantColumn,
		metrics:      make(map[string]*Metric, len(doc.Metrics)),
		dimensions:   make(map[string]*Dimension, len(doc.Dimensions)),
		templates:    make(map[string]*Template, len(doc.Templates)),
		joins:        make(map[string]JoinRule, len(doc.JoinRules)),
	}
	if c.tenantColumn == "" {
		c.tenantColumn = DefaultTenantColumn
	}

	for i := range doc.Templates {
		t := doc.Templates[i]
		if _, dup := c.templates[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template %q", t.ID)
		}
		c.templates[t.ID] = &t
	}
	for i := range doc.Metrics {
		m := doc.Metrics[i]
		if _, dup := c.metrics[m.ID]; dup {
			return nil, fmt.Errorf("duplicate metric %q", m.ID)
		}
		c.metrics[m.ID] = &m
		c.metricOrder = append(c.metricOrder, m.ID)
	}
	for i := range doc.Dimensions {
		d := doc.Dimensions[i]
		if _, dup := c.dimensions[d.ID]; dup {
			return nil, fmt.Errorf("duplicate dimension %q", d.ID)
		}
		c.dimensions[d.ID] = &d
	}
	for _, j := range doc.JoinRules {
		c.joins[joinKey(j.FromTable, j.ToTable)] = j
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func joinKey(from, to string) string {
	return from + "|" + to
}

// TenantColumn is the column every table uses for tenant scoping
func (c *Catalog) TenantColumn() string {
	return c.tenantColumn
}

// Metric looks up a metric by id
func (c *Catalog) Metric(id string) (*Metric, bool) {
	m, ok := c.metrics[id]
	return m, ok
}

// Dimension looks up a dimension by id
func (c *Catalog) Dimension(id string) (*Dimension, bool) {
	d, ok := c.dimensions[id]
	return d, ok
}

// DimensionByColumn finds the dimension bound to table.column
func (c *Catalog) DimensionByColumn(table, column string) (*Dimension, bool) {
	for _, d := range c.dimensions {
		if d.Table == table && d.Column == column {
			return d, true
		}
	}
	return nil, false
}

// JoinRule returns the registered join from one table to another
func (c *Catalog) JoinRule(from, to string) (JoinRule, bool) {
	j, ok := c.joins[joinKey(from, to)]
	return j, ok
}

// Template looks up a template by id
func (c *Catalog) Template(id string) (*Template, bool) {
	t, ok := c.templates[id]
	return t, ok
}

// TemplateForMetric returns the template that governs a metric
func (c *Catalog) TemplateForMetric(metricID string) (*Template, bool) {
	m, ok := c.metrics[metricID]
	if !ok {
		return nil, false
	}
	return c.Template(m.Template)
}

// Metrics returns all metrics in declaration order
func (c *Catalog) Metrics() []*Metric {
	out := make([]*Metric, 0, len(c.metricOrder))
	for _, id := range c.metricOrder {
		out = append(out, c.metrics[id])
	}
	return out
}

// Tables returns every table referenced by any template, sorted
func (c *Catalog) Tables() []string {
	seen := make(map[string]bool)
	for _, t := range c.templates {
		for _, table := range t.AllowedTables {
			seen[table] = true
		}
	}
	tables := make([]string, 0, len(seen))
	for table := range seen {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// Validate checks the catalog is internally consistent
func (c *Catalog) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !ValidIdentifier(c.tenantColumn) {
		add("tenant column %q is not a valid identifier", c.tenantColumn)
	}

	known := make(map[string]bool)
	for _, t := range c.templates {
		if t.DefaultLimit <= 0 {
			add("template %q: default_limit must be positive", t.ID)
		}
		if t.MaxWindowDays <= 0 {
			add("template %q: max_window_days must be positive", t.ID)
		}
		if t.DefaultWindowDays > t.MaxWindowDays {
			add("template %q: default window exceeds max window", t.ID)
		}
		for _, table := range t.AllowedTables {
			if !ValidIdentifier(table) {
				add("template %q: invalid table %q", t.ID, table)
			}
			known[table] = true
		}
	}

	for _, id := range c.metricOrder {
		m := c.metrics[id]
		t, ok := c.templates[m.Template]
		if !ok {
			add("metric %q: unknown template %q", m.ID, m.Template)
			continue
		}
		if !t.AllowsTable(m.Table) {
			add("metric %q: table %q not allowed by template %q", m.ID, m.Table, t.ID)
		}
		if !validAggregations[m.Aggregation] {
			add("metric %q: unsupported aggregation %q", m.ID, m.Aggregation)
		}
		for _, ident := range []string{m.ID, m.Column, m.TimeColumn} {
			if !ValidIdentifier(ident) {
				add("metric %q: invalid identifier %q", m.ID, ident)
			}
		}
		for _, dimID := range m.AllowedDimensions {
			d, ok := c.dimensions[dimID]
			if !ok {
				add("metric %q: unknown dimension %q", m.ID, dimID)
				continue
			}
			if !t.AllowsTable(d.Table) {
				add("metric %q: dimension %q uses table %q outside template %q", m.ID, dimID, d.Table, t.ID)
			}
		}
	}

	for _, d := range c.dimensions {
		if !known[d.Table] {
			add("dimension %q: unknown table %q", d.ID, d.Table)
		}
		if !ValidIdentifier(d.ID) || !ValidIdentifier(d.Column) {
			add("dimension %q: invalid identifier", d.ID)
		}
	}

	for _, j := range c.joins {
		if !known[j.FromTable] || !known[j.ToTable] {
			add("join %s->%s: unknown table", j.FromTable, j.ToTable)
		}
		if !ValidIdentifier(j.FromColumn) || !ValidIdentifier(j.ToColumn) {
			add("join %s->%s: invalid column", j.FromTable, j.ToTable)
		}
		switch j.Type {
		case "", "inner", "left":
		default:
			add("join %s->%s: unsupported type %q", j.FromTable, j.ToTable, j.Type)
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid catalog: %s", strings.Join(problems, "; "))
	}
	return nil
}
