package enrich

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seanankenbruck/impact-query/internal/planner"
	"github.com/seanankenbruck/impact-query/internal/sqlgen"
)

// Source types
const (
	SourceBase   = "table"
	SourceJoined = "joined_table"
)

// piiPattern matches personal column names. A bare "name" column is an
// entity label (campaign, event) and is not flagged; person names are.
var piiPattern = regexp.MustCompile(`(?i)(^|_)(email|phone|ssn|address|birth|birthdate|dob|full_name|first_name|last_name|ip_address)(_|$)`)

// DateRange is the half-open window a source was read over
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Source is one table the answer read from
type Source struct {
	Type               string     `json:"type"`
	Table              string     `json:"table"`
	DateRange          *DateRange `json:"date_range,omitempty"`
	EvidenceSnippetIDs []string   `json:"evidence_snippet_ids,omitempty"`
}

// Aggregation is one aggregated output column
type Aggregation struct {
	Function string `json:"function"`
	Column   string `json:"column"`
	Alias    string `json:"alias"`
}

// Join is one join the query performed
type Join struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Condition string `json:"condition"`
}

// AppliedFilter is one predicate the query applied. Values are omitted.
type AppliedFilter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
}

// AnswerLineage links an answer to what produced it. It is fixed once
// resolved; only report and metric links can be appended.
type AnswerLineage struct {
	Sources                 []Source        `json:"sources"`
	Transformations         []string        `json:"transformations"`
	Aggregations            []Aggregation   `json:"aggregations"`
	Joins                   []Join          `json:"joins"`
	Filters                 []AppliedFilter `json:"filters"`
	TenantIsolationEnforced bool            `json:"tenant_isolation_enforced"`
	PIIColumnsAccessed      []string        `json:"pii_columns_accessed"`
	SafetyChecksPassed      bool            `json:"safety_checks_passed"`
	CreatedAt               time.Time       `json:"created_at"`

	mu                sync.Mutex
	exportedToReports []string
	linkedToMetrics   []string
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// LinkExport records that the answer was exported to a report
func (l *AnswerLineage) LinkExport(reportID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exportedToReports = appendUnique(l.exportedToReports, reportID)
}

// LinkMetric records that the answer feeds a tracked metric
func (l *AnswerLineage) LinkMetric(metricID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linkedToMetrics = appendUnique(l.linkedToMetrics, metricID)
}

// ExportedToReports returns a copy of the report links
func (l *AnswerLineage) ExportedToReports() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.exportedToReports...)
}

// LinkedToMetrics returns a copy of the metric links
func (l *AnswerLineage) LinkedToMetrics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.linkedToMetrics...)
}

type lineageJSON struct {
	Sources                 []Source        `json:"sources"`
	Transformations         []string        `json:"transformations"`
	Aggregations            []Aggregation   `json:"aggregations"`
	Joins                   []Join          `json:"joins"`
	Filters                 []AppliedFilter `json:"filters"`
	TenantIsolationEnforced bool            `json:"tenant_isolation_enforced"`
	PIIColumnsAccessed      []string        `json:"pii_columns_accessed"`
	SafetyChecksPassed      bool            `json:"safety_checks_passed"`
	CreatedAt               time.Time       `json:"created_at"`
	ExportedToReports       []string        `json:"exported_to_reports"`
	LinkedToMetrics         []string        `json:"linked_to_metrics"`
}

// MarshalJSON includes the append-only links
func (l *AnswerLineage) MarshalJSON() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.Marshal(lineageJSON{
		Sources:                 l.Sources,
		Transformations:         l.Transformations,
		Aggregations:            l.Aggregations,
		Joins:                   l.Joins,
		Filters:                 l.Filters,
		TenantIsolationEnforced: l.TenantIsolationEnforced,
		PIIColumnsAccessed:      l.PIIColumnsAccessed,
		SafetyChecksPassed:      l.SafetyChecksPassed,
		CreatedAt:               l.CreatedAt,
		ExportedToReports:       append([]string{}, l.exportedToReports...),
		LinkedToMetrics:         append([]string{}, l.linkedToMetrics...),
	})
}

// UnmarshalJSON restores a lineage read back from the answer cache
func (l *AnswerLineage) UnmarshalJSON(data []byte) error {
	var v lineageJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Sources = v.Sources
	l.Transformations = v.Transformations
	l.Aggregations = v.Aggregations
	l.Joins = v.Joins
	l.Filters = v.Filters
	l.TenantIsolationEnforced = v.TenantIsolationEnforced
	l.PIIColumnsAccessed = v.PIIColumnsAccessed
	l.SafetyChecksPassed = v.SafetyChecksPassed
	l.CreatedAt = v.CreatedAt
	l.exportedToReports = v.ExportedToReports
	l.linkedToMetrics = v.LinkedToMetrics
	return nil
}

// TenantIsolationEnforced reports whether sql carries the tenant predicate
// bound to a placeholder
func TenantIsolationEnforced(q *sqlgen.GeneratedQuery) bool {
	s := q.Structure
	if s.TenantPredicate == "" || !strings.Contains(q.SQL, "WHERE "+s.TenantPredicate) {
		return false
	}
	if len(q.Parameters) == 0 || q.Parameters[0].Value == nil {
		return false
	}
	if v, ok := q.Parameters[0].Value.(string); ok && v != "" {
		if strings.Contains(q.SQL, "'"+v+"'") {
			return false
		}
	}
	return true
}

// ResolveLineage builds the lineage of an executed query from the
// structure the generator reported
func ResolveLineage(q *sqlgen.GeneratedQuery, plan *planner.QueryPlan, safetyPassed bool) *AnswerLineage {
	s := q.Structure
	window := &DateRange{Start: s.TimeStart, End: s.TimeEnd}

	l := &AnswerLineage{
		Sources:                 []Source{},
		Transformations:         []string{},
		Aggregations:            []Aggregation{},
		Joins:                   []Join{},
		Filters:                 []AppliedFilter{},
		PIIColumnsAccessed:      []string{},
		TenantIsolationEnforced: TenantIsolationEnforced(q),
		SafetyChecksPassed:      safetyPassed,
		CreatedAt:               time.Now().UTC(),
	}

	if s.BaseTable != "" {
		l.Sources = append(l.Sources, Source{Type: SourceBase, Table: s.BaseTable, DateRange: window})
	}
	for _, t := range s.JoinedTables {
		l.Sources = append(l.Sources, Source{Type: SourceJoined, Table: t})
	}

	for _, j := range s.Joins {
		l.Joins = append(l.Joins, Join{From: j.FromTable, To: j.ToTable, Type: j.Type, Condition: j.Condition})
	}

	for _, a := range s.Aggregations {
		l.Aggregations = append(l.Aggregations, Aggregation{
			Function: a.Function,
			Column:   a.Table + "." + a.Column,
			Alias:    a.Alias,
		})
		l.Transformations = append(l.Transformations, strings.ToUpper(a.Function)+"("+a.Table+"."+a.Column+")")
	}
	if s.TimeBucket != "" {
		l.Transformations = append(l.Transformations, "bucket "+s.TimeColumn.Table+"."+s.TimeColumn.Column+" by "+s.TimeBucket)
	}
	if len(s.Dimensions) > 0 {
		cols := make([]string, len(s.Dimensions))
		for i, d := range s.Dimensions {
			cols[i] = d.Table + "." + d.Column
		}
		l.Transformations = append(l.Transformations, "group by "+strings.Join(cols, ", "))
	}

	l.Filters = append(l.Filters, AppliedFilter{
		Column:   s.TenantColumn.Table + "." + s.TenantColumn.Column,
		Operator: planner.OpEq,
	})
	if !s.TimeStart.IsZero() {
		l.Filters = append(l.Filters, AppliedFilter{
			Column:   s.TimeColumn.Table + "." + s.TimeColumn.Column,
			Operator: "between",
		})
	}
	for _, f := range s.Filters {
		l.Filters = append(l.Filters, AppliedFilter{Column: f.Table + "." + f.Column, Operator: f.Operator})
	}

	l.PIIColumnsAccessed = piiColumns(s, plan)
	return l
}

// piiColumns lists every read column whose name looks personal
func piiColumns(s sqlgen.Structure, plan *planner.QueryPlan) []string {
	seen := make(map[string]bool)
	check := func(table, column string) {
		if column != "" && piiPattern.MatchString(column) {
			seen[table+"."+column] = true
		}
	}
	for _, a := range s.Aggregations {
		check(a.Table, a.Column)
	}
	for _, d := range s.Dimensions {
		check(d.Table, d.Column)
	}
	for _, f := range s.Filters {
		check(f.Table, f.Column)
	}
	if plan != nil {
		for _, d := range plan.Dimensions {
			check(d.Table, d.Column)
		}
		for _, f := range plan.UserFilters() {
			check(f.Table, f.Column)
		}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
