package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/seanankenbruck/impact-query/internal/catalog"
	"github.com/seanankenbruck/impact-query/internal/planner"
)

// Intent types
const (
	IntentMetricQuery = "metric_query"
	IntentBreakdown   = "breakdown"
	IntentTrend       = "trend"
	IntentComparison  = "comparison"
)

type metricRule struct {
	metricID   string
	pattern    *regexp.Regexp
	confidence float64
}

type dimensionRule struct {
	pattern    *regexp.Regexp
	candidates []string // first one the metric allows wins
}

// KeywordClassifier is a deterministic regex classifier. It backs the CLI
// dry run and offline development; production uses ClaudeClassifier.
type KeywordClassifier struct {
	catalog     *catalog.Catalog
	metrics     []metricRule
	dimensions  []dimensionRule
	presets     []presetRule
	relative    *regexp.Regexp
	granularity map[string]*regexp.Regexp
	trend       *regexp.Regexp
	comparison  *regexp.Regexp
	top         *regexp.Regexp
}

type presetRule struct {
	preset  string
	pattern *regexp.Regexp
}

// NewKeywordClassifier creates a classifier over cat
func NewKeywordClassifier(cat *catalog.Catalog) *KeywordClassifier {
	return &KeywordClassifier{
		catalog: cat,
		// order matters: the first match wins
		metrics: []metricRule{
			{"average_donation", regexp.MustCompile(`(?i)\b(average|avg|mean|typical)\b.*\b(donation|gift)s?\b`), 0.9},
			{"donation_count", regexp.MustCompile(`(?i)\b(how many|number of|count of)\b.*\b(donation|gift)s\b`), 0.9},
			{"donation_amount", regexp.MustCompile(`(?i)\b(donat\w*|giving|gave|raised|contribut\w*)\b`), 0.85},
			{"volunteer_participants", regexp.MustCompile(`(?i)\b(volunteers|participants|participated|people volunteered|employees volunteered)\b`), 0.85},
			{"volunteer_hours", regexp.MustCompile(`(?i)\bvolunteer\w*\b.*\b(hours?|time)\b|\b(hours?|time)\b.*\bvolunteer\w*\b`), 0.9},
			{"event_count", regexp.MustCompile(`(?i)\bevents?\b`), 0.75},
			{"volunteer_hours", regexp.MustCompile(`(?i)\bvolunteer\w*\b`), 0.6},
		},
		dimensions: []dimensionRule{
			{regexp.MustCompile(`(?i)\b(by|per|each|across)\s+(department|team)s?\b`), []string{"department"}},
			{regexp.MustCompile(`(?i)\b(by|per|each|across)\s+(office|location|site)s?\b`), []string{"location", "event_location"}},
			{regexp.MustCompile(`(?i)\b(by|per|each|across)\s+(cause|cause area)s?\b`), []string{"cause_area", "donation_cause_area"}},
			{regexp.MustCompile(`(?i)\b(by|per|each|across)\s+campaigns?\b`), []string{"campaign"}},
			{regexp.MustCompile(`(?i)\b(by|per|each|across)\s+events?\b`), []string{"event_name"}},
			{regexp.MustCompile(`(?i)\b(by|per|each|in)\s+currenc(y|ies)\b`), []string{"currency"}},
		},
		presets: []presetRule{
			{"this_quarter", regexp.MustCompile(`(?i)\b(this|current) quarter\b|\bquarter to date\b`)},
			{"last_quarter", regexp.MustCompile(`(?i)\b(last|previous|prior) quarter\b`)},
			{"this_year", regexp.MustCompile(`(?i)\b(this|current) year\b|\byear to date\b|\bytd\b`)},
			{"last_year", regexp.MustCompile(`(?i)\b(last|previous|prior) year\b`)},
			{"this_month", regexp.MustCompile(`(?i)\b(this|current) month\b|\bmonth to date\b`)},
			{"last_month", regexp.MustCompile(`(?i)\b(last|previous|prior) month\b`)},
			{"last_7_days", regexp.MustCompile(`(?i)\b(last|past|previous) week\b`)},
			{"yesterday", regexp.MustCompile(`(?i)\byesterday\b`)},
			{"today", regexp.MustCompile(`(?i)\btoday\b`)},
		},
		relative: regexp.MustCompile(`(?i)\b(?:last|past|previous)\s+(\d+)\s*(hour|day|week|month)s?\b`),
		granularity: map[string]*regexp.Regexp{
			planner.GranularityDay:     regexp.MustCompile(`(?i)\b(daily|per day|by day|each day)\b`),
			planner.GranularityWeek:    regexp.MustCompile(`(?i)\b(weekly|per week|by week|each week)\b`),
			planner.GranularityMonth:   regexp.MustCompile(`(?i)\b(monthly|per month|by month|each month|month over month)\b`),
			planner.GranularityQuarter: regexp.MustCompile(`(?i)\b(quarterly|per quarter|by quarter|each quarter)\b`),
			planner.GranularityYear:    regexp.MustCompile(`(?i)\b(yearly|annually|per year|by year|each year)\b`),
		},
		trend:      regexp.MustCompile(`(?i)\b(trend|over time|growth|trajectory)\b`),
		comparison: regexp.MustCompile(`(?i)\b(compare|compared|vs\.?|versus|against)\b`),
		top:        regexp.MustCompile(`(?i)\b(top|bottom)\s+(\d+)\b`),
	}
}

// Classify extracts an intent from question. An unrecognised question
// yields an empty metric id with zero confidence.
func (k *KeywordClassifier) Classify(ctx context.Context, question, tenantID string) (*planner.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	intent := &planner.Intent{Intent: IntentMetricQuery}
	var metric *catalog.Metric
	for _, rule := range k.metrics {
		if !rule.pattern.MatchString(question) {
			continue
		}
		m, ok := k.catalog.Metric(rule.metricID)
		if !ok {
			continue
		}
		metric = m
		intent.MetricID = rule.metricID
		intent.Confidence = rule.confidence
		break
	}
	if metric == nil {
		return intent, nil
	}

	slots := &intent.Slots
	slots.TimeRange = k.timeRange(question)

	for _, rule := range k.dimensions {
		if !rule.pattern.MatchString(question) {
			continue
		}
		for _, dim := range rule.candidates {
			if metric.AllowsDimension(dim) {
				slots.GroupBy = append(slots.GroupBy, dim)
				break
			}
		}
	}

	for _, g := range []string{
		planner.GranularityDay, planner.GranularityWeek, planner.GranularityMonth,
		planner.GranularityQuarter, planner.GranularityYear,
	} {
		if k.granularity[g].MatchString(question) {
			slots.Granularity = g
			break
		}
	}
	if slots.Granularity == "" && k.trend.MatchString(question) {
		slots.Granularity = planner.GranularityMonth
	}

	if m := k.top.FindStringSubmatch(question); len(m) > 2 {
		if n, err := strconv.Atoi(m[2]); err == nil && n > 0 {
			direction := "desc"
			if strings.EqualFold(m[1], "bottom") {
				direction = "asc"
			}
			slots.Limit = n
			slots.OrderBy = []planner.OrderSlot{{Field: metric.ID, Direction: direction}}
		}
	}

	switch {
	case k.comparison.MatchString(question):
		intent.Intent = IntentComparison
	case slots.Granularity != "":
		intent.Intent = IntentTrend
	case len(slots.GroupBy) > 0:
		intent.Intent = IntentBreakdown
	}

	// slots the question left to defaults lower confidence a little
	if slots.TimeRange == nil {
		intent.Confidence -= 0.1
	}
	return intent, nil
}

func (k *KeywordClassifier) timeRange(question string) *planner.TimeRangeSlot {
	if m := k.relative.FindStringSubmatch(question); len(m) > 2 {
		return &planner.TimeRangeSlot{Preset: fmt.Sprintf("last_%s_%ss", m[1], strings.ToLower(m[2]))}
	}
	for _, p := range k.presets {
		if p.pattern.MatchString(question) {
			return &planner.TimeRangeSlot{Preset: p.preset}
		}
	}
	return nil
}
