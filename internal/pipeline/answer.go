package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/seanankenbruck/impact-query/internal/catalog"
	"github.com/seanankenbruck/impact-query/internal/executor"
	"github.com/seanankenbruck/impact-query/internal/planner"
)

// Visualization hints
const (
	VisualizationStat       = "stat"
	VisualizationTable      = "table"
	VisualizationTimeSeries = "time_series"
)

// Trends
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Stats summarizes the metric column of a multi-row answer
type Stats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Total float64 `json:"total"`
	Trend string  `json:"trend,omitempty"`
}

// Summary is the rendered form of an executed answer
type Summary struct {
	Answer        string `json:"answer"`
	Visualization string `json:"visualization"`
	Stats         *Stats `json:"stats,omitempty"`
}

const dateLayout = "2006-01-02"

// Summarize renders a deterministic answer from the rows and the metric
// definition. The same plan and rows always produce the same text.
func Summarize(metric *catalog.Metric, plan *planner.QueryPlan, rows []executor.Row) Summary {
	alias := metric.ID
	if len(plan.Metrics) > 0 {
		alias = plan.Metrics[0].Alias
	}
	subject := metric.Name
	if len(plan.Dimensions) > 0 {
		ids := make([]string, len(plan.Dimensions))
		for i, d := range plan.Dimensions {
			ids[i] = strings.ReplaceAll(d.ID, "_", " ")
		}
		subject += " by " + strings.Join(ids, ", ")
	}
	period := fmt.Sprintf("between %s and %s",
		plan.TimeRange.Start.Format(dateLayout),
		plan.TimeRange.End.Add(-time.Nanosecond).Format(dateLayout))

	if len(rows) == 0 {
		return Summary{
			Answer:        fmt.Sprintf("No %s data was found %s.", strings.ToLower(metric.Name), period),
			Visualization: VisualizationTable,
		}
	}

	bucketed := plan.TimeRange.Granularity != ""
	if len(rows) == 1 && len(plan.Dimensions) == 0 && !bucketed {
		return Summary{
			Answer:        fmt.Sprintf("%s %s: %s.", metric.Name, period, withUnit(rows[0][alias], metric.Unit)),
			Visualization: VisualizationStat,
		}
	}

	stats := computeStats(rows, alias, bucketed)
	if bucketed && len(plan.Dimensions) == 0 {
		last := rows[len(rows)-1]
		return Summary{
			Answer: fmt.Sprintf("%s %s: %d %s periods, latest %s, total %s (trend: %s).",
				metric.Name, period, len(rows), plan.TimeRange.Granularity,
				withUnit(last[alias], metric.Unit), withUnit(stats.Total, metric.Unit), stats.Trend),
			Visualization: VisualizationTimeSeries,
			Stats:         stats,
		}
	}

	first := rows[0]
	labels := make([]string, 0, len(plan.Dimensions)+1)
	if bucketed {
		labels = append(labels, formatValue(first[planner.TimeBucketAlias]))
	}
	for _, d := range plan.Dimensions {
		labels = append(labels, formatValue(first[d.Alias]))
	}
	viz := VisualizationTable
	if bucketed {
		viz = VisualizationTimeSeries
	}
	return Summary{
		Answer: fmt.Sprintf("%s %s: %s has %s, across %d groups totalling %s.",
			subject, period, strings.Join(labels, " / "), withUnit(first[alias], metric.Unit),
			len(rows), withUnit(stats.Total, metric.Unit)),
		Visualization: viz,
		Stats:         stats,
	}
}

// computeStats calculates min, max, avg and total of the metric column, and a
// trend comparing first and last values when the rows are a time series
func computeStats(rows []executor.Row, alias string, series bool) *Stats {
	var min, max, sum, first, last float64
	count := 0
	for _, row := range rows {
		v, ok := toFloat(row[alias])
		if !ok {
			continue
		}
		if count == 0 {
			min, max, first = v, v, v
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
		last = v
		count++
	}

	stats := &Stats{Min: round2(min), Max: round2(max), Total: round2(sum)}
	if count > 0 {
		stats.Avg = round2(sum / float64(count))
	}
	if series {
		stats.Trend = trend(first, last, count)
	}
	return stats
}

// trend compares first and last values with a 10% threshold
func trend(first, last float64, count int) string {
	if count < 2 {
		return TrendStable
	}
	if math.Abs(first) > 0.001 {
		change := (last - first) / math.Abs(first)
		switch {
		case change > 0.1:
			return TrendIncreasing
		case change < -0.1:
			return TrendDecreasing
		}
		return TrendStable
	}
	switch {
	case last > first+0.1:
		return TrendIncreasing
	case last < first-0.1:
		return TrendDecreasing
	}
	return TrendStable
}

// sampleSize estimates how many records back the answer. Count metrics say
// so directly; otherwise each returned row counts once.
func sampleSize(plan *planner.QueryPlan, rows []executor.Row) int64 {
	for _, m := range plan.Metrics {
		if m.Aggregation != catalog.AggCount && m.Aggregation != catalog.AggCountDistinct {
			continue
		}
		var n float64
		for _, row := range rows {
			if v, ok := toFloat(row[m.Alias]); ok {
				n += v
			}
		}
		if n > 0 {
			return int64(n)
		}
	}
	return int64(len(rows))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatValue(v interface{}) string {
	if v == nil {
		return "(none)"
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(dateLayout)
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(round2(f), 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func withUnit(v interface{}, unit string) string {
	s := formatValue(v)
	if unit == "" || unit == "currency" {
		return s
	}
	return s + " " + unit
}
