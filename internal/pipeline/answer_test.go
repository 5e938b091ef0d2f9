package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/impact-query/internal/catalog"
	"github.com/seanankenbruck/impact-query/internal/executor"
	"github.com/seanankenbruck/impact-query/internal/planner"
)

func donationPlan(granularity string, dims ...string) *planner.QueryPlan {
	plan := &planner.QueryPlan{
		TenantID: "acme",
		Metrics: []planner.MetricRef{{
			ID: "donation_amount", Table: "donations", Column: "amount",
			Aggregation: catalog.AggSum, Alias: "donation_amount",
		}},
		TimeRange: planner.TimeRange{
			Table:       "donations",
			Column:      "donated_at",
			Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			Granularity: granularity,
		},
	}
	for _, d := range dims {
		plan.Dimensions = append(plan.Dimensions, planner.DimensionRef{ID: d, Alias: d})
	}
	return plan
}

func metricByID(t *testing.T, id string) *catalog.Metric {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	m, ok := cat.Metric(id)
	require.True(t, ok)
	return m
}

func TestSummarize(t *testing.T) {
	donations := metricByID(t, "donation_amount")

	t.Run("single value", func(t *testing.T) {
		s := Summarize(donations, donationPlan(""), []executor.Row{{"donation_amount": 1520.456}})
		assert.Equal(t, "Donations between 2024-01-01 and 2024-03-31: 1520.46.", s.Answer)
		assert.Equal(t, VisualizationStat, s.Visualization)
		assert.Nil(t, s.Stats)
	})

	t.Run("no rows", func(t *testing.T) {
		s := Summarize(donations, donationPlan("month"), nil)
		assert.Equal(t, "No donations data was found between 2024-01-01 and 2024-03-31.", s.Answer)
		assert.Equal(t, VisualizationTable, s.Visualization)
	})

	t.Run("time series", func(t *testing.T) {
		rows := []executor.Row{
			{"time_bucket": "2024-01-01", "donation_amount": 100.0},
			{"time_bucket": "2024-02-01", "donation_amount": 150.0},
			{"time_bucket": "2024-03-01", "donation_amount": 200.0},
		}
		s := Summarize(donations, donationPlan("month"), rows)
		assert.Equal(t, "Donations between 2024-01-01 and 2024-03-31: 3 month periods, latest 200, total 450 (trend: increasing).", s.Answer)
		assert.Equal(t, VisualizationTimeSeries, s.Visualization)
		require.NotNil(t, s.Stats)
		assert.Equal(t, Stats{Min: 100, Max: 200, Avg: 150, Total: 450, Trend: TrendIncreasing}, *s.Stats)
	})

	t.Run("breakdown", func(t *testing.T) {
		rows := []executor.Row{
			{"department": "Engineering", "donation_amount": "900.50"},
			{"department": "Sales", "donation_amount": int64(300)},
			{"department": nil, "donation_amount": int64(0)},
		}
		s := Summarize(donations, donationPlan("", "department"), rows)
		assert.Equal(t, "Donations by department between 2024-01-01 and 2024-03-31: Engineering has 900.5, across 3 groups totalling 1200.5.", s.Answer)
		assert.Equal(t, VisualizationTable, s.Visualization)
		assert.Empty(t, s.Stats.Trend)
	})

	t.Run("units are appended", func(t *testing.T) {
		hours := metricByID(t, "volunteer_hours")
		plan := donationPlan("")
		plan.Metrics[0].Alias = "volunteer_hours"
		s := Summarize(hours, plan, []executor.Row{{"volunteer_hours": int64(12)}})
		assert.Equal(t, "Volunteer hours between 2024-01-01 and 2024-03-31: 12 hours.", s.Answer)
	})

	t.Run("deterministic", func(t *testing.T) {
		rows := []executor.Row{{"department": "Engineering", "donation_amount": 10.0}}
		a := Summarize(donations, donationPlan("", "department"), rows)
		b := Summarize(donations, donationPlan("", "department"), rows)
		assert.Equal(t, a, b)
	})
}

func TestTrend(t *testing.T) {
	assert.Equal(t, TrendStable, trend(10, 10.5, 2))
	assert.Equal(t, TrendIncreasing, trend(10, 12, 2))
	assert.Equal(t, TrendDecreasing, trend(10, 8, 2))
	assert.Equal(t, TrendStable, trend(10, 100, 1))
	assert.Equal(t, TrendIncreasing, trend(0, 1, 3))
}

func TestSampleSize(t *testing.T) {
	plan := donationPlan("month")
	rows := []executor.Row{{"donation_amount": 10.0}, {"donation_amount": 20.0}}
	assert.Equal(t, int64(2), sampleSize(plan, rows))

	plan.Metrics[0].Aggregation = catalog.AggCount
	plan.Metrics[0].Alias = "donation_count"
	rows = []executor.Row{{"donation_count": int64(40)}, {"donation_count": int64(2)}}
	assert.Equal(t, int64(42), sampleSize(plan, rows))
}
