package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "impact_query"

// Metrics holds the prometheus collectors for the query pipeline
type Metrics struct {
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
	CacheResults      *prometheus.CounterVec
	SafetyViolations  *prometheus.CounterVec
	QuotaRejections   *prometheus.CounterVec
	FailOpenDecisions *prometheus.CounterVec
	ClassifierCalls   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	InFlight          prometheus.Gauge
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Questions processed, by outcome and error kind.",
		}, []string{"outcome", "kind"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end ask latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cached"}),
		CacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_results_total",
			Help:      "Answer cache lookups by result (hit, miss, shared, store_error).",
		}, []string{"result"}),
		SafetyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_violations_total",
			Help:      "Guardrail and verifier findings by stage, rule and blocked flag.",
		}, []string{"stage", "rule", "blocked"}),
		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Requests rejected by quota tier.",
		}, []string{"tier"}),
		FailOpenDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Backing store failures that were tolerated, by component.",
		}, []string{"component"}),
		ClassifierCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_calls_total",
			Help:      "Intent classifier calls by result.",
		}, []string{"result"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "SQL execution latency by dialect.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"dialect"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queries_in_flight",
			Help:      "Questions currently being processed.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	collectors := []prometheus.Collector{
		m.QueriesTotal, m.QueryDuration, m.CacheResults, m.SafetyViolations,
		m.QuotaRejections, m.FailOpenDecisions, m.ClassifierCalls,
		m.ExecutionDuration, m.InFlight, m.HTTPRequests, m.HTTPDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewNopMetrics returns metrics registered on a throwaway registry, for tests and CLI runs
func NewNopMetrics() *Metrics {
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		panic(err)
	}
	return m
}

// RecordQuery records the outcome of one ask
func (m *Metrics) RecordQuery(duration time.Duration, outcome, kind string, cached bool) {
	m.QueriesTotal.WithLabelValues(outcome, kind).Inc()
	c := "false"
	if cached {
		c = "true"
	}
	m.QueryDuration.WithLabelValues(c).Observe(duration.Seconds())
}

// RecordViolation records one guardrail or verifier finding
func (m *Metrics) RecordViolation(stage, rule string, blocked bool) {
	b := "false"
	if blocked {
		b = "true"
	}
	m.SafetyViolations.WithLabelValues(stage, rule, b).Inc()
}

// RecordFailOpen records a tolerated backing store failure
func (m *Metrics) RecordFailOpen(component string) {
	m.FailOpenDecisions.WithLabelValues(component).Inc()
}
