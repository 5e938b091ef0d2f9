// Package pipeline answers natural-language questions with governed SQL:
// guardrails, classification, planning, two verification passes, quota
// admission, a stampede-safe cache and post-execution enrichment.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seanankenbruck/impact-query/internal/cache"
	"github.com/seanankenbruck/impact-query/internal/catalog"
	"github.com/seanankenbruck/impact-query/internal/config"
	"github.com/seanankenbruck/impact-query/internal/enrich"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/executor"
	"github.com/seanankenbruck/impact-query/internal/guardrail"
	"github.com/seanankenbruck/impact-query/internal/llm"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/planner"
	"github.com/seanankenbruck/impact-query/internal/quota"
	"github.com/seanankenbruck/impact-query/internal/rls"
	"github.com/seanankenbruck/impact-query/internal/sqlgen"
	"github.com/seanankenbruck/impact-query/internal/verifier"
)

// Violation stages
const (
	StageGuardrail = "guardrail"
	StagePlan      = verifier.StagePlan
	StageSQL       = verifier.StageSQL
)

const (
	defaultClassifyTimeout = 20 * time.Second
	statusWriteTimeout     = 2 * time.Second
)

// AskRequest is one natural-language question
type AskRequest struct {
	Question string            `json:"question" binding:"required"`
	Context  map[string]string `json:"context,omitempty"`
	Dialect  string            `json:"dialect,omitempty"`
	// QueryID lets a client pick the id it will poll; one is generated otherwise
	QueryID string `json:"query_id,omitempty"`
}

// Metadata describes how an answer was produced
type Metadata struct {
	MetricID      string            `json:"metric_id"`
	Intent        string            `json:"intent,omitempty"`
	SQL           string            `json:"sql,omitempty"`
	Parameters    []sqlgen.Param    `json:"parameters,omitempty"`
	Dialect       sqlgen.Dialect    `json:"dialect"`
	TimeRange     planner.TimeRange `json:"time_range"`
	Cached        bool              `json:"cached"`
	Warnings      []string          `json:"warnings,omitempty"`
	EstimatedRows int64             `json:"estimated_rows"`
	RowCount      int               `json:"row_count"`
	Visualization string            `json:"visualization"`
	Stats         *Stats            `json:"stats,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
	Quota         quota.Remaining   `json:"quota"`
	QuotaFailOpen bool              `json:"quota_fail_open,omitempty"`
}

// AskResponse is a verified, executed and enriched answer
type AskResponse struct {
	QueryID    string                `json:"query_id"`
	Answer     string                `json:"answer"`
	Data       []executor.Row        `json:"data"`
	Confidence enrich.Confidence     `json:"confidence"`
	Lineage    *enrich.AnswerLineage `json:"lineage,omitempty"`
	Metadata   Metadata              `json:"metadata"`
}

// cachedAnswer is what the answer cache stores. Everything request specific
// (warnings, quota, SQL exposure) is added after the lookup.
type cachedAnswer struct {
	Answer        string                `json:"answer"`
	Data          []executor.Row        `json:"data"`
	Confidence    enrich.Confidence     `json:"confidence"`
	Lineage       *enrich.AnswerLineage `json:"lineage"`
	Visualization string                `json:"visualization"`
	Stats         *Stats                `json:"stats,omitempty"`
	ComputedAt    time.Time             `json:"computed_at"`
}

// compiled is a question that passed every pre-execution check
type compiled struct {
	question string
	intent   *planner.Intent
	planned  *planner.Result
	metric   *catalog.Metric
	template *catalog.Template
	query    *sqlgen.GeneratedQuery
	warnings []string
}

// Dependencies are the collaborators of a Service
type Dependencies struct {
	Catalog    *catalog.Catalog
	Classifier llm.Classifier
	Executor   executor.Executor
	Quota      *quota.Manager
	Cache      *cache.Manager
	Statuses   StatusStore
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// Service runs the ask pipeline. It holds no per-request state and is safe
// for concurrent use.
type Service struct {
	cfg        config.QueryConfig
	catalog    *catalog.Catalog
	guard      *guardrail.Guard
	classifier llm.Classifier
	planner    *planner.Planner
	verifier   *verifier.Verifier
	executor   executor.Executor
	quota      *quota.Manager
	cache      *cache.Manager
	statuses   StatusStore
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewService wires a Service from cfg and deps
func NewService(cfg config.QueryConfig, deps Dependencies) (*Service, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("pipeline: catalog is required")
	case deps.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case deps.Executor == nil:
		return nil, errors.New("pipeline: executor is required")
	case deps.Quota == nil:
		return nil, errors.New("pipeline: quota manager is required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: cache manager is required")
	}

	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = defaultClassifyTimeout
	}
	if cfg.DefaultDialect == "" {
		cfg.DefaultDialect = string(sqlgen.Postgres)
	}

	s := &Service{
		cfg:        cfg,
		catalog:    deps.Catalog,
		guard:      guardrail.New(cfg.MaxQuestionLength),
		classifier: deps.Classifier,
		verifier:   verifier.New(deps.Catalog, cfg.MaxLimit),
		executor:   deps.Executor,
		quota:      deps.Quota,
		cache:      deps.Cache,
		statuses:   deps.Statuses,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Now,
	}
	if s.statuses == nil {
		s.statuses = NewMemoryStatusStore(DefaultStatusTTL)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger("pipeline")
	}
	if s.metrics == nil {
		s.metrics = observability.NewNopMetrics()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	s.planner = planner.New(deps.Catalog, planner.WithMaxLimit(cfg.MaxLimit), planner.WithClock(s.now))
	return s, nil
}

// Ask answers one question for the caller's company
func (s *Service) Ask(ctx context.Context, req AskRequest, scope *rls.RLSContext) (resp *AskResponse, err error) {
	start := s.now()
	if scope == nil || scope.CompanyID == "" {
		return nil, apperrors.NewMissingTenantError()
	}
	if !scope.HasPermission(rls.PermQueryExecute) {
		return nil, apperrors.NewInsufficientPermissionsError(rls.PermQueryExecute)
	}

	queryID := strings.TrimSpace(req.QueryID)
	if queryID == "" {
		queryID = uuid.New().String()
	}
	ctx = observability.WithCompanyID(ctx, scope.CompanyID)
	ctx = observability.WithUserID(ctx, scope.UserID)
	if observability.GetCorrelationID(ctx) == "" {
		ctx = observability.WithCorrelationID(ctx, queryID)
	}

	s.metrics.InFlight.Inc()
	defer s.metrics.InFlight.Dec()

	status := &QueryStatus{
		ID:        queryID,
		CompanyID: scope.CompanyID,
		UserID:    scope.UserID,
		Question:  req.Question,
		State:     StatePending,
		CreatedAt: start,
		UpdatedAt: start,
	}
	tracked := true
	if cerr := s.statuses.Create(ctx, status); cerr != nil {
		if apperrors.KindOf(cerr) == apperrors.KindConflict {
			return nil, cerr
		}
		tracked = false
		s.logger.Warn(ctx, "Query status tracking unavailable", map[string]interface{}{
			"query_id": queryID,
			"error":    cerr.Error(),
		})
	}

	cached := false
	defer func() {
		duration := s.now().Sub(start)
		state, outcome, kind := StateCompleted, "success", ""
		if err != nil {
			kind = string(apperrors.KindOf(err))
			state, outcome = StateFailed, "error"
			if rejected(err) {
				state, outcome = StateRejected, "rejected"
			}
			s.logger.Warn(ctx, "Query not answered", map[string]interface{}{
				"query_id":    queryID,
				"kind":        kind,
				"duration_ms": duration.Milliseconds(),
				"error":       err.Error(),
			})
		} else {
			s.logger.Info(ctx, "Query answered", map[string]interface{}{
				"query_id":    queryID,
				"cached":      cached,
				"duration_ms": duration.Milliseconds(),
			})
		}
		s.metrics.RecordQuery(duration, outcome, kind, cached)
		if tracked {
			s.setStatus(ctx, status, state, err, cached, duration)
		}
	}()

	c, err := s.compile(ctx, req, scope)
	if err != nil {
		return nil, err
	}

	decision, err := s.quota.Check(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	release, slot, err := s.quota.Begin(ctx, scope)
	defer release()
	if err != nil {
		return nil, err
	}

	if tracked {
		s.setStatus(ctx, status, StateRunning, nil, false, 0)
	}

	var ttl time.Duration
	if c.template != nil {
		ttl = c.template.CacheTTL()
	}
	key := s.cache.Key(c.question, scope.CompanyID, cacheFilters(c.query))
	payload, hit, err := s.cache.GetOrCompute(ctx, key, ttl, func(cctx context.Context) ([]byte, error) {
		answer, err := s.execute(cctx, c)
		if err != nil {
			return nil, err
		}
		return json.Marshal(answer)
	})
	if err != nil {
		return nil, err
	}
	cached = hit

	var answer cachedAnswer
	if err := json.Unmarshal(payload, &answer); err != nil {
		return nil, apperrors.NewInternalError(err, "failed to decode answer")
	}

	remaining := quota.Remaining{
		Daily:      decision.Remaining.Daily,
		Hourly:     decision.Remaining.Hourly,
		Concurrent: slot.Remaining.Concurrent,
	}
	failOpen := decision.FailOpen || slot.FailOpen
	if rerr := s.quota.Record(ctx, scope.CompanyID); rerr != nil {
		failOpen = true
		s.metrics.RecordFailOpen("quota")
		s.logger.Error(ctx, "Failed to record quota usage", rerr, map[string]interface{}{
			"query_id": queryID,
		})
	} else if !decision.FailOpen {
		remaining.Daily = max(0, remaining.Daily-1)
		remaining.Hourly = max(0, remaining.Hourly-1)
	}

	resp = &AskResponse{
		QueryID:    queryID,
		Answer:     answer.Answer,
		Data:       answer.Data,
		Confidence: answer.Confidence,
		Metadata: Metadata{
			MetricID:      c.metric.ID,
			Intent:        c.intent.Intent,
			Dialect:       c.query.Dialect,
			TimeRange:     c.planned.Plan.TimeRange,
			Cached:        hit,
			Warnings:      c.warnings,
			EstimatedRows: c.query.EstimatedRows,
			RowCount:      len(answer.Data),
			Visualization: answer.Visualization,
			Stats:         answer.Stats,
			DurationMS:    s.now().Sub(start).Milliseconds(),
			Quota:         remaining,
			QuotaFailOpen: failOpen,
		},
	}
	if resp.Data == nil {
		resp.Data = []executor.Row{}
	}
	if scope.HasPermission(rls.PermViewLineage) {
		resp.Lineage = answer.Lineage
	}
	if s.cfg.ExposeSQL && scope.HasPermission(rls.PermViewSQL) {
		resp.Metadata.SQL = c.query.SQL
		resp.Metadata.Parameters = c.query.Parameters
	}
	return resp, nil
}

// compile runs every check that happens before quota admission: guardrails,
// classification, planning, plan verification, generation and SQL
// verification. Any blocking violation ends the request here.
func (s *Service) compile(ctx context.Context, req AskRequest, scope *rls.RLSContext) (*compiled, error) {
	question := strings.TrimSpace(req.Question)

	gr, err := s.guard.Check(question)
	if err != nil {
		return nil, err
	}
	s.recordViolations(StageGuardrail, gr.Violations)
	if !gr.Safe {
		s.audit(ctx, StageGuardrail, question, gr.Violations)
		return nil, gr.Err()
	}
	warnings := describe(gr.Warnings())
	if len(gr.Warnings()) > 0 {
		s.audit(ctx, StageGuardrail, question, gr.Warnings())
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ClassifyTimeout)
	intent, err := s.classifier.Classify(cctx, question, scope.CompanyID)
	cancel()
	if err != nil {
		return nil, classifierError(err)
	}
	if intent == nil {
		return nil, apperrors.NewLLMProviderError(errors.New("classifier returned no intent"), http.StatusBadGateway)
	}

	planned, err := s.planner.Plan(*intent, scope.CompanyID)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, planned.Warnings...)

	planReport := s.verifier.VerifyPlan(planned.Plan, scope)
	s.recordViolations(StagePlan, planReport.Violations)
	if err := planReport.Err(); err != nil {
		s.audit(ctx, StagePlan, question, planReport.Violations)
		return nil, err
	}
	warnings = append(warnings, describe(planReport.Warnings())...)

	dialectName := req.Dialect
	if dialectName == "" {
		dialectName = s.cfg.DefaultDialect
	}
	dialect, err := sqlgen.ParseDialect(dialectName)
	if err != nil {
		return nil, apperrors.NewValidationError("dialect", err.Error())
	}

	query, err := sqlgen.Generate(planned.Plan, dialect)
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return nil, err
		}
		return nil, apperrors.NewInternalError(err, "Failed to generate SQL")
	}

	sqlReport := s.verifier.VerifySQL(query)
	s.recordViolations(StageSQL, sqlReport.Violations)
	if err := sqlReport.Err(); err != nil {
		s.audit(ctx, StageSQL, question, sqlReport.Violations)
		return nil, err
	}
	warnings = append(warnings, describe(sqlReport.Warnings())...)

	metric, _ := s.catalog.Metric(intent.MetricID)
	tmpl, _ := s.catalog.Template(planned.Plan.TemplateID)

	return &compiled{
		question: question,
		intent:   intent,
		planned:  planned,
		metric:   metric,
		template: tmpl,
		query:    query,
		warnings: warnings,
	}, nil
}

// execute runs the query and enriches the rows. It runs inside the cache
// flight on a context detached from any single caller.
func (s *Service) execute(ctx context.Context, c *compiled) (*cachedAnswer, error) {
	rows, err := s.executor.Execute(ctx, c.query)
	if err != nil {
		return nil, err
	}

	plan := c.planned.Plan
	lineage := enrich.ResolveLineage(c.query, plan, true)
	lineage.LinkMetric(c.metric.ID)

	confidence := enrich.ScoreConfidence(enrich.Inputs{
		IntentConfidence: c.intent.Confidence,
		ExpectedRows:     c.query.EstimatedRows,
		ReturnedRows:     int64(len(rows)),
		SampleSize:       sampleSize(plan, rows),
		DataAge:          -1,
		AmbiguousSlots:   len(c.planned.DefaultedSlots),
		DroppedSlots:     c.planned.DroppedSlots,
	})

	summary := Summarize(c.metric, plan, rows)
	return &cachedAnswer{
		Answer:        summary.Answer,
		Data:          rows,
		Confidence:    confidence,
		Lineage:       lineage,
		Visualization: summary.Visualization,
		Stats:         summary.Stats,
		ComputedAt:    s.now(),
	}, nil
}

// Status returns the tracked status of a query issued by companyID
func (s *Service) Status(ctx context.Context, companyID, queryID string) (*QueryStatus, error) {
	if companyID == "" {
		return nil, apperrors.NewMissingTenantError()
	}
	if strings.TrimSpace(queryID) == "" {
		return nil, apperrors.NewValidationError("query_id", "query id is required")
	}
	return s.statuses.Get(ctx, companyID, queryID)
}

// Catalog returns the catalog the service plans against
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

func (s *Service) setStatus(ctx context.Context, status *QueryStatus, state string, err error, cached bool, duration time.Duration) {
	status.State = state
	status.Cached = cached
	status.UpdatedAt = s.now()
	if duration > 0 {
		status.DurationMS = duration.Milliseconds()
	}
	if err != nil {
		status.ErrorKind = string(apperrors.KindOf(err))
		if e, ok := apperrors.As(err); ok {
			status.Error = e.Message
		} else {
			status.Error = "internal error"
		}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if uerr := s.statuses.Update(wctx, status); uerr != nil {
		s.logger.Warn(ctx, "Failed to update query status", map[string]interface{}{
			"query_id": status.ID,
			"state":    state,
			"error":    uerr.Error(),
		})
	}
}

func (s *Service) recordViolations(stage string, violations []guardrail.Violation) {
	for _, v := range violations {
		s.metrics.RecordViolation(stage, v.Rule, v.Blocked)
	}
}

// audit logs the full violation list of a stage
func (s *Service) audit(ctx context.Context, stage, question string, violations []guardrail.Violation) {
	s.logger.Warn(ctx, "Safety violations detected", map[string]interface{}{
		"stage":      stage,
		"question":   question,
		"violations": violations,
		"blocked":    len(guardrail.Result{Violations: violations}.Blocking()) > 0,
	})
}

func describe(violations []guardrail.Violation) []string {
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		out = append(out, fmt.Sprintf("%s (%s): %s", v.Rule, v.Severity, v.Evidence))
	}
	return out
}

// classifierError maps classifier failures to LLMProviderError
func classifierError(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewLLMProviderError(err, http.StatusGatewayTimeout)
	}
	return apperrors.NewLLMProviderError(err, 0)
}

// rejected reports whether err is a refusal rather than a failure
func rejected(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation, apperrors.KindSafety, apperrors.KindRateLimit, apperrors.KindAuth:
		return true
	}
	return false
}

// CacheTimeResolution is the bucket time bounds are truncated to in cache
// keys, so "this quarter" asked twice within an hour shares an entry
const CacheTimeResolution = time.Hour

// cacheFilters bind a cache entry to the verified query that produced it.
// Two callers share an answer only when they compiled to the same SQL and
// bindings.
func cacheFilters(q *sqlgen.GeneratedQuery) map[string]string {
	return map[string]string{
		"dialect": string(q.Dialect),
		"query":   q.Fingerprint(CacheTimeResolution),
	}
}
