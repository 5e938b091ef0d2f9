package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seanankenbruck/impact-query/internal/config"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/rls"
)

const releaseTimeout = 2 * time.Second

// Remaining is what is left of each tier
type Remaining struct {
	Daily      int64 `json:"daily"`
	Hourly     int64 `json:"hourly"`
	Concurrent int64 `json:"concurrent"`
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Tier      string    `json:"tier,omitempty"`
	Remaining Remaining `json:"remaining"`
	Limits    Limits    `json:"limits"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
	// FailOpen is set when the store could not be consulted and the request
	// was admitted by policy
	FailOpen bool `json:"fail_open,omitempty"`
}

// Err returns a RateLimitError for a rejected decision
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperrors.NewRateLimitError(d.Tier, d.ResetAt, map[string]int64{
		TierDaily:      d.Remaining.Daily,
		TierHourly:     d.Remaining.Hourly,
		TierConcurrent: d.Remaining.Concurrent,
	})
}

// RetryAfter is the wait until the exceeded tier resets, at least one second
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}

// QuotaUpdate is an admin override for one company. A nil limit leaves the
// role default in place and zero suspends the tier. A zero ExpiresAt makes
// the override permanent.
type QuotaUpdate struct {
	CompanyID       string    `json:"company_id"`
	DailyLimit      *int64    `json:"daily_limit,omitempty"`
	HourlyLimit     *int64    `json:"hourly_limit,omitempty"`
	ConcurrentLimit *int64    `json:"concurrent_limit,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// Limit returns a pointer to n for QuotaUpdate fields
func Limit(n int64) *int64 {
	return &n
}

// storedOverride maps an update field to its stored override value
func storedOverride(limit *int64) int64 {
	switch {
	case limit == nil:
		return 0
	case *limit == 0:
		return SuspendedLimit
	}
	return *limit
}

// BulkResult is the per-company outcome of BulkUpdate
type BulkResult struct {
	CompanyID string       `json:"company_id"`
	Quota     *QuotaRecord `json:"quota,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Manager applies quota policy on top of a Store
type Manager struct {
	store        Store
	onStoreError string
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithOnStoreError sets the policy for store failures: config.OnStoreErrorAdmit
// or config.OnStoreErrorReject
func WithOnStoreError(policy string) Option {
	return func(m *Manager) {
		m.onStoreError = policy
	}
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager over store. Store failures admit requests
// unless configured otherwise.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		onStoreError: config.OnStoreErrorAdmit,
		logger:       observability.NewLogger("quota"),
		metrics:      observability.NewNopMetrics(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the backing store
func (m *Manager) Store() Store {
	return m.store
}

func newRecord(companyID, role string, now time.Time) *QuotaRecord {
	limits := rls.DefaultLimits(role)
	return &QuotaRecord{
		CompanyID:       companyID,
		Role:            role,
		DailyLimit:      limits.QueriesPerDay,
		DailyResetAt:    now.Add(DailyPeriod),
		HourlyLimit:     limits.QueriesPerHour,
		HourlyResetAt:   now.Add(HourlyPeriod),
		ConcurrentLimit: limits.Concurrent,
	}
}

// current brings a stored record up to date: counters whose reset time has
// passed are rolled and expired overrides are cleared.
func (m *Manager) current(ctx context.Context, rec *QuotaRecord) (*QuotaRecord, error) {
	now := m.now()

	if rec.HasOverride() && !rec.OverrideActive(now) {
		if err := m.store.SetLimits(ctx, rec.CompanyID, Limits{}); err != nil {
			return nil, err
		}
		m.logger.Info(ctx, "Quota override expired", map[string]interface{}{
			"company_id": rec.CompanyID,
			"expired_at": rec.ExpiresAt,
		})
		rec.OverrideDailyLimit, rec.OverrideHourlyLimit, rec.OverrideConcurrentLimit = 0, 0, 0
		rec.ExpiresAt = time.Time{}
	}

	var err error
	if !now.Before(rec.DailyResetAt) {
		if rec.DailyUsed, rec.DailyResetAt, err = m.store.Roll(ctx, rec.CompanyID, TierDaily, DailyPeriod, now); err != nil {
			return nil, err
		}
	}
	if !now.Before(rec.HourlyResetAt) {
		if rec.HourlyUsed, rec.HourlyResetAt, err = m.store.Roll(ctx, rec.CompanyID, TierHourly, HourlyPeriod, now); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// load returns the up to date record for the caller's company, creating it
// from the caller's role tier on first use.
func (m *Manager) load(ctx context.Context, scope *rls.RLSContext) (*QuotaRecord, error) {
	rec, err := m.store.Get(ctx, scope.CompanyID)
	if errors.Is(err, ErrNotFound) {
		rec, err = m.store.Init(ctx, newRecord(scope.CompanyID, scope.Role, m.now()))
	}
	if err != nil {
		return nil, err
	}
	return m.current(ctx, rec)
}

func (m *Manager) storeFailure(ctx context.Context, op string, err error) error {
	fields := map[string]interface{}{
		"operation": op,
		"policy":    m.onStoreError,
	}
	if m.onStoreError == config.OnStoreErrorReject {
		m.logger.Error(ctx, "Quota store unavailable, rejecting request", err, fields)
		return apperrors.NewDatabaseError(err, "quota "+op)
	}
	m.logger.Error(ctx, "Quota store unavailable, admitting request", err, fields)
	m.metrics.RecordFailOpen("quota")
	return nil
}

func decide(rec *QuotaRecord, now time.Time) Decision {
	limits := rec.Limits(now)
	d := Decision{
		Allowed: true,
		Limits:  limits,
		Remaining: Remaining{
			Daily:      max(0, limits.Daily-rec.DailyUsed),
			Hourly:     max(0, limits.Hourly-rec.HourlyUsed),
			Concurrent: max(0, limits.Concurrent-rec.ConcurrentUsed),
		},
	}
	switch {
	case rec.DailyUsed >= limits.Daily:
		d.Allowed, d.Tier, d.ResetAt = false, TierDaily, rec.DailyResetAt
	case rec.HourlyUsed >= limits.Hourly:
		d.Allowed, d.Tier, d.ResetAt = false, TierHourly, rec.HourlyResetAt
	}
	return d
}

// Check decides whether the caller's company may run another query. It does
// not consume quota; Record does that once the request has been served.
func (m *Manager) Check(ctx context.Context, scope *rls.RLSContext) (Decision, error) {
	rec, err := m.load(ctx, scope)
	if err != nil {
		if ferr := m.storeFailure(ctx, "check", err); ferr != nil {
			return Decision{}, ferr
		}
		return Decision{Allowed: true, FailOpen: true}, nil
	}

	d := decide(rec, m.now())
	if !d.Allowed {
		m.metrics.QuotaRejections.WithLabelValues(d.Tier).Inc()
		m.logger.Warn(ctx, "Quota exceeded", map[string]interface{}{
			"company_id": scope.CompanyID,
			"tier":       d.Tier,
			"reset_at":   d.ResetAt,
		})
	}
	return d, nil
}

// Begin takes a concurrent slot for the caller's company. The returned
// release func frees it exactly once, however many times it is called, and
// is safe to defer on every exit path.
func (m *Manager) Begin(ctx context.Context, scope *rls.RLSContext) (func(), Decision, error) {
	noop := func() {}

	rec, err := m.load(ctx, scope)
	if err != nil {
		if ferr := m.storeFailure(ctx, "begin", err); ferr != nil {
			return noop, Decision{}, ferr
		}
		return noop, Decision{Allowed: true, FailOpen: true}, nil
	}

	now := m.now()
	d := decide(rec, now)
	d.Allowed, d.Tier, d.ResetAt = true, "", time.Time{}

	// Stores treat a non-positive limit as unbounded; only a suspended
	// override produces one here.
	acquired, used := false, rec.ConcurrentUsed
	if d.Limits.Concurrent > 0 {
		acquired, used, err = m.store.AcquireConcurrent(ctx, scope.CompanyID, d.Limits.Concurrent)
		if err != nil {
			if ferr := m.storeFailure(ctx, "begin", err); ferr != nil {
				return noop, Decision{}, ferr
			}
			d.FailOpen = true
			return noop, d, nil
		}
	}
	d.Remaining.Concurrent = max(0, d.Limits.Concurrent-used)
	if !acquired {
		d.Allowed, d.Tier, d.ResetAt = false, TierConcurrent, now.Add(time.Second)
		m.metrics.QuotaRejections.WithLabelValues(TierConcurrent).Inc()
		m.logger.Warn(ctx, "Concurrent query limit reached", map[string]interface{}{
			"company_id": scope.CompanyID,
			"limit":      d.Limits.Concurrent,
		})
		return noop, d, d.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The request context may already be cancelled by a disconnect.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := m.store.ReleaseConcurrent(rctx, scope.CompanyID); err != nil {
				m.logger.Error(rctx, "Failed to release concurrent slot", err, map[string]interface{}{
					"company_id": scope.CompanyID,
				})
			}
		})
	}
	return release, d, nil
}

// Record counts one served query against the daily and hourly tiers
func (m *Manager) Record(ctx context.Context, companyID string) error {
	now := m.now()
	if _, _, err := m.store.Increment(ctx, companyID, TierDaily, DailyPeriod, now); err != nil {
		return fmt.Errorf("failed to record daily usage: %w", err)
	}
	if _, _, err := m.store.Increment(ctx, companyID, TierHourly, HourlyPeriod, now); err != nil {
		return fmt.Errorf("failed to record hourly usage: %w", err)
	}
	return nil
}

// GetQuota returns the current quota of a company
func (m *Manager) GetQuota(ctx context.Context, companyID string) (*QuotaRecord, error) {
	rec, err := m.store.Get(ctx, companyID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.NewQuotaNotFoundError(companyID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError(err, "get quota")
	}
	rec, err = m.current(ctx, rec)
	if err != nil {
		return nil, apperrors.NewDatabaseError(err, "get quota")
	}
	return rec, nil
}

func validateUpdate(u QuotaUpdate, now time.Time) error {
	if u.CompanyID == "" {
		return apperrors.NewMissingTenantError()
	}
	for _, l := range []*int64{u.DailyLimit, u.HourlyLimit, u.ConcurrentLimit} {
		if l != nil && *l < 0 {
			return apperrors.NewValidationError("limits", "limits cannot be negative")
		}
	}
	if !u.ExpiresAt.IsZero() && !u.ExpiresAt.After(now) {
		return apperrors.NewValidationError("expires_at", "expiry must be in the future")
	}
	return nil
}

// UpdateQuota replaces the override limits of a company, creating its record
// with viewer defaults if it has never queried.
func (m *Manager) UpdateQuota(ctx context.Context, u QuotaUpdate) (*QuotaRecord, error) {
	now := m.now()
	if err := validateUpdate(u, now); err != nil {
		return nil, err
	}

	if _, err := m.store.Get(ctx, u.CompanyID); errors.Is(err, ErrNotFound) {
		if _, err := m.store.Init(ctx, newRecord(u.CompanyID, rls.RoleViewer, now)); err != nil {
			return nil, apperrors.NewDatabaseError(err, "init quota")
		}
	} else if err != nil {
		return nil, apperrors.NewDatabaseError(err, "get quota")
	}

	overrides := Limits{
		Daily:      storedOverride(u.DailyLimit),
		Hourly:     storedOverride(u.HourlyLimit),
		Concurrent: storedOverride(u.ConcurrentLimit),
		ExpiresAt:  u.ExpiresAt.UTC(),
	}
	if err := m.store.SetLimits(ctx, u.CompanyID, overrides); err != nil {
		return nil, apperrors.NewDatabaseError(err, "update quota")
	}

	m.logger.Info(ctx, "Quota updated", map[string]interface{}{
		"company_id": u.CompanyID,
		"daily":      overrides.Daily,
		"hourly":     overrides.Hourly,
		"concurrent": overrides.Concurrent,
		"expires_at": u.ExpiresAt,
	})
	return m.GetQuota(ctx, u.CompanyID)
}

// ResetQuota sets usage of tier (daily, hourly, concurrent or all) to zero.
// Resetting an already reset tier is a no-op.
func (m *Manager) ResetQuota(ctx context.Context, companyID, tier string) (*QuotaRecord, error) {
	if tier == "" {
		tier = TierAll
	}
	var tiers []string
	switch tier {
	case TierDaily, TierHourly, TierConcurrent:
		tiers = []string{tier}
	case TierAll:
		tiers = []string{TierDaily, TierHourly, TierConcurrent}
	default:
		return nil, apperrors.NewValidationError("tier", fmt.Sprintf("unknown tier %q", tier))
	}

	now := m.now()
	for _, t := range tiers {
		next := time.Time{}
		switch t {
		case TierDaily:
			next = now.Add(DailyPeriod)
		case TierHourly:
			next = now.Add(HourlyPeriod)
		}
		err := m.store.Reset(ctx, companyID, t, next)
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NewQuotaNotFoundError(companyID)
		}
		if err != nil {
			return nil, apperrors.NewDatabaseError(err, "reset quota")
		}
	}

	m.logger.Info(ctx, "Quota reset", map[string]interface{}{
		"company_id": companyID,
		"tier":       tier,
	})
	return m.GetQuota(ctx, companyID)
}

// BulkUpdate applies each update independently and reports per company
func (m *Manager) BulkUpdate(ctx context.Context, updates []QuotaUpdate) []BulkResult {
	results := make([]BulkResult, 0, len(updates))
	for _, u := range updates {
		rec, err := m.UpdateQuota(ctx, u)
		res := BulkResult{CompanyID: u.CompanyID, Quota: rec}
		if err != nil {
			if e, ok := apperrors.As(err); ok {
				res.Error = e.Message
				if e.Details != "" {
					res.Error += ": " + e.Details
				}
			} else {
				res.Error = err.Error()
			}
		}
		results = append(results, res)
	}
	return results
}
