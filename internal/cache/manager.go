package cache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seanankenbruck/impact-query/internal/config"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/observability"
)

const (
	defaultComputeLimit = 45 * time.Second
	storeWriteTimeout   = 2 * time.Second
)

// Cache result labels
const (
	ResultHit        = "hit"
	ResultMiss       = "miss"
	ResultShared     = "shared"
	ResultStoreError = "store_error"
	ResultDisabled   = "disabled"
)

// ComputeFunc produces the value for a missing key. The context it receives
// is detached from the caller and bounded by the manager's compute limit.
type ComputeFunc func(ctx context.Context) ([]byte, error)

type flightResult struct {
	value []byte
	hit   bool
}

// Manager fronts a Cache with per-key single flight. At most one computation
// per key runs at a time within the process; every concurrent caller for that
// key receives its result.
type Manager struct {
	cache        Cache
	group        singleflight.Group
	enabled      bool
	keyPrefix    string
	defaultTTL   time.Duration
	computeLimit time.Duration
	onStoreError string
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// Option configures a Manager
type Option func(*Manager)

// WithConfig applies the cache section of the service config
func WithConfig(cfg config.CacheConfig) Option {
	return func(m *Manager) {
		m.enabled = cfg.Enabled
		if cfg.KeyPrefix != "" {
			m.keyPrefix = cfg.KeyPrefix
		}
		if cfg.DefaultTTL > 0 {
			m.defaultTTL = cfg.DefaultTTL
		}
		if cfg.ComputeLimit > 0 {
			m.computeLimit = cfg.ComputeLimit
		}
		if cfg.OnStoreError != "" {
			m.onStoreError = cfg.OnStoreError
		}
	}
}

// WithOnStoreError sets the policy for store failures: config.OnStoreErrorSkip
// or config.OnStoreErrorFail
func WithOnStoreError(policy string) Option {
	return func(m *Manager) {
		m.onStoreError = policy
	}
}

// WithComputeLimit bounds how long a shared computation may run
func WithComputeLimit(d time.Duration) Option {
	return func(m *Manager) {
		m.computeLimit = d
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

// NewManager creates an enabled manager over c that skips store failures
func NewManager(c Cache, opts ...Option) *Manager {
	m := &Manager{
		cache:        c,
		enabled:      true,
		keyPrefix:    DefaultKeyPrefix,
		defaultTTL:   5 * time.Minute,
		computeLimit: defaultComputeLimit,
		onStoreError: config.OnStoreErrorSkip,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = observability.NewLogger("cache")
	}
	if m.metrics == nil {
		m.metrics = observability.NewNopMetrics()
	}
	return m
}

// Enabled reports whether answers are read from and written to the store
func (m *Manager) Enabled() bool {
	return m.enabled
}

// DefaultTTL is the lifetime applied when callers pass zero
func (m *Manager) DefaultTTL() time.Duration {
	return m.defaultTTL
}

// Key builds a tenant scoped key under the configured prefix
func (m *Manager) Key(question, tenantID string, filters map[string]string) string {
	return KeyWithPrefix(m.keyPrefix, question, tenantID, filters)
}

func (m *Manager) record(result string) {
	m.metrics.CacheResults.WithLabelValues(result).Inc()
}

// storeFailure applies the store error policy. A nil return means carry on
// without the cache.
func (m *Manager) storeFailure(ctx context.Context, op string, key string, err error, code apperrors.ErrorCode) error {
	m.record(ResultStoreError)
	if m.onStoreError == config.OnStoreErrorFail {
		return apperrors.NewCacheError(err, code).WithMetadata("key", key)
	}
	m.metrics.RecordFailOpen("cache")
	m.logger.Warn(ctx, "cache store unavailable, continuing without cache", map[string]interface{}{
		"operation": op,
		"key":       key,
		"error":     err.Error(),
	})
	return nil
}

// GetOrCompute returns the cached value for key or computes, stores and
// returns it. hit reports whether the value came from the store.
//
// Callers that join an in-flight computation wait for it, but each waiter
// returns early with its own context error if that context ends first. The
// computation itself runs on a context detached from the first caller so a
// disconnect does not fail the other waiters. Errors are never cached.
func (m *Manager) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) ([]byte, bool, error) {
	if !m.enabled {
		m.record(ResultDisabled)
		cctx, cancel := context.WithTimeout(ctx, m.computeLimit)
		defer cancel()
		v, err := fn(cctx)
		return v, false, err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	v, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		if ferr := m.storeFailure(ctx, "get", key, err, apperrors.ErrCodeCacheRead); ferr != nil {
			return nil, false, ferr
		}
	} else if ok {
		m.record(ResultHit)
		return v, true, nil
	}

	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.compute(ctx, key, ttl, fn)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(flightResult)
		switch {
		case r.hit:
			m.record(ResultHit)
		case res.Shared:
			m.record(ResultShared)
		default:
			m.record(ResultMiss)
		}
		return r.value, r.hit, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// compute runs inside the flight. It re-checks the store so a caller that
// arrives just after a flight finished reuses the stored value.
func (m *Manager) compute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) (res flightResult, err error) {
	defer m.group.Forget(key)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("answer computation panicked: %v", r)
			m.logger.Error(ctx, "answer computation panicked", err, map[string]interface{}{"key": key})
		}
	}()

	detached := context.WithoutCancel(ctx)
	if v, ok, gerr := m.cache.Get(detached, key); gerr == nil && ok {
		return flightResult{value: v, hit: true}, nil
	}

	cctx, cancel := context.WithTimeout(detached, m.computeLimit)
	defer cancel()

	v, err := fn(cctx)
	if err != nil {
		return flightResult{}, err
	}

	wctx, wcancel := context.WithTimeout(detached, storeWriteTimeout)
	defer wcancel()
	if serr := m.cache.Set(wctx, key, v, ttl); serr != nil {
		if ferr := m.storeFailure(ctx, "set", key, serr, apperrors.ErrCodeCacheWrite); ferr != nil {
			return flightResult{}, ferr
		}
	}
	return flightResult{value: v}, nil
}

// Invalidate drops every cached answer for a tenant
func (m *Manager) Invalidate(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, apperrors.NewValidationError("tenant_id", "tenant is required")
	}
	n, err := m.cache.DeletePrefix(ctx, TenantPrefix(m.keyPrefix, tenantID))
	if err != nil {
		return n, apperrors.NewCacheError(err, apperrors.ErrCodeCacheWrite).WithMetadata("company_id", tenantID)
	}
	m.logger.Info(ctx, "invalidated cached answers", map[string]interface{}{
		"company_id": tenantID,
		"deleted":    n,
	})
	return n, nil
}

// Ping checks the backing store
func (m *Manager) Ping(ctx context.Context) error {
	return m.cache.Ping(ctx)
}

// Close releases the backing store
func (m *Manager) Close() error {
	return m.cache.Close()
}
