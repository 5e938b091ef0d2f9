package quota

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/impact-query/internal/config"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/rls"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, time.May, 15, 12, 0, 0, 0, time.UTC)}
}

func quietLogger() *observability.Logger {
	return observability.NewLogger("quota-test").WithOutput(io.Discard)
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "")
	t.Cleanup(func() { store.Close() })
	return store
}

// forEachStore runs fn against every Store implementation
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisStore(t)) })
}

func scope(t *testing.T, company, role string) *rls.RLSContext {
	t.Helper()
	ctx, err := rls.Build(company, "user-1", role)
	require.NoError(t, err)
	return ctx
}

func TestCheckCreatesRecordLazily(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		clk := newClock()
		m := NewManager(store, WithClock(clk.Now), WithLogger(quietLogger()))
		ctx := context.Background()

		d, err := m.Check(ctx, scope(t, "acme", rls.RoleAnalyst))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, Remaining{Daily: 2000, Hourly: 200, Concurrent: 5}, d.Remaining)

		rec, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, rls.RoleAnalyst, rec.Role)
		assert.Equal(t, int64(2000), rec.DailyLimit)
		assert.Equal(t, clk.Now().Add(DailyPeriod), rec.DailyResetAt)
		assert.Equal(t, clk.Now().Add(HourlyPeriod), rec.HourlyResetAt)
	})
}

func TestDailyQuotaStateMachine(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		clk := newClock()
		m := NewManager(store, WithClock(clk.Now), WithLogger(quietLogger()))
		ctx := context.Background()
		caller := scope(t, "acme", rls.RoleCompanyAdmin)

		resetAt := clk.Now().Add(6 * time.Hour)
		_, err := store.Init(ctx, &QuotaRecord{
			CompanyID:       "acme",
			Role:            rls.RoleCompanyAdmin,
			DailyUsed:       500,
			DailyLimit:      500,
			DailyResetAt:    resetAt,
			HourlyLimit:     100,
			HourlyResetAt:   clk.Now().Add(30 * time.Minute),
			ConcurrentLimit: 10,
		})
		require.NoError(t, err)

		d, err := m.Check(ctx, caller)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, TierDaily, d.Tier)
		assert.Equal(t, int64(0), d.Remaining.Daily)
		assert.True(t, d.ResetAt.After(clk.Now()))
		assert.Equal(t, 6*time.Hour, d.RetryAfter(clk.Now()))

		e, ok := apperrors.As(d.Err())
		require.True(t, ok)
		assert.Equal(t, apperrors.KindRateLimit, e.Kind)
		assert.Equal(t, TierDaily, e.Metadata["tier"])

		clk.Advance(6*time.Hour + time.Minute)

		d, err = m.Check(ctx, caller)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		require.NoError(t, m.Record(ctx, "acme"))

		rec, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.DailyUsed)
		assert.Equal(t, resetAt.Add(DailyPeriod), rec.DailyResetAt)
	})
}

func TestResetAdvancesByWholePeriods(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		clk := newClock()
		ctx := context.Background()
		start := clk.Now()

		_, err := store.Init(ctx, newRecord("acme", rls.RoleViewer, start))
		require.NoError(t, err)
		_, _, err = store.Increment(ctx, "acme", TierHourly, HourlyPeriod, start)
		require.NoError(t, err)

		later := start.Add(3*time.Hour + 20*time.Minute)
		used, resetAt, err := store.Roll(ctx, "acme", TierHourly, HourlyPeriod, later)
		require.NoError(t, err)
		assert.Equal(t, int64(0), used)
		assert.Equal(t, start.Add(4*time.Hour), resetAt)
	})
}

func TestHourlyQuota(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		clk := newClock()
		m := NewManager(store, WithClock(clk.Now), WithLogger(quietLogger()))
		ctx := context.Background()
		caller := scope(t, "acme", rls.RoleViewer)

		for i := 0; i < 50; i++ {
			d, err := m.Check(ctx, caller)
			require.NoError(t, err)
			require.True(t, d.Allowed, "request %d", i+1)
			require.NoError(t, m.Record(ctx, "acme"))
		}

		d, err := m.Check(ctx, caller)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, TierHourly, d.Tier)
		assert.Equal(t, int64(450), d.Remaining.Daily)
	})
}

func TestRecordIsAtomic(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		m := NewManager(store, WithLogger(quietLogger()))
		ctx := context.Background()
		_, err := m.Check(ctx, scope(t, "acme", rls.RoleAnalyst))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, m.Record(ctx, "acme"))
			}()
		}
		wg.Wait()

		rec, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(40), rec.DailyUsed)
		assert.Equal(t, int64(40), rec.HourlyUsed)
	})
}

func TestBeginConcurrentSlots(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		m := NewManager(store, WithLogger(quietLogger()))
		ctx := context.Background()
		caller := scope(t, "acme", rls.RoleViewer)

		release1, d, err := m.Begin(ctx, caller)
		require.NoError(t, err)
		assert.Equal(t, int64(1), d.Remaining.Concurrent)

		release2, _, err := m.Begin(ctx, caller)
		require.NoError(t, err)

		_, d, err = m.Begin(ctx, caller)
		require.Error(t, err)
		assert.Equal(t, apperrors.KindRateLimit, apperrors.KindOf(err))
		assert.Equal(t, TierConcurrent, d.Tier)
		assert.False(t, d.Allowed)

		release1()
		release1()

		rec, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.ConcurrentUsed, "release is idempotent")

		cancelled, cancel := context.WithCancel(ctx)
		release3, _, err := m.Begin(cancelled, caller)
		require.NoError(t, err)
		cancel()
		release3()
		release2()

		rec, err = store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(0), rec.ConcurrentUsed)
	})
}

func TestBeginUnderContention(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		m := NewManager(store, WithLogger(quietLogger()))
		ctx := context.Background()
		caller := scope(t, "acme", rls.RoleAnalyst)
		_, err := m.Check(ctx, caller)
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
			releases []func()
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, _, err := m.Begin(ctx, caller)
				if err == nil {
					mu.Lock()
					admitted++
					releases = append(releases, release)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 5, admitted)

		for _, release := range releases {
			release()
		}
		rec, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(0), rec.ConcurrentUsed)
	})
}

type brokenStore struct {
	*MemoryStore
}

func (brokenStore) Get(ctx context.Context, companyID string) (*QuotaRecord, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestStoreFailurePolicy(t *testing.T) {
	ctx := context.Background()
	caller := scope(t, "acme", rls.RoleAnalyst)

	t.Run("admit", func(t *testing.T) {
		metrics := observability.NewNopMetrics()
		m := NewManager(brokenStore{NewMemoryStore()}, WithLogger(quietLogger()), WithMetrics(metrics))

		d, err := m.Check(ctx, caller)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.FailOpen)

		release, d, err := m.Begin(ctx, caller)
		require.NoError(t, err)
		assert.True(t, d.FailOpen)
		release()
	})

	t.Run("reject", func(t *testing.T) {
		m := NewManager(brokenStore{NewMemoryStore()}, WithLogger(quietLogger()),
			WithOnStoreError(config.OnStoreErrorReject))

		_, err := m.Check(ctx, caller)
		require.Error(t, err)
		assert.Equal(t, apperrors.KindDatabase, apperrors.KindOf(err))

		_, _, err = m.Begin(ctx, caller)
		assert.Error(t, err)
	})
}

func TestResetQuotaIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		m := NewManager(store, WithLogger(quietLogger()))
		ctx := context.Background()
		caller := scope(t, "acme", rls.RoleAnalyst)

		_, err := m.Check(ctx, caller)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, m.Record(ctx, "acme"))
		}

		for i := 0; i < 2; i++ {
			rec, err := m.ResetQuota(ctx, "acme", "")
			require.NoError(t, err)
			assert.Equal(t, int64(0), rec.DailyUsed)
			assert.Equal(t, int64(0), rec.HourlyUsed)
			assert.Equal(t, int64(0), rec.ConcurrentUsed)
		}

		_, err = m.ResetQuota(ctx, "acme", "weekly")
		assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

		_, err = m.ResetQuota(ctx, "unknown-co", TierDaily)
		assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	})
}

func TestUpdateQuotaOverrides(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		clk := newClock()
		m := NewManager(store, WithClock(clk.Now), WithLogger(quietLogger()))
		ctx := context.Background()

		rec, err := m.UpdateQuota(ctx, QuotaUpdate{
			CompanyID:  "globex",
			DailyLimit: Limit(10),
			ExpiresAt:  clk.Now().Add(2 * time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, rls.RoleViewer, rec.Role)
		assert.Equal(t, int64(10), rec.Limits(clk.Now()).Daily)
		assert.Equal(t, int64(50), rec.Limits(clk.Now()).Hourly, "unset tiers keep the role default")

		d, err := m.Check(ctx, scope(t, "globex", rls.RoleViewer))
		require.NoError(t, err)
		assert.Equal(t, int64(10), d.Remaining.Daily)

		clk.Advance(3 * time.Hour)

		rec, err = m.GetQuota(ctx, "globex")
		require.NoError(t, err)
		assert.False(t, rec.HasOverride())
		assert.Equal(t, int64(500), rec.Limits(clk.Now()).Daily)

		stored, err := store.Get(ctx, "globex")
		require.NoError(t, err)
		assert.Equal(t, int64(0), stored.OverrideDailyLimit, "expired override is cleared in the store")
	})
}

func TestUpdateQuotaZeroSuspendsTier(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		clk := newClock()
		m := NewManager(store, WithClock(clk.Now), WithLogger(quietLogger()))
		ctx := context.Background()
		caller := scope(t, "globex", rls.RoleViewer)

		rec, err := m.UpdateQuota(ctx, QuotaUpdate{CompanyID: "globex", DailyLimit: Limit(0)})
		require.NoError(t, err)
		assert.Equal(t, SuspendedLimit, rec.OverrideDailyLimit)
		assert.Equal(t, int64(0), rec.Limits(clk.Now()).Daily)
		assert.Equal(t, int64(50), rec.Limits(clk.Now()).Hourly)

		d, err := m.Check(ctx, caller)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, TierDaily, d.Tier)
		assert.Equal(t, int64(0), d.Remaining.Daily)

		t.Run("concurrent", func(t *testing.T) {
			_, err := m.UpdateQuota(ctx, QuotaUpdate{CompanyID: "globex", ConcurrentLimit: Limit(0)})
			require.NoError(t, err)

			d, err := m.Check(ctx, caller)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "daily override was replaced")

			release, d, err := m.Begin(ctx, caller)
			release()
			assert.Equal(t, apperrors.KindRateLimit, apperrors.KindOf(err))
			assert.Equal(t, TierConcurrent, d.Tier)

			stored, err := store.Get(ctx, "globex")
			require.NoError(t, err)
			assert.Equal(t, int64(0), stored.ConcurrentUsed)
		})

		t.Run("omitted limits clear the suspension", func(t *testing.T) {
			rec, err := m.UpdateQuota(ctx, QuotaUpdate{CompanyID: "globex"})
			require.NoError(t, err)
			assert.False(t, rec.HasOverride())

			release, d, err := m.Begin(ctx, caller)
			require.NoError(t, err)
			defer release()
			assert.True(t, d.Allowed)
		})

		t.Run("suspension expires", func(t *testing.T) {
			_, err := m.UpdateQuota(ctx, QuotaUpdate{
				CompanyID:  "globex",
				DailyLimit: Limit(0),
				ExpiresAt:  clk.Now().Add(time.Hour),
			})
			require.NoError(t, err)

			d, err := m.Check(ctx, caller)
			require.NoError(t, err)
			assert.False(t, d.Allowed)

			clk.Advance(2 * time.Hour)
			d, err = m.Check(ctx, caller)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	})
}

func TestUpdateQuotaValidation(t *testing.T) {
	clk := newClock()
	m := NewManager(NewMemoryStore(), WithClock(clk.Now), WithLogger(quietLogger()))
	ctx := context.Background()

	_, err := m.UpdateQuota(ctx, QuotaUpdate{CompanyID: "acme", DailyLimit: Limit(-1)})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = m.UpdateQuota(ctx, QuotaUpdate{CompanyID: "acme", DailyLimit: Limit(5), ExpiresAt: clk.Now().Add(-time.Minute)})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = m.UpdateQuota(ctx, QuotaUpdate{DailyLimit: Limit(5)})
	assert.Equal(t, apperrors.ErrCodeMissingTenant, err.(*apperrors.EnhancedError).Code)
}

func TestBulkUpdate(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithLogger(quietLogger()))

	results := m.BulkUpdate(context.Background(), []QuotaUpdate{
		{CompanyID: "acme", DailyLimit: Limit(100)},
		{CompanyID: "globex", HourlyLimit: Limit(-5)},
		{CompanyID: "initech", ConcurrentLimit: Limit(1)},
	})

	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, int64(100), results[0].Quota.OverrideDailyLimit)
	assert.NotEmpty(t, results[1].Error)
	assert.Nil(t, results[1].Quota)
	assert.Empty(t, results[2].Error)
	assert.Equal(t, int64(1), results[2].Quota.OverrideConcurrentLimit)
}

func TestGetQuotaNotFound(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithLogger(quietLogger()))
	_, err := m.GetQuota(context.Background(), "nobody")
	e, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeQuotaNotFound, e.Code)
}
