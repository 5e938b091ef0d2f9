package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
)

func setupStatusRedis(t *testing.T) (*miniredis.Miniredis, *RedisStatusStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStatusStore(client, time.Hour)
	t.Cleanup(func() { store.Close() })
	return mr, store
}

func exerciseStatusStore(t *testing.T, store StatusStore) {
	ctx := context.Background()
	status := &QueryStatus{
		ID:        "q-1",
		CompanyID: "acme",
		Question:  "How many events were held this year?",
		State:     StatePending,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}

	require.NoError(t, store.Create(ctx, status))

	err := store.Create(ctx, status)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))

	status.State = StateCompleted
	status.DurationMS = 42
	require.NoError(t, store.Update(ctx, status))

	got, err := store.Get(ctx, "acme", "q-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, int64(42), got.DurationMS)
	assert.True(t, got.CreatedAt.Equal(fixedNow))

	_, err = store.Get(ctx, "globex", "q-1")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	err = store.Update(ctx, &QueryStatus{ID: "q-missing", CompanyID: "acme"})
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	require.NoError(t, store.Create(ctx, &QueryStatus{ID: "q-1", CompanyID: "globex", State: StatePending}))

	assert.NoError(t, store.Ping(ctx))
}

func TestRedisStatusStore(t *testing.T) {
	_, store := setupStatusRedis(t)
	exerciseStatusStore(t, store)
}

func TestMemoryStatusStore(t *testing.T) {
	exerciseStatusStore(t, NewMemoryStatusStore(time.Hour))
}

func TestRedisStatusStoreExpiry(t *testing.T) {
	mr, store := setupStatusRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &QueryStatus{ID: "q-1", CompanyID: "acme", State: StatePending}))
	assert.Equal(t, time.Hour, mr.TTL(statusKey("acme", "q-1")))

	mr.FastForward(2 * time.Hour)
	_, err := store.Get(ctx, "acme", "q-1")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	// an expired id can be reused
	assert.NoError(t, store.Create(ctx, &QueryStatus{ID: "q-1", CompanyID: "acme", State: StatePending}))
}

func TestMemoryStatusStoreExpiry(t *testing.T) {
	store := NewMemoryStatusStore(time.Minute)
	now := fixedNow
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &QueryStatus{ID: "q-1", CompanyID: "acme", State: StatePending}))

	now = now.Add(30 * time.Second)
	require.NoError(t, store.Update(ctx, &QueryStatus{ID: "q-1", CompanyID: "acme", State: StateRunning}))

	// updates refresh the expiry
	now = now.Add(45 * time.Second)
	got, err := store.Get(ctx, "acme", "q-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)

	now = now.Add(time.Minute)
	_, err = store.Get(ctx, "acme", "q-1")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestQueryStatusTerminal(t *testing.T) {
	for state, terminal := range map[string]bool{
		StatePending:   false,
		StateRunning:   false,
		StateCompleted: true,
		StateFailed:    true,
		StateRejected:  true,
	} {
		assert.Equal(t, terminal, (&QueryStatus{State: state}).Terminal(), state)
	}
}
