package observability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerOverallStatus(t *testing.T) {
	ctx := context.Background()
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name     string
		database func(context.Context) error
		redis    func(context.Context) error
		want     HealthStatus
	}{
		{"all healthy", ok, ok, HealthStatusHealthy},
		{"redis down degrades", ok, down, HealthStatusDegraded},
		{"database down is unhealthy", down, ok, HealthStatusUnhealthy},
		{"both down is unhealthy", down, down, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			hc.Register("database", DatabaseHealthCheck(tt.database))
			hc.Register("redis", RedisHealthCheck(tt.redis))

			resp := hc.GetHealthResponse(ctx)
			assert.Equal(t, tt.want, resp.Status)
			require.Len(t, resp.Checks, 2)
			assert.Equal(t, "impact-query", resp.Metadata["service"])
		})
	}
}

func TestHealthCheckerReusesFreshResults(t *testing.T) {
	ctx := context.Background()
	var calls int32
	probe := func(context.Context) *HealthCheck {
		atomic.AddInt32(&calls, 1)
		return &HealthCheck{Status: HealthStatusHealthy}
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hc := NewHealthChecker()
	hc.now = func() time.Time { return now }
	hc.Register("probe", probe)

	first := hc.Check(ctx)
	assert.Equal(t, "probe", first["probe"].Name)
	hc.Check(ctx)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	now = now.Add(DefaultHealthTTL)
	hc.Check(ctx)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	hc.WithTTL(0)
	hc.Check(ctx)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHealthCheckerNilProbeResult(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("broken", func(context.Context) *HealthCheck { return nil })

	resp := hc.GetHealthResponse(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, "broken", resp.Checks["broken"].Name)
}

func TestBreakerHealthCheck(t *testing.T) {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "classifier",
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
		Timeout:     time.Hour,
	})
	check := BreakerHealthCheck("classifier", cb.State, cb.Counts)

	result := check(context.Background())
	assert.Equal(t, HealthStatusHealthy, result.Status)
	assert.Equal(t, "closed", result.Metadata["state"])

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })

	result = check(context.Background())
	assert.Equal(t, HealthStatusDegraded, result.Status)
	assert.Equal(t, "open", result.Metadata["state"])
}

func TestMemoryHealthCheck(t *testing.T) {
	tests := []struct {
		used, total uint64
		want        HealthStatus
	}{
		{50, 100, HealthStatusHealthy},
		{80, 100, HealthStatusDegraded},
		{95, 100, HealthStatusUnhealthy},
		{10, 0, HealthStatusHealthy},
	}
	for _, tt := range tests {
		result := MemoryHealthCheck(func() (uint64, uint64) { return tt.used, tt.total })(context.Background())
		assert.Equal(t, tt.want, result.Status, "%d/%d", tt.used, tt.total)
	}
}
