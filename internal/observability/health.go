package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// HealthStatus is the state of one dependency or of the whole service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// DefaultHealthTTL is how long a probe result is reused
const DefaultHealthTTL = 5 * time.Second

// HealthCheck is the result of probing one dependency
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckFunc probes a dependency
type HealthCheckFunc func(context.Context) *HealthCheck

// HealthChecker runs registered probes and memoizes their results so that
// frequent /health polling does not hammer the analytical store or Redis.
type HealthChecker struct {
	mu      sync.Mutex
	checks  map[string]HealthCheckFunc
	results map[string]*HealthCheck
	ttl     time.Duration
	now     func() time.Time
}

// NewHealthChecker creates a checker with DefaultHealthTTL
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]HealthCheckFunc),
		results: make(map[string]*HealthCheck),
		ttl:     DefaultHealthTTL,
		now:     time.Now,
	}
}

// WithTTL sets how long results are reused. Zero probes on every call.
func (hc *HealthChecker) WithTTL(ttl time.Duration) *HealthChecker {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ttl = ttl
	return hc
}

// Register adds or replaces a probe
func (hc *HealthChecker) Register(name string, check HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
	delete(hc.results, name)
}

// Check returns a result for every probe. Stale probes run concurrently and
// outside the lock.
func (hc *HealthChecker) Check(ctx context.Context) map[string]*HealthCheck {
	hc.mu.Lock()
	now := hc.now()
	results := make(map[string]*HealthCheck, len(hc.checks))
	stale := make(map[string]HealthCheckFunc)
	for name, check := range hc.checks {
		if r, ok := hc.results[name]; ok && now.Sub(r.LastChecked) < hc.ttl {
			results[name] = r
			continue
		}
		stale[name] = check
	}
	hc.mu.Unlock()

	var (
		g       errgroup.Group
		freshMu sync.Mutex
	)
	for name, check := range stale {
		name, check := name, check
		g.Go(func() error {
			r := check(ctx)
			if r == nil {
				r = &HealthCheck{Status: HealthStatusUnhealthy, Message: "probe returned no result"}
			}
			if r.Name == "" {
				r.Name = name
			}
			r.LastChecked = hc.now()

			freshMu.Lock()
			results[name] = r
			freshMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	hc.mu.Lock()
	for name := range stale {
		if _, still := hc.checks[name]; still {
			hc.results[name] = results[name]
		}
	}
	hc.mu.Unlock()

	return results
}

// overallStatus is the worst status among checks
func overallStatus(checks map[string]*HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		switch check.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

// HealthResponse is the body served by /health
type HealthResponse struct {
	Status    HealthStatus            `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*HealthCheck `json:"checks"`
	Metadata  map[string]interface{}  `json:"metadata,omitempty"`
}

// GetHealthResponse probes every dependency and summarizes the result
func (hc *HealthChecker) GetHealthResponse(ctx context.Context) *HealthResponse {
	checks := hc.Check(ctx)
	return &HealthResponse{
		Status:    overallStatus(checks),
		Timestamp: hc.now(),
		Checks:    checks,
		Metadata:  map[string]interface{}{"service": "impact-query"},
	}
}

// PingHealthCheck wraps a ping. A failed ping reports failStatus, so
// dependencies the service can run without report degraded.
func PingHealthCheck(name string, timeout time.Duration, failStatus HealthStatus, ping func(context.Context) error) HealthCheckFunc {
	return func(ctx context.Context) *HealthCheck {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		err := ping(ctx)
		elapsed := time.Since(start)

		if err != nil {
			return &HealthCheck{
				Name:     name,
				Status:   failStatus,
				Message:  fmt.Sprintf("ping failed: %v", err),
				Duration: elapsed,
			}
		}
		return &HealthCheck{
			Name:     name,
			Status:   HealthStatusHealthy,
			Duration: elapsed,
			Metadata: map[string]interface{}{"response_time_ms": elapsed.Milliseconds()},
		}
	}
}

// DatabaseHealthCheck probes the analytical store. Without it no question
// can be answered.
func DatabaseHealthCheck(ping func(context.Context) error) HealthCheckFunc {
	return PingHealthCheck("database", 2*time.Second, HealthStatusUnhealthy, ping)
}

// RedisHealthCheck probes Redis. Quota and cache fail open, so an outage
// only degrades the service.
func RedisHealthCheck(ping func(context.Context) error) HealthCheckFunc {
	return PingHealthCheck("redis", 2*time.Second, HealthStatusDegraded, ping)
}

// BreakerHealthCheck reports a circuit breaker's state. Open is degraded:
// requests through it fail fast until the breaker half-opens.
func BreakerHealthCheck(name string, state func() gobreaker.State, counts func() gobreaker.Counts) HealthCheckFunc {
	return func(ctx context.Context) *HealthCheck {
		s := state()
		c := counts()
		check := &HealthCheck{
			Name:   name,
			Status: HealthStatusHealthy,
			Metadata: map[string]interface{}{
				"state":                s.String(),
				"consecutive_failures": c.ConsecutiveFailures,
			},
		}
		switch s {
		case gobreaker.StateOpen:
			check.Status = HealthStatusDegraded
			check.Message = "circuit open"
		case gobreaker.StateHalfOpen:
			check.Message = "circuit half-open"
		}
		return check
	}
}

// MemoryHealthCheck flags heap usage above 75% as degraded and above 90%
// as unhealthy
func MemoryHealthCheck(usage func() (used, total uint64)) HealthCheckFunc {
	return func(ctx context.Context) *HealthCheck {
		used, total := usage()
		var pct float64
		if total > 0 {
			pct = float64(used) / float64(total) * 100
		}

		check := &HealthCheck{
			Name:   "memory",
			Status: HealthStatusHealthy,
			Metadata: map[string]interface{}{
				"used_bytes":    used,
				"total_bytes":   total,
				"usage_percent": pct,
			},
		}
		switch {
		case pct > 90:
			check.Status = HealthStatusUnhealthy
			check.Message = "memory usage critical"
		case pct > 75:
			check.Status = HealthStatusDegraded
			check.Message = "memory usage high"
		}
		return check
	}
}
