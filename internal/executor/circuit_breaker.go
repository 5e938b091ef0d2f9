package executor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/sqlgen"
)

// CircuitBreakerConfig defines circuit breaker configuration for the executor
type CircuitBreakerConfig struct {
	MaxRequests   uint32        // Max requests allowed in half-open state
	Interval      time.Duration // Window for counting failures
	Timeout       time.Duration // Duration circuit stays open before trying recovery
	ReadyToTrip   func(counts gobreaker.Counts) bool
	OnStateChange func(name string, from gobreaker.State, to gobreaker.State)
}

// DefaultCircuitBreakerConfig provides sensible defaults for the analytical store
var DefaultCircuitBreakerConfig = CircuitBreakerConfig{
	MaxRequests: 1,
	Interval:    10 * time.Second,
	Timeout:     30 * time.Second,
	ReadyToTrip: func(counts gobreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 3 && (counts.ConsecutiveFailures >= 5 || failureRatio >= 0.6)
	},
}

// CircuitBreakerExecutor wraps an Executor with circuit breaker protection.
// Query timeouts and cancelled callers never count as failures.
type CircuitBreakerExecutor struct {
	executor Executor
	breaker  *gobreaker.CircuitBreaker
}

// NewCircuitBreakerExecutor creates a new circuit breaker wrapped executor
func NewCircuitBreakerExecutor(executor Executor, name string, config CircuitBreakerConfig, logger *observability.Logger) *CircuitBreakerExecutor {
	if logger == nil {
		logger = observability.NewLogger("executor")
	}
	onStateChange := config.OnStateChange
	if onStateChange == nil {
		onStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(context.Background(), "circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
	}

	settings := gobreaker.Settings{
		Name:          name,
		MaxRequests:   config.MaxRequests,
		Interval:      config.Interval,
		Timeout:       config.Timeout,
		ReadyToTrip:   config.ReadyToTrip,
		OnStateChange: onStateChange,
		IsSuccessful:  countsAsHealthy,
	}

	return &CircuitBreakerExecutor{
		executor: executor,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindQueryTimeout, apperrors.KindValidation:
		return true
	}
	return false
}

// Execute wraps the executor's Execute with circuit breaker protection
func (cb *CircuitBreakerExecutor) Execute(ctx context.Context, q *sqlgen.GeneratedQuery) ([]Row, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return cb.executor.Execute(ctx, q)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.NewDatabaseError(err, "execute").
				WithStatus(http.StatusServiceUnavailable).
				WithMetadata("circuit_state", cb.breaker.State().String())
		}
		return nil, err
	}

	return result.([]Row), nil
}

// Ping bypasses the breaker so health checks see the real store state
func (cb *CircuitBreakerExecutor) Ping(ctx context.Context) error {
	return cb.executor.Ping(ctx)
}

// Close closes the wrapped executor
func (cb *CircuitBreakerExecutor) Close() error {
	return cb.executor.Close()
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreakerExecutor) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the current failure counts
func (cb *CircuitBreakerExecutor) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}
