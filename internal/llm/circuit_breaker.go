package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/planner"
)

// CircuitBreakerConfig defines circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests   uint32        // Max requests allowed in half-open state
	Interval      time.Duration // Window for counting failures
	Timeout       time.Duration // Duration circuit stays open before trying recovery
	ReadyToTrip   func(counts gobreaker.Counts) bool
	OnStateChange func(name string, from gobreaker.State, to gobreaker.State)
}

// DefaultCircuitBreakerConfig opens after five consecutive provider
// failures, or a 60% failure ratio over at least three calls
var DefaultCircuitBreakerConfig = CircuitBreakerConfig{
	MaxRequests: 1,
	Interval:    10 * time.Second,
	Timeout:     30 * time.Second,
	ReadyToTrip: func(counts gobreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 3 && (counts.ConsecutiveFailures >= 5 || failureRatio >= 0.6)
	},
}

// CircuitBreakerClassifier wraps a Classifier with circuit breaker protection
type CircuitBreakerClassifier struct {
	classifier Classifier
	breaker    *gobreaker.CircuitBreaker
}

// NewCircuitBreakerClassifier wraps classifier. Only retryable failures
// count toward opening the circuit; 4xx replies do not.
func NewCircuitBreakerClassifier(classifier Classifier, name string, config CircuitBreakerConfig, logger *observability.Logger) *CircuitBreakerClassifier {
	if logger == nil {
		logger = observability.NewLogger("classifier")
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
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if e, ok := apperrors.As(err); ok {
				return !e.Retryable()
			}
			return !isRetryableError(err)
		},
	}

	return &CircuitBreakerClassifier{
		classifier: classifier,
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

// Classify wraps the classifier's Classify with circuit breaker protection
func (cb *CircuitBreakerClassifier) Classify(ctx context.Context, question, tenantID string) (*planner.Intent, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return cb.classifier.Classify(ctx, question, tenantID)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.NewLLMProviderError(err, http.StatusServiceUnavailable).
				WithMetadata("circuit_state", cb.breaker.State().String())
		}
		return nil, err
	}

	return result.(*planner.Intent), nil
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreakerClassifier) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the current failure counts
func (cb *CircuitBreakerClassifier) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}
