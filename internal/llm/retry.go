package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for classifier API calls
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	BaseDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay between retries
}

// DefaultRetryConfig keeps total classification time well under the
// request budget
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 2,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   2 * time.Second,
}

// sendClaudeRequestWithRetry wraps sendClaudeRequest with retry logic
func (c *ClaudeClassifier) sendClaudeRequestWithRetry(ctx context.Context, request ClaudeRequest) (*ClaudeResponse, error) {
	config := c.retry
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		response, err := c.sendClaudeRequest(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			return nil, err
		}

		if attempt == config.MaxRetries {
			break
		}

		delay := calculateBackoff(attempt, config.BaseDelay, config.MaxDelay)
		c.logger.Warn(ctx, "retrying classifier request", map[string]interface{}{
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})

		select {
		case <-time.After(delay):
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("request cancelled during retry: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// isRetryableError determines if an error should be retried
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return isHTTPStatusRetryable(apiErr.StatusCode)
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := err.Error()
	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "EOF") {
		return true
	}

	return false
}

// calculateBackoff calculates the delay before the next retry attempt
// Uses exponential backoff with jitter to avoid thundering herd
func calculateBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay

	if delay > maxDelay {
		delay = maxDelay
	}

	// jitter between 0.5 and 1.5
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// isHTTPStatusRetryable checks if an HTTP status code should be retried
func isHTTPStatusRetryable(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout,      // 504
		529:                            // overloaded
		return true
	default:
		return false
	}
}
