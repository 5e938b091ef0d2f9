package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/quota"
)

// Response headers
const (
	HeaderRemainingDaily      = "X-RateLimit-Remaining-Daily"
	HeaderRemainingHourly     = "X-RateLimit-Remaining-Hourly"
	HeaderRemainingConcurrent = "X-RateLimit-Remaining-Concurrent"
	HeaderCached              = "X-Cached"
	HeaderRetryAfter          = "Retry-After"
)

// statusClientClosedRequest is logged when the caller went away mid-request
const statusClientClosedRequest = 499

// formatErrorResponse formats an error into the API error body
func formatErrorResponse(e *apperrors.EnhancedError) gin.H {
	body := gin.H{
		"kind":    e.Kind,
		"code":    e.Code,
		"message": e.Message,
	}
	if e.Details != "" {
		body["details"] = e.Details
	}
	if e.Suggestion != "" {
		body["suggestion"] = e.Suggestion
	}
	if e.Documentation != "" {
		body["documentation"] = e.Documentation
	}
	if len(e.Metadata) > 0 {
		body["metadata"] = e.Metadata
	}
	if len(e.Violations) > 0 {
		body["violations"] = e.Violations
	}
	return gin.H{"error": body}
}

// respondError writes err with its status code. Rate limit errors also get
// Retry-After and remaining quota headers.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		c.AbortWithStatus(statusClientClosedRequest)
		return
	}

	e, ok := apperrors.As(err)
	if !ok {
		e = apperrors.NewInternalError(err, "An unexpected error occurred")
	}
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	if e.Kind == apperrors.KindRateLimit {
		if resetAt, ok := e.Metadata["reset_at"].(time.Time); ok {
			c.Header(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(time.Until(resetAt))))
		}
		if remaining, ok := e.Metadata["remaining"].(map[string]int64); ok {
			setQuotaHeaders(c, quota.Remaining{
				Daily:      remaining[quota.TierDaily],
				Hourly:     remaining[quota.TierHourly],
				Concurrent: remaining[quota.TierConcurrent],
			})
		}
	}

	c.AbortWithStatusJSON(status, formatErrorResponse(e))
}

func setQuotaHeaders(c *gin.Context, r quota.Remaining) {
	c.Header(HeaderRemainingDaily, strconv.FormatInt(r.Daily, 10))
	c.Header(HeaderRemainingHourly, strconv.FormatInt(r.Hourly, 10))
	c.Header(HeaderRemainingConcurrent, strconv.FormatInt(r.Concurrent, 10))
}

func retryAfterSeconds(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
