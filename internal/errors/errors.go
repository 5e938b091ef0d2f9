// Package errors provides enhanced error types with helpful context and suggestions
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Kind is the machine-readable error class returned to API callers
type Kind string

const (
	KindValidation   Kind = "validation_error"
	KindSafety       Kind = "safety_error"
	KindRateLimit    Kind = "rate_limit_error"
	KindQueryTimeout Kind = "query_timeout_error"
	KindLLMProvider  Kind = "llm_provider_error"
	KindDatabase     Kind = "database_error"
	KindCache        Kind = "cache_error"
	KindNotFound     Kind = "not_found_error"
	KindConflict     Kind = "conflict_error"
	KindAuth         Kind = "auth_error"
	KindInternal     Kind = "internal_error"
)

const (
	// Input validation errors
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED_FIELD"
	ErrCodeUnknownMetric   ErrorCode = "UNKNOWN_METRIC"
	ErrCodeInvalidFilter   ErrorCode = "INVALID_FILTER"
	ErrCodeMissingTenant   ErrorCode = "MISSING_TENANT"

	// Safety errors
	ErrCodeGuardrailBlocked ErrorCode = "GUARDRAIL_BLOCKED"
	ErrCodeUnsafePlan       ErrorCode = "UNSAFE_PLAN"
	ErrCodeUnsafeSQL        ErrorCode = "UNSAFE_SQL"
	ErrCodeTableAccess      ErrorCode = "TABLE_ACCESS_DENIED"

	// Quota errors
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// Execution errors
	ErrCodeQueryTimeout ErrorCode = "QUERY_TIMEOUT"
	ErrCodeClassifier   ErrorCode = "CLASSIFIER_FAILED"

	// Backing store errors
	ErrCodeDatabaseQuery ErrorCode = "DATABASE_QUERY_FAILED"
	ErrCodeCacheRead     ErrorCode = "CACHE_READ_FAILED"
	ErrCodeCacheWrite    ErrorCode = "CACHE_WRITE_FAILED"

	// Lookup and auth errors
	ErrCodeQueryNotFound     ErrorCode = "QUERY_NOT_FOUND"
	ErrCodeQuotaNotFound     ErrorCode = "QUOTA_NOT_FOUND"
	ErrCodeDuplicateQuery    ErrorCode = "DUPLICATE_QUERY"
	ErrCodeNotAuthenticated  ErrorCode = "NOT_AUTHENTICATED"
	ErrCodeInsufficientPerms ErrorCode = "INSUFFICIENT_PERMISSIONS"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Violation is the error-facing view of a guardrail or verifier finding
type Violation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Blocked  bool   `json:"blocked"`
	Evidence string `json:"evidence,omitempty"`
}

// EnhancedError represents an error with additional context and helpful information
type EnhancedError struct {
	Kind          Kind                   `json:"kind"`
	Code          ErrorCode              `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	Suggestion    string                 `json:"suggestion,omitempty"`
	Documentation string                 `json:"documentation,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Violations    []Violation            `json:"violations,omitempty"`
	Status        int                    `json:"-"`
	Cause         error                  `json:"-"`
}

// Error implements the error interface
func (e *EnhancedError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if e.Details != "" {
		sb.WriteString(fmt.Sprintf(": %s", e.Details))
	}
	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(" (cause: %v)", e.Cause))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *EnhancedError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly error message with suggestions
func (e *EnhancedError) UserMessage() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Details != "" {
		sb.WriteString(fmt.Sprintf("\n\nDetails: %s", e.Details))
	}

	if e.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion))
	}

	if e.Documentation != "" {
		sb.WriteString(fmt.Sprintf("\n\nLearn more: %s", e.Documentation))
	}

	return sb.String()
}

// Retryable reports whether the caller may retry the request
func (e *EnhancedError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindQueryTimeout, KindDatabase, KindCache:
		return true
	case KindLLMProvider:
		return e.HTTPStatus() >= 500
	default:
		return false
	}
}

// HTTPStatus returns the status code the API layer should answer with
func (e *EnhancedError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindSafety:
		if e.Code == ErrCodeTableAccess {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindQueryTimeout:
		return http.StatusGatewayTimeout
	case KindLLMProvider:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindAuth:
		if e.Code == ErrCodeInsufficientPerms {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new EnhancedError
func New(kind Kind, code ErrorCode, message string) *EnhancedError {
	return &EnhancedError{
		Kind:     kind,
		Code:     code,
		Message:  message,
		Metadata: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with enhanced context
func Wrap(err error, kind Kind, code ErrorCode, message string) *EnhancedError {
	return &EnhancedError{
		Kind:     kind,
		Code:     code,
		Message:  message,
		Cause:    err,
		Metadata: make(map[string]interface{}),
	}
}

// WithDetails adds detailed information about the error
func (e *EnhancedError) WithDetails(details string) *EnhancedError {
	e.Details = details
	return e
}

// WithSuggestion adds a suggestion on how to fix the error
func (e *EnhancedError) WithSuggestion(suggestion string) *EnhancedError {
	e.Suggestion = suggestion
	return e
}

// WithMetadata adds additional metadata to the error
func (e *EnhancedError) WithMetadata(key string, value interface{}) *EnhancedError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithStatus overrides the HTTP status derived from the kind
func (e *EnhancedError) WithStatus(status int) *EnhancedError {
	e.Status = status
	return e
}

// As extracts an EnhancedError from an error chain
func As(err error) (*EnhancedError, bool) {
	var enhanced *EnhancedError
	if stderrors.As(err, &enhanced) {
		return enhanced, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for plain errors
func KindOf(err error) Kind {
	if enhanced, ok := As(err); ok {
		return enhanced.Kind
	}
	return KindInternal
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// Common error constructors with pre-configured messages

// NewValidationError creates an error for malformed input
func NewValidationError(field string, reason string) *EnhancedError {
	return New(KindValidation, ErrCodeInvalidInput, "Invalid input").
		WithDetails(fmt.Sprintf("Field '%s' is invalid: %s", field, reason)).
		WithSuggestion("Please check the request format and try again.").
		WithMetadata("field", field)
}

// NewUnknownMetricError creates an error for a metric the catalog does not define
func NewUnknownMetricError(metricID string) *EnhancedError {
	return New(KindValidation, ErrCodeUnknownMetric, "Unknown metric").
		WithDetails(fmt.Sprintf("No metric named '%s' is available", metricID)).
		WithSuggestion("Ask about one of the catalog metrics, for example volunteer hours, donations or participants.").
		WithMetadata("metric_id", metricID)
}

// NewMissingTenantError creates an error for requests without a tenant scope
func NewMissingTenantError() *EnhancedError {
	return New(KindValidation, ErrCodeMissingTenant, "Tenant is required").
		WithDetails("Every query must be scoped to exactly one company")
}

// NewSafetyError creates an error for guardrail or verifier blocks
func NewSafetyError(code ErrorCode, violations []Violation) *EnhancedError {
	rules := make([]string, 0, len(violations))
	for _, v := range violations {
		if v.Blocked {
			rules = append(rules, v.Rule)
		}
	}
	e := New(KindSafety, code, "Query rejected by safety checks").
		WithDetails(fmt.Sprintf("Blocked by: %s", strings.Join(rules, ", "))).
		WithSuggestion("Rephrase the question as a plain request about your own impact data.")
	e.Violations = violations
	return e
}

// NewTableAccessError creates an error for table access denied by RLS
func NewTableAccessError(role, table string, violations []Violation) *EnhancedError {
	e := NewSafetyError(ErrCodeTableAccess, violations)
	e.Message = "Access to requested data is not permitted"
	e.Details = fmt.Sprintf("Role '%s' cannot access table '%s'", role, table)
	e.Suggestion = "Contact your administrator if you need access to this data."
	return e
}

// NewRateLimitError creates an error for an exceeded quota tier
func NewRateLimitError(tier string, resetAt time.Time, remaining map[string]int64) *EnhancedError {
	return New(KindRateLimit, ErrCodeQuotaExceeded, "Query quota exceeded").
		WithDetails(fmt.Sprintf("The %s query quota for your company has been used up", tier)).
		WithSuggestion(fmt.Sprintf("Try again after %s.", resetAt.UTC().Format(time.RFC3339))).
		WithMetadata("tier", tier).
		WithMetadata("reset_at", resetAt.UTC()).
		WithMetadata("remaining", remaining).
		WithMetadata("retryable", true)
}

// NewQueryTimeoutError creates an error for executions exceeding their bound
func NewQueryTimeoutError(err error, timeout time.Duration) *EnhancedError {
	return Wrap(err, KindQueryTimeout, ErrCodeQueryTimeout, "Query execution timed out").
		WithDetails(fmt.Sprintf("The query did not finish within %s", timeout)).
		WithSuggestion("Try a narrower question, for example a shorter time range or fewer breakdowns.").
		WithMetadata("retryable", true)
}

// NewLLMProviderError creates an error for intent classifier failures
func NewLLMProviderError(err error, upstreamStatus int) *EnhancedError {
	status := upstreamStatus
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	e := Wrap(err, KindLLMProvider, ErrCodeClassifier, "Failed to understand the question").
		WithDetails("The language service was unable to classify the question").
		WithStatus(status).
		WithMetadata("upstream_status", status)
	e.WithMetadata("retryable", e.Retryable())
	if e.Retryable() {
		e.WithSuggestion("This is typically a temporary issue. Please try again in a moment.")
	} else {
		e.WithSuggestion("Try rephrasing your question.")
	}
	return e
}

// NewDatabaseError creates an error for analytical store failures
func NewDatabaseError(err error, operation string) *EnhancedError {
	return Wrap(err, KindDatabase, ErrCodeDatabaseQuery, "Database query failed").
		WithDetails(fmt.Sprintf("Failed to execute database operation: %s", operation)).
		WithSuggestion("This is an internal server error. If the problem persists, contact support.").
		WithMetadata("retryable", true)
}

// NewCacheError creates an error for cache backing store failures
func NewCacheError(err error, code ErrorCode) *EnhancedError {
	return Wrap(err, KindCache, code, "Cache operation failed").
		WithMetadata("retryable", true)
}

// NewQueryNotFoundError creates an error for unknown query ids
func NewQueryNotFoundError(queryID string) *EnhancedError {
	return New(KindNotFound, ErrCodeQueryNotFound, "Query not found").
		WithDetails(fmt.Sprintf("No query found with id: %s", queryID)).
		WithMetadata("query_id", queryID)
}

// NewQuotaNotFoundError creates an error for companies without a quota record
func NewQuotaNotFoundError(companyID string) *EnhancedError {
	return New(KindNotFound, ErrCodeQuotaNotFound, "Quota not found").
		WithDetails(fmt.Sprintf("No quota record exists for company: %s", companyID)).
		WithMetadata("company_id", companyID)
}

// NewDuplicateQueryError creates an error for a query id that is already tracked
func NewDuplicateQueryError(queryID string) *EnhancedError {
	return New(KindConflict, ErrCodeDuplicateQuery, "Query already in progress").
		WithDetails(fmt.Sprintf("A query with id %s is already being processed", queryID)).
		WithMetadata("query_id", queryID)
}

// NewNotAuthenticatedError creates an error for unauthenticated requests
func NewNotAuthenticatedError() *EnhancedError {
	return New(KindAuth, ErrCodeNotAuthenticated, "Authentication required").
		WithDetails("This endpoint requires a valid bearer token").
		WithSuggestion("Include a token issued for your company in the 'Authorization' header.")
}

// NewInsufficientPermissionsError creates an error for role checks
func NewInsufficientPermissionsError(required string) *EnhancedError {
	return New(KindAuth, ErrCodeInsufficientPerms, "Insufficient permissions").
		WithDetails(fmt.Sprintf("This operation requires the '%s' role", required))
}

// NewInternalError wraps an unexpected failure
func NewInternalError(err error, message string) *EnhancedError {
	return Wrap(err, KindInternal, ErrCodeInternal, message)
}
