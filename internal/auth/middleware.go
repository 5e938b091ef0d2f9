package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/rls"
)

const rlsContextKey = "rls_context"

// Middleware authenticates every request outside the skip list and stores
// the caller's RLS context in the gin context
func Middleware(resolver TenantResolver, logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if shouldSkipAuth(c.Request.URL.Path) {
			c.Next()
			return
		}

		scope, err := resolver.Resolve(c.Request)
		if err != nil {
			logger.Warn(c.Request.Context(), "Authentication failed", map[string]interface{}{
				"path":  c.Request.URL.Path,
				"ip":    c.ClientIP(),
				"error": err.Error(),
			})
			abort(c, err)
			return
		}

		c.Set(rlsContextKey, scope)
		ctx := observability.WithCompanyID(c.Request.Context(), scope.CompanyID)
		ctx = observability.WithUserID(ctx, scope.UserID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RequireRole returns a middleware that checks the caller has one of roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := GetRLSContext(c)
		if !ok {
			abort(c, apperrors.NewNotAuthenticatedError())
			return
		}

		for _, role := range roles {
			if scope.Role == role {
				c.Next()
				return
			}
		}
		abort(c, apperrors.NewInsufficientPermissionsError(strings.Join(roles, " or ")))
	}
}

// RequirePermission returns a middleware that checks the caller's role grants p
func RequirePermission(p string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := GetRLSContext(c)
		if !ok {
			abort(c, apperrors.NewNotAuthenticatedError())
			return
		}
		if !scope.HasPermission(p) {
			abort(c, apperrors.NewInsufficientPermissionsError(p))
			return
		}
		c.Next()
	}
}

// GetRLSContext returns the authenticated caller's RLS context
func GetRLSContext(c *gin.Context) (*rls.RLSContext, bool) {
	value, exists := c.Get(rlsContextKey)
	if !exists {
		return nil, false
	}
	scope, ok := value.(*rls.RLSContext)
	return scope, ok
}

// shouldSkipAuth checks if a path should skip authentication
func shouldSkipAuth(path string) bool {
	skipPaths := []string{
		"/health",
		"/metrics",
		"/favicon.ico",
	}

	for _, skipPath := range skipPaths {
		if path == skipPath || strings.HasPrefix(path, skipPath+"/") {
			return true
		}
	}
	return false
}

func abort(c *gin.Context, err error) {
	ae, ok := apperrors.As(err)
	if !ok {
		ae = apperrors.NewInternalError(err, "Authentication failed")
	}
	c.AbortWithStatusJSON(ae.HTTPStatus(), gin.H{"error": ae})
}
