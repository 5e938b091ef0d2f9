package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/rls"
)

// WhoAmIResponse describes what the authenticated caller may do
type WhoAmIResponse struct {
	CompanyID     string         `json:"company_id"`
	UserID        string         `json:"user_id,omitempty"`
	Role          string         `json:"role"`
	Permissions   []string       `json:"permissions"`
	AllowedTables []string       `json:"allowed_tables"`
	RateLimits    rls.RateLimits `json:"rate_limits"`
}

// SetupRoutes registers the auth endpoints on an authenticated group
func SetupRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", WhoAmI)
}

// WhoAmI returns the caller's resolved RLS context
func WhoAmI(c *gin.Context) {
	scope, ok := GetRLSContext(c)
	if !ok {
		abort(c, apperrors.NewNotAuthenticatedError())
		return
	}

	c.JSON(http.StatusOK, WhoAmIResponse{
		CompanyID:     scope.CompanyID,
		UserID:        scope.UserID,
		Role:          scope.Role,
		Permissions:   scope.Permissions,
		AllowedTables: scope.AllowedTables,
		RateLimits:    scope.RateLimits,
	})
}
