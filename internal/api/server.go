// Package api exposes the ask pipeline and quota administration over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seanankenbruck/impact-query/internal/auth"
	"github.com/seanankenbruck/impact-query/internal/cache"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/pipeline"
	"github.com/seanankenbruck/impact-query/internal/quota"
	"github.com/seanankenbruck/impact-query/internal/rls"
)

// Dependencies are the collaborators of a Server
type Dependencies struct {
	Pipeline *pipeline.Service
	Quota    *quota.Manager
	Cache    *cache.Manager
	Resolver auth.TenantResolver
	// Limiter is optional; without it the HTTP surface is not burst limited
	Limiter    *auth.BurstLimiter
	Health     *observability.HealthChecker
	Gatherer   prometheus.Gatherer
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	AdminRoles []string
}

// Server holds the HTTP handlers
type Server struct {
	pipeline   *pipeline.Service
	quota      *quota.Manager
	cache      *cache.Manager
	resolver   auth.TenantResolver
	limiter    *auth.BurstLimiter
	health     *observability.HealthChecker
	gatherer   prometheus.Gatherer
	logger     *observability.Logger
	metrics    *observability.Metrics
	adminRoles []string
}

// NewServer creates a Server
func NewServer(deps Dependencies) (*Server, error) {
	switch {
	case deps.Pipeline == nil:
		return nil, errors.New("api: pipeline is required")
	case deps.Quota == nil:
		return nil, errors.New("api: quota manager is required")
	case deps.Cache == nil:
		return nil, errors.New("api: cache manager is required")
	case deps.Resolver == nil:
		return nil, errors.New("api: tenant resolver is required")
	}

	s := &Server{
		pipeline:   deps.Pipeline,
		quota:      deps.Quota,
		cache:      deps.Cache,
		resolver:   deps.Resolver,
		limiter:    deps.Limiter,
		health:     deps.Health,
		gatherer:   deps.Gatherer,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		adminRoles: deps.AdminRoles,
	}
	if s.health == nil {
		s.health = observability.NewHealthChecker()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.logger == nil {
		s.logger = observability.NewLogger("api")
	}
	if s.metrics == nil {
		s.metrics = observability.NewNopMetrics()
	}
	if len(s.adminRoles) == 0 {
		s.adminRoles = []string{rls.RoleSystemAdmin}
	}
	return s, nil
}

// SetupRoutes configures the HTTP routes
func (s *Server) SetupRoutes() *gin.Engine {
	r := gin.New()
	r.Use(observability.RecoveryMiddleware(s.logger))
	r.Use(observability.RequestLoggingMiddleware(s.logger))
	r.Use(observability.MetricsMiddleware(s.metrics))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")
	api.Use(auth.Middleware(s.resolver, s.logger))
	if s.limiter != nil {
		api.Use(s.limiter.Middleware())
	}
	{
		api.POST("/ask", s.handleAsk)
		api.GET("/queries/:id", s.handleGetQuery)
		api.GET("/catalog/metrics", s.handleListMetrics)
		auth.SetupRoutes(api)
	}

	admin := api.Group("/admin")
	admin.Use(auth.RequireRole(s.adminRoles...))
	{
		admin.GET("/quotas/:companyId", s.handleGetQuota)
		admin.PUT("/quotas/:companyId", s.handleUpdateQuota)
		admin.POST("/quotas/:companyId/reset", s.handleResetQuota)
		admin.POST("/quotas/bulk", s.handleBulkUpdate)
		admin.DELETE("/cache/:companyId", s.handleInvalidateCache)
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	response := s.health.GetHealthResponse(c.Request.Context())
	statusCode := http.StatusOK
	if response.Status == observability.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}
