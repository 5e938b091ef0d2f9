package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seanankenbruck/impact-query/internal/auth"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/pipeline"
	"github.com/seanankenbruck/impact-query/internal/quota"
	"github.com/seanankenbruck/impact-query/internal/rls"
)

const maxBulkUpdates = 100

// MetricInfo is the public view of a catalog metric
type MetricInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Dimensions  []string `json:"dimensions"`
}

// QuotaUpdateRequest is the body of PUT /admin/quotas/:companyId. Omitted
// limits keep the role default; zero suspends the tier.
type QuotaUpdateRequest struct {
	DailyLimit      *int64    `json:"daily_limit,omitempty"`
	HourlyLimit     *int64    `json:"hourly_limit,omitempty"`
	ConcurrentLimit *int64    `json:"concurrent_limit,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// ResetRequest is the optional body of POST /admin/quotas/:companyId/reset
type ResetRequest struct {
	Tier string `json:"tier"`
}

// BulkUpdateRequest is the body of POST /admin/quotas/bulk
type BulkUpdateRequest struct {
	Updates []quota.QuotaUpdate `json:"updates" binding:"required"`
}

func scopeOrAbort(c *gin.Context) (*rls.RLSContext, bool) {
	scope, ok := auth.GetRLSContext(c)
	if !ok {
		respondError(c, apperrors.NewNotAuthenticatedError())
	}
	return scope, ok
}

func (s *Server) handleAsk(c *gin.Context) {
	scope, ok := scopeOrAbort(c)
	if !ok {
		return
	}

	var req pipeline.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("request body", err.Error()))
		return
	}

	resp, err := s.pipeline.Ask(c.Request.Context(), req, scope)
	if err != nil {
		respondError(c, err)
		return
	}

	setQuotaHeaders(c, resp.Metadata.Quota)
	c.Header(HeaderCached, strconv.FormatBool(resp.Metadata.Cached))
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetQuery(c *gin.Context) {
	scope, ok := scopeOrAbort(c)
	if !ok {
		return
	}

	status, err := s.pipeline.Status(c.Request.Context(), scope.CompanyID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleListMetrics(c *gin.Context) {
	metrics := s.pipeline.Catalog().Metrics()
	out := make([]MetricInfo, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, MetricInfo{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
			Unit:        m.Unit,
			Dimensions:  m.AllowedDimensions,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": out, "count": len(out)})
}

func companyParam(c *gin.Context) (string, bool) {
	companyID := strings.TrimSpace(c.Param("companyId"))
	if companyID == "" {
		respondError(c, apperrors.NewMissingTenantError())
		return "", false
	}
	return companyID, true
}

func (s *Server) handleGetQuota(c *gin.Context) {
	companyID, ok := companyParam(c)
	if !ok {
		return
	}

	rec, err := s.quota.GetQuota(c.Request.Context(), companyID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleUpdateQuota(c *gin.Context) {
	companyID, ok := companyParam(c)
	if !ok {
		return
	}

	var req QuotaUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("request body", err.Error()))
		return
	}

	rec, err := s.quota.UpdateQuota(c.Request.Context(), quota.QuotaUpdate{
		CompanyID:       companyID,
		DailyLimit:      req.DailyLimit,
		HourlyLimit:     req.HourlyLimit,
		ConcurrentLimit: req.ConcurrentLimit,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleResetQuota(c *gin.Context) {
	companyID, ok := companyParam(c)
	if !ok {
		return
	}

	var req ResetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.NewValidationError("request body", err.Error()))
			return
		}
	}

	rec, err := s.quota.ResetQuota(c.Request.Context(), companyID, req.Tier)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleBulkUpdate(c *gin.Context) {
	var req BulkUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("request body", err.Error()))
		return
	}
	if len(req.Updates) == 0 {
		respondError(c, apperrors.NewValidationError("updates", "at least one update is required"))
		return
	}
	if len(req.Updates) > maxBulkUpdates {
		respondError(c, apperrors.NewValidationError("updates",
			"at most "+strconv.Itoa(maxBulkUpdates)+" updates per request"))
		return
	}

	results := s.quota.BulkUpdate(c.Request.Context(), req.Updates)
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results":   results,
		"succeeded": len(results) - failed,
		"failed":    failed,
	})
}

func (s *Server) handleInvalidateCache(c *gin.Context) {
	companyID, ok := companyParam(c)
	if !ok {
		return
	}

	removed, err := s.cache.Invalidate(c.Request.Context(), companyID)
	if err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info(c.Request.Context(), "Answer cache invalidated", map[string]interface{}{
		"company_id": companyID,
		"removed":    removed,
	})
	c.JSON(http.StatusOK, gin.H{"company_id": companyID, "removed": removed})
}
