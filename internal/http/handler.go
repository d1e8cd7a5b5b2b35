package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"traffic-eye/internal/http/middleware"
	"traffic-eye/internal/model"
	"traffic-eye/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	violations *service.ViolationService
	log        zerolog.Logger
}

func NewHandler(violations *service.ViolationService, log zerolog.Logger) *Handler {
	return &Handler{
		violations: violations,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/violations", h.listViolations)
		public.GET("/violations/export", h.exportViolations)
		public.GET("/violations/:id", h.getViolation)
		public.GET("/queues/stats", h.queueStats)
	}

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware, middleware.RequireRole(model.UserRoleOperatorAdmin))
	{
		protected.POST("/queues/:kind/jobs/:id/requeue", h.requeueJob)
	}
}

func (h *Handler) listViolations(c *gin.Context) {
	status := optionalQuery(c, "status")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	violations, err := h.violations.ListViolations(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(violations))
}

func (h *Handler) getViolation(c *gin.Context) {
	detail, err := h.violations.GetViolation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(detail))
}

func (h *Handler) exportViolations(c *gin.Context) {
	data, err := h.violations.ExportXLSX(c.Request.Context(), optionalQuery(c, "status"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	name := fmt.Sprintf("violations_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, xlsxContentType, data)
}

func (h *Handler) queueStats(c *gin.Context) {
	stats, err := h.violations.QueueStats(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(stats))
}

func (h *Handler) requeueJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid job id"))
		return
	}

	job, err := h.violations.RequeueJob(c.Request.Context(), c.Param("kind"), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	if principal, ok := middleware.GetPrincipal(c); ok {
		h.log.Info().
			Str("operator", principal.UserID.String()).
			Str("queue", c.Param("kind")).
			Int64("job_id", id).
			Msg("operator requeued job")
	}
	c.JSON(http.StatusOK, successResponse(job))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func optionalQuery(c *gin.Context, key string) *string {
	if v := strings.TrimSpace(c.Query(key)); v != "" {
		return &v
	}
	return nil
}

func successResponse(data interface{}) gin.H {
	return gin.H{"data": data}
}

func errorResponse(message string) gin.H {
	return gin.H{"error": message}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
