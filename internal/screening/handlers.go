package screening

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatshield/internal/pagination"
	"github.com/mbd888/chatshield/internal/risk"
	"github.com/mbd888/chatshield/internal/validation"
)

// Handler provides HTTP endpoints for screening.
type Handler struct {
	service *Service
}

// NewHandler creates a new screening handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the message gate routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/screen", h.Screen)
	r.GET("/patterns", h.GetPatterns)

	users := r.Group("/users/:userId", validation.IDParamMiddleware("userId"))
	users.GET("/risk", h.GetRisk)
	users.GET("/signals", h.ListSignals)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/patterns/reload", h.ReloadPatterns)
}

// Screen handles POST /v1/screen
func (h *Handler) Screen(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON with messageId, userId and text",
		})
		return
	}

	verdict, err := h.service.Screen(c.Request.Context(), msg)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": verrs.Error(),
				"details": verrs,
			})
		case errors.Is(err, ErrNoPatternSet):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "patterns_unavailable",
				"message": "No pattern set is loaded",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "screening_failed",
				"message": "Failed to screen message",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"verdict": verdict})
}

// GetRisk handles GET /v1/users/:userId/risk
func (h *Handler) GetRisk(c *gin.Context) {
	score, err := h.service.Status(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if IsDegraded(err) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "store_unavailable",
				"message": "Risk score store is unavailable",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"risk":   score,
		"action": ActionFor(score.Status),
	})
}

// ListSignals handles GET /v1/users/:userId/signals
func (h *Handler) ListSignals(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"), 50, 500)
	signals, next, err := h.service.Signals(c.Request.Context(), c.Param("userId"), limit, c.Query("cursor"))
	if err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		if IsDegraded(err) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "store_unavailable",
				"message": "Signal store is unavailable",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if signals == nil {
		signals = []*risk.RiskSignal{}
	}
	resp := gin.H{
		"signals": signals,
		"count":   len(signals),
		"hasMore": next != "",
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetPatterns handles GET /v1/patterns
func (h *Handler) GetPatterns(c *gin.Context) {
	m := h.service.PatternSet()
	if m == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "patterns_unavailable",
			"message": "No pattern set is loaded",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version":    m.Version(),
		"patterns":   m.Len(),
		"categories": m.Categories(),
	})
}

// ReloadPatterns handles POST /v1/admin/patterns/reload
func (h *Handler) ReloadPatterns(c *gin.Context) {
	m, err := h.service.ReloadPatterns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_pattern_set",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version":  m.Version(),
		"patterns": m.Len(),
	})
}
