package rollup

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatshield/internal/idgen"
)

// maxIngestBatch caps events accepted per POST /events.
const maxIngestBatch = 1000

// Handler provides admin HTTP endpoints for the event log and summaries.
type Handler struct {
	log       EventLog
	summaries SummaryStore
	runner    *Runner
}

// NewHandler creates a new rollup handler.
func NewHandler(log EventLog, summaries SummaryStore, runner *Runner) *Handler {
	return &Handler{log: log, summaries: summaries, runner: runner}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/events", h.AppendEvents)
	r.GET("/rollups", h.ListRollups)
	r.POST("/rollups/run", h.RunWindow)
	r.POST("/rollups/verify", h.VerifyWindow)
}

// AppendEventsRequest is the body for POST /events.
type AppendEventsRequest struct {
	Events []Event `json:"events" binding:"required"`
}

// AppendEvents handles POST /v1/admin/events
func (h *Handler) AppendEvents(c *gin.Context) {
	var req AppendEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON with an events array",
		})
		return
	}
	if len(req.Events) == 0 || len(req.Events) > maxIngestBatch {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "events must contain between 1 and 1000 entries",
		})
		return
	}

	for i := range req.Events {
		if req.Events[i].ID == "" {
			req.Events[i].ID = idgen.WithPrefix(idgen.PrefixEvent)
		}
		if err := req.Events[i].Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
				"index":   i,
			})
			return
		}
	}

	if err := h.log.Append(c.Request.Context(), req.Events...); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Event log is unavailable",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"appended": len(req.Events)})
}

// ListRollups handles GET /v1/admin/rollups?granularity=hourly&from=...&to=...
// from and to are RFC 3339; the default range is the last 24 windows.
func (h *Handler) ListRollups(c *gin.Context) {
	g, err := ParseGranularity(c.DefaultQuery("granularity", string(GranularityHourly)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "granularity must be hourly or daily",
		})
		return
	}

	to := time.Now().UTC()
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "to must be an RFC 3339 timestamp",
			})
			return
		}
	}
	from := to.Add(-24 * g.Duration())
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "from must be an RFC 3339 timestamp",
			})
			return
		}
	}
	if !to.After(from) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "from must be before to",
		})
		return
	}

	summaries, err := h.summaries.List(c.Request.Context(), g, from, to)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Summary store is unavailable",
		})
		return
	}
	if summaries == nil {
		summaries = []*Summary{}
	}

	c.JSON(http.StatusOK, gin.H{
		"granularity": g,
		"from":        from.UTC(),
		"to":          to.UTC(),
		"rollups":     summaries,
		"count":       len(summaries),
	})
}

// WindowRequest names one window.
type WindowRequest struct {
	Granularity string    `json:"granularity" binding:"required"`
	Start       time.Time `json:"start" binding:"required"`
}

func (h *Handler) bindWindow(c *gin.Context) (Window, bool) {
	var req WindowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON with granularity and start",
		})
		return Window{}, false
	}
	w, err := NewWindow(Granularity(req.Granularity), req.Start.UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return Window{}, false
	}
	return w, true
}

// RunWindow handles POST /v1/admin/rollups/run
func (h *Handler) RunWindow(c *gin.Context) {
	w, ok := h.bindWindow(c)
	if !ok {
		return
	}

	res, err := h.runner.Run(c.Request.Context(), w)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"result": res})
	case errors.Is(err, ErrWindowOpen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "window_open",
			"message": err.Error(),
		})
	case errors.Is(err, ErrWindowClaimed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "window_claimed",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSummaryMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "summary_mismatch",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "rollup_failed",
			"message": "Failed to compute rollup",
		})
	}
}

// VerifyWindow handles POST /v1/admin/rollups/verify
func (h *Handler) VerifyWindow(c *gin.Context) {
	w, ok := h.bindWindow(c)
	if !ok {
		return
	}

	s, err := h.runner.Verify(c.Request.Context(), w)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"verified": true, "summary": s})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No summary stored for " + w.Key(),
		})
	case errors.Is(err, ErrSummaryMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "summary_mismatch",
			"message":    err.Error(),
			"recomputed": s,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "verify_failed",
			"message": "Failed to verify rollup",
		})
	}
}
