package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	timer *Timer
}

// NewHandler creates a new reconciliation handler
func NewHandler(timer *Timer) *Handler {
	return &Handler{timer: timer}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconcile", h.Reconcile)
}

// Reconcile handles GET /v1/admin/reconcile. It runs a check on demand;
// ?cached=true returns the last periodic report instead.
func (h *Handler) Reconcile(c *gin.Context) {
	if c.Query("cached") == "true" {
		if last := h.timer.Last(); last != nil {
			c.JSON(http.StatusOK, gin.H{"ok": last.OK(), "report": last})
			return
		}
	}

	report, err := h.timer.RunNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": report.OK(), "report": report})
}
