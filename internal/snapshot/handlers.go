package snapshot

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jmehta/fraudwatch/internal/logging"
)

// Handler exposes the snapshot service over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the read endpoints on a router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/transactions", h.listTransactions)
	rg.GET("/stats", h.currentStats)
}

// listTransactions handles GET /api/transactions.
func (h *Handler) listTransactions(c *gin.Context) {
	ctx := c.Request.Context()

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = v
	}

	filter, err := ParseFilter(
		c.Query("startDate"),
		c.Query("endDate"),
		c.Query("minAmount"),
		c.Query("maxAmount"),
		c.Query("paymentMethod"),
		c.Query("status"),
		c.Query("search"),
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_filter",
			"message": err.Error(),
		})
		return
	}

	sortSpec, err := ParseSort(c.Query("sort"), c.Query("order"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_sort",
			"message": err.Error(),
		})
		return
	}

	rows, err := h.svc.Latest(ctx, limit, filter, sortSpec)
	if err != nil {
		logging.L(ctx).Error("transaction snapshot query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transactions",
		})
		return
	}

	c.JSON(http.StatusOK, rows)
}

// currentStats handles GET /api/stats.
func (h *Handler) currentStats(c *gin.Context) {
	ctx := c.Request.Context()

	snap, err := h.svc.CurrentStats(ctx)
	if err != nil {
		logging.L(ctx).Error("stats query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load statistics",
		})
		return
	}

	c.JSON(http.StatusOK, snap)
}
