package escrow

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftescrow/internal/auth"
	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/pagination"
	"github.com/mbd888/giftescrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up escrow routes. All of them need a session.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/open", h.ListOpen)

	byID := r.Group("/escrows/:id", validation.EscrowIDParamMiddleware())
	byID.GET("", h.GetEscrow)
	byID.POST("/release", h.Release)
	byID.POST("/refund", h.Refund)
}

// RefundRequest is the optional body of a refund.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// ListOpen handles GET /v1/escrows/open?limit=&cursor=
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			failure.Respond(c, failure.Validation("limit must be a positive integer."))
			return
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		failure.Respond(c, failure.Validation("cursor is invalid."))
		return
	}

	escrows, err := h.service.ListOpen(c.Request.Context(), auth.UserID(c))
	if err != nil {
		failure.Respond(c, err)
		return
	}
	page, next := pagination.Page(escrows, cursor, limit, func(t Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})

	resp := gin.H{"escrows": page, "count": len(page), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		failure.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Release(c.Request.Context(), id, auth.UserID(c)); err != nil {
		failure.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "escrowId": id, "status": StatusReleased})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			failure.Respond(c, failure.Validation("Invalid request body"))
			return
		}
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxMessageLength)

	id := c.Param("id")
	if err := h.service.Refund(c.Request.Context(), id, reason, auth.UserID(c)); err != nil {
		failure.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "escrowId": id, "status": StatusRefunded})
}
