package wallet

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/giftescrow/internal/auth"
	"github.com/mbd888/giftescrow/internal/failure"
)

// Handler provides HTTP endpoints for wallet reads.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up wallet routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/balance", h.GetBalance)
}

// GetBalance handles GET /v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.service.Balance(c.Request.Context(), auth.UserID(c))
	if err != nil {
		failure.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": b})
}
