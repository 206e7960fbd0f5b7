package transfer

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/giftescrow/internal/auth"
	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/idempotency"
)

// IdempotencyHeader carries the caller's key for a transfer.
const IdempotencyHeader = "Idempotency-Key"

// Handler provides HTTP endpoints for transfers.
type Handler struct {
	service *Service
}

// NewHandler creates a new transfer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public transfer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transfers/quote", h.Quote)
}

// RegisterProtectedRoutes sets up routes that need a session.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transfers", h.CreateTransfer)
}

// CreateTransferRequest is the body of POST /v1/transfers.
type CreateTransferRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	RecipientID  string          `json:"recipientId" binding:"required"`
	MomentID     string          `json:"momentId"`
	Message      string          `json:"message"`
	EscrowChoice string          `json:"escrowChoice"`
}

// CreateTransfer handles POST /v1/transfers
func (h *Handler) CreateTransfer(c *gin.Context) {
	var req CreateTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure.Respond(c, failure.Validation("Invalid request body: recipientId is required."))
		return
	}
	choice, err := ParseChoice(req.EscrowChoice)
	if err != nil {
		failure.Respond(c, failure.Validation("escrowChoice must be \"escrow\" or \"direct\"."))
		return
	}

	// The key is fixed here so a failed response still tells the client
	// which key to retry with.
	key := c.GetHeader(IdempotencyHeader)
	if key == "" {
		key = idempotency.NewKey()
	}
	c.Header(IdempotencyHeader, key)

	res, err := h.service.Transfer(c.Request.Context(), Request{
		Amount:         req.Amount,
		Currency:       req.Currency,
		SenderID:       auth.UserID(c),
		RecipientID:    req.RecipientID,
		MomentID:       req.MomentID,
		Message:        req.Message,
		IdempotencyKey: key,
	}, choice)
	if err != nil {
		failure.Respond(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"transfer": res})
}

// Quote handles GET /v1/transfers/quote?amount=
func (h *Handler) Quote(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		failure.Respond(c, failure.Validation("amount must be a decimal number."))
		return
	}
	q, err := h.service.Quote(amount)
	if err != nil {
		failure.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q})
}
