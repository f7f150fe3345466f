package redemption

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/payrollx/escrowrecon/internal/validation"
)

// Handler provides HTTP endpoints for redemptions.
type Handler struct {
	service *Service
}

// NewHandler creates a new redemption handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up redemption routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/redemptions", h.Redeem)
	r.GET("/redemptions/:id", h.Get)
	r.GET("/receivers/:address/redemptions", validation.AddressParamMiddleware(), h.ListByWallet)
}

// Redeem handles POST /v1/redemptions
//
// 201 when the rail accepted, 202 when the outcome is still unknown, 422
// when the rail refused.
func (h *Handler) Redeem(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Redeem(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyRedeemed):
			c.JSON(http.StatusConflict, gin.H{"error": "already_redeemed", "message": err.Error()})
		case errors.Is(err, ErrWithdrawalNotMirrored):
			c.JSON(http.StatusConflict, gin.H{"error": "withdrawal_not_mirrored", "message": "no mirrored fiat withdrawal for this wallet and transaction"})
		case errors.Is(err, ErrRailNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rail_not_configured", "message": err.Error()})
		default:
			validation.RespondError(c, err)
		}
		return
	}

	status := http.StatusCreated
	switch r.Status {
	case StatusPending:
		status = http.StatusAccepted
	case StatusFailed:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"redemption": r})
}

// Get handles GET /v1/redemptions/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.RespondError(c, err, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redemption": r})
}

// ListByWallet handles GET /v1/receivers/:address/redemptions
func (h *Handler) ListByWallet(c *gin.Context) {
	out, err := h.service.ListByWallet(c.Request.Context(), c.Param("address"), validation.QueryLimit(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	if out == nil {
		out = []*Redemption{}
	}
	c.JSON(http.StatusOK, gin.H{"redemptions": out, "count": len(out)})
}
