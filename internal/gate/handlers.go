package gate

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/token"
	"github.com/payrollx/escrowrecon/internal/validation"
)

// Handler provides HTTP endpoints for gate decisions.
type Handler struct {
	gate *Gate
}

// NewHandler creates a new gate handler.
func NewHandler(g *Gate) *Handler {
	return &Handler{gate: g}
}

// RegisterRoutes sets up gate routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	escrows := r.Group("/escrows/:escrowId", validation.EscrowIDParamMiddleware())
	escrows.GET("/receivers/:address/authorization", validation.AddressParamMiddleware(), h.AuthorizeClaim)
	escrows.GET("/funding", h.CheckFunding)
}

// AuthorizeClaim handles GET /v1/escrows/:escrowId/receivers/:address/authorization?token=
//
// A refusal is still a 200: the decision body carries allowed=false and the
// reason.
func (h *Handler) AuthorizeClaim(c *gin.Context) {
	tok, err := token.ParseType(c.Query("token"))
	if err != nil {
		validation.RespondError(c, domain.InvalidArgument("token", "must be one of USDC, USDT, IDRX"))
		return
	}
	d, err := h.gate.AuthorizeClaim(c.Request.Context(), c.Param("escrowId"), c.Param("address"), tok)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// CheckFunding handles GET /v1/escrows/:escrowId/funding
func (h *Handler) CheckFunding(c *gin.Context) {
	d, err := h.gate.CheckFunding(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}
