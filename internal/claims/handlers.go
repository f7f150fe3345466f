package claims

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/token"
	"github.com/payrollx/escrowrecon/internal/validation"
)

// Handler provides HTTP endpoints for claimable balances.
type Handler struct {
	service *Service
	calc    Calculator
}

// NewHandler creates a new claims handler.
func NewHandler(service *Service, calc Calculator) *Handler {
	return &Handler{service: service, calc: calc}
}

// RegisterRoutes sets up the read-only claimable routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	receivers := r.Group("/receivers/:address", validation.AddressParamMiddleware())
	receivers.GET("/claimable", h.ListClaimable)
	receivers.GET("/statistics", h.GetStatistics)

	r.GET("/escrows/:escrowId/receivers/:address/claimable",
		validation.EscrowIDParamMiddleware(), validation.AddressParamMiddleware(), h.GetClaimable)
}

// ListClaimable handles GET /v1/receivers/:address/claimable
func (h *Handler) ListClaimable(c *gin.Context) {
	includeZero, _ := strconv.ParseBool(c.Query("includeZero"))
	sum, err := h.service.ListClaimable(c.Request.Context(), c.Param("address"), ListOptions{
		IncludeZero: includeZero,
		Limit:       validation.QueryLimit(c),
		Cursor:      c.Query("cursor"),
	})
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// GetStatistics handles GET /v1/receivers/:address/statistics
func (h *Handler) GetStatistics(c *gin.Context) {
	st, err := h.service.Statistics(c.Request.Context(), c.Param("address"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetClaimable handles GET /v1/escrows/:escrowId/receivers/:address/claimable?token=
func (h *Handler) GetClaimable(c *gin.Context) {
	tok, err := token.ParseType(c.Query("token"))
	if err != nil {
		validation.RespondError(c, domain.InvalidArgument("token", "must be one of USDC, USDT, IDRX"))
		return
	}
	bal, err := h.calc.ComputeClaimable(c.Request.Context(), c.Param("escrowId"), c.Param("address"), tok)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}
