package mirror

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/validation"
)

// Handler provides HTTP endpoints for the mirror.
type Handler struct {
	service *Service
}

// NewHandler creates a new mirror handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the read-only history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/receivers/:address/withdrawals", validation.AddressParamMiddleware(), h.ListWithdrawals)
	r.GET("/escrows/:escrowId/events", validation.EscrowIDParamMiddleware(), h.ListEscrowEvents)
	r.GET("/escrows/:escrowId/withdrawals", validation.EscrowIDParamMiddleware(), h.ListEscrowWithdrawals)
	r.GET("/withdrawals/:chainEventId", h.GetWithdrawal)
}

// RegisterInternalRoutes sets up ingestion-triggered write routes. The
// caller is responsible for guarding r.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/mirror", h.MirrorWithdrawal)
	r.POST("/escrows/events/mirror", h.MirrorEscrowEvent)
}

// MirrorWithdrawal handles POST /v1/withdrawals/mirror
func (h *Handler) MirrorWithdrawal(c *gin.Context) {
	var req domain.WithdrawalPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	event, err := req.Event()
	if err != nil {
		validation.RespondError(c, err)
		return
	}

	res, err := h.service.MirrorWithdrawal(c.Request.Context(), event)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	status := http.StatusOK
	if res.Inserted {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

// MirrorEscrowEvent handles POST /v1/escrows/events/mirror
func (h *Handler) MirrorEscrowEvent(c *gin.Context) {
	var req domain.AllocationPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	event, err := req.Event()
	if err != nil {
		validation.RespondError(c, err)
		return
	}

	res, err := h.service.MirrorEscrowEvent(c.Request.Context(), event)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	status := http.StatusOK
	if res.Inserted {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

// ListWithdrawals handles GET /v1/receivers/:address/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	page, err := h.service.History(c.Request.Context(), c.Param("address"), c.Query("cursor"), validation.QueryLimit(c))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetWithdrawal handles GET /v1/withdrawals/:chainEventId
func (h *Handler) GetWithdrawal(c *gin.Context) {
	rec, err := h.service.GetWithdrawal(c.Request.Context(), c.Param("chainEventId"))
	if err != nil {
		validation.RespondError(c, err, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": rec})
}

// ListEscrowEvents handles GET /v1/escrows/:escrowId/events
func (h *Handler) ListEscrowEvents(c *gin.Context) {
	recs, err := h.service.EscrowEvents(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	if recs == nil {
		recs = []*EscrowEventRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"events": recs, "count": len(recs)})
}

// ListEscrowWithdrawals handles GET /v1/escrows/:escrowId/withdrawals
func (h *Handler) ListEscrowWithdrawals(c *gin.Context) {
	recs, err := h.service.EscrowWithdrawals(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	if recs == nil {
		recs = []*WithdrawalRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": recs, "count": len(recs)})
}
