package claims

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/entitlement"
	"github.com/payrollx/escrowrecon/internal/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(l *entitlement.MemoryLedger) *gin.Engine {
	calc := entitlement.NewCalculator(l, l, nil)
	h := NewHandler(NewService(calc, l, nil), calc)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHandler_ListClaimable(t *testing.T) {
	l := entitlement.NewMemoryLedger()
	allocate(l, "a1", domain.AllocationCreated, escrowID(1), token.USDC, units(token.USDC, 100), t0)
	withdraw(l, "evt1", escrowID(1), units(token.USDC, 30))
	r := setupRouter(l)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receivers/0x00000000000000000000000000000000000000A1/claimable", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Items []struct {
			EscrowID        string `json:"escrowId"`
			AvailableAmount string `json:"availableAmount"`
		} `json:"items"`
		TotalByToken map[string]string `json:"totalByToken"`
		Partial      bool              `json:"partial"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "70.000000", body.Items[0].AvailableAmount)
	assert.Equal(t, "70.000000", body.TotalByToken["USDC"])
	assert.False(t, body.Partial)
}

func TestHandler_UnavailableIsNotZero(t *testing.T) {
	l := entitlement.NewMemoryLedger()
	l.Fail(errors.New("indexer down"))
	r := setupRouter(l)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receivers/"+receiverR+"/claimable", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "source_unavailable")
	assert.NotContains(t, w.Body.String(), "items")
}

func TestHandler_BadAddress(t *testing.T) {
	r := setupRouter(entitlement.NewMemoryLedger())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receivers/bob/claimable", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetClaimable(t *testing.T) {
	l := entitlement.NewMemoryLedger()
	allocate(l, "a1", domain.AllocationCreated, escrowID(7), token.IDRX, units(token.IDRX, 50), t0)
	r := setupRouter(l)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/"+escrowID(7)+"/receivers/"+receiverR+"/claimable?token=idrx", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"availableAmount":"50.00"`)
	assert.Contains(t, w.Body.String(), `"source":"indexer"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/"+escrowID(7)+"/receivers/"+receiverR+"/claimable?token=DOGE", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
