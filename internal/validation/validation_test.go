package validation

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
	"github.com/payrollx/escrowrecon/internal/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("txHash", ""),
		ValidAddress("walletAddress", "0x1234"),
		ValidAddress("other", ""),
		ValidAmount("amount", "1.1234567", token.USDC),
		ValidAmount("fee", "0", token.IDRX),
		ValidTxHash("txHash", "0x"),
	)
	require.Len(t, errs, 5)
	assert.Equal(t, "txHash", errs[0].Field)
	assert.Equal(t, "walletAddress", errs[1].Field)
	assert.Equal(t, "amount", errs[2].Field)
	assert.Equal(t, "amount must be greater than zero", errs[3].Message)
	assert.Equal(t, "txHash: is required", errs.Error())

	assert.Empty(t, Validate(
		ValidAddress("walletAddress", "0xABCDEF1234567890123456789012345678901234"),
		ValidAmount("amount", "12.50", token.IDRX),
	))
}

func TestAddressParamMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/r/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("address"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/r/0xABCDEF1234567890123456789012345678901234", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0xabcdef1234567890123456789012345678901234", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/r/0xnothex", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}

func TestQueryLimit(t *testing.T) {
	for q, want := range map[string]int{"": 50, "abc": 50, "7": 7, "100000": 200} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/?limit="+q, nil)
		assert.Equal(t, want, QueryLimit(c), q)
	}
}

func TestRespondError(t *testing.T) {
	errMissing := errors.New("record not found")
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.InvalidArgument("escrowId", "bad"), http.StatusBadRequest, "invalid_argument"},
		{domain.SourceUnavailable("chain", errors.New("timeout")), http.StatusServiceUnavailable, "source_unavailable"},
		{domain.StorageUnavailable("insert", errors.New("conn refused")), http.StatusServiceUnavailable, "storage_unavailable"},
		{errMissing, http.StatusNotFound, "not_found"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondError(c, tt.err, errMissing)

		assert.Equal(t, tt.status, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, tt.code, body["error"])
	}
}
