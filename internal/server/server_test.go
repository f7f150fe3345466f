package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrollx/escrowrecon/internal/config"
	"github.com/payrollx/escrowrecon/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testSecret = "internal-test-secret"
	escrowE1   = "0xe100000000000000000000000000000000000000000000000000000000000001"
	receiverR  = "0x00000000000000000000000000000000000000a1"
	senderS    = "0x00000000000000000000000000000000000000b2"
)

// testConfig returns a development config with no database or ledger.
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		ChainID:             config.DefaultChainID,
		TokenUSDC:           config.DefaultUSDC,
		TokenUSDT:           config.DefaultUSDT,
		TokenIDRX:           config.DefaultIDRX,
		StorageTimeout:      config.DefaultStorageTimeout,
		UpstreamTimeout:     config.DefaultUpstreamTimeout,
		BreakerThreshold:    config.DefaultBreakerThreshold,
		BreakerOpenDuration: config.DefaultBreakerOpenDuration,
		IngestPollInterval:  config.DefaultPollInterval,
		IngestBatchSize:     config.DefaultBatchSize,
		InternalAPISecret:   testSecret,
	}
}

// newTestServer creates a server on in-memory stores
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg, WithLogger(logging.New("error", "text")), WithVersion("test"))
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func do(s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", "").Code)

	// Not ready until Run has started the workers.
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/ready", "").Code)
	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/ready", "").Code)

	s.healthy.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/live", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodGet, "/v1/info", "")

	w := do(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowrecon_http_requests_total")
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/info", "", "X-Request-ID", "lb-123")
	assert.Equal(t, "lb-123", w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/v1/info", "")
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req_"))

	w = do(s, http.MethodGet, "/v1/info", "", "X-Request-ID", strings.Repeat("x", 500))
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req_"))
}

func TestInfo(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/info", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "mirror", body["ledgerSource"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, false, body["redemptionsEnabled"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func allocationBody() string {
	return fmt.Sprintf(`{
		"chainEventId": "alloc-1",
		"escrowId": %q,
		"kind": "created",
		"senderAddress": %q,
		"receivers": [{"address": %q, "amount": "100000000"}],
		"tokenType": "USDC",
		"createdAt": "2026-01-10T09:00:00Z",
		"transactionHash": "0x%064x",
		"blockNumber": 100
	}`, escrowE1, senderS, receiverR, 1)
}

func withdrawalBody() string {
	return fmt.Sprintf(`{
		"chainEventId": "wd-1",
		"escrowId": %q,
		"recipientAddress": %q,
		"amount": "30000000",
		"tokenType": "USDC",
		"destination": "CRYPTO_WALLET",
		"timestamp": "2026-01-20T09:00:00Z",
		"transactionHash": "0x%064x",
		"blockNumber": 110
	}`, escrowE1, receiverR, 2)
}

func TestInternalRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/withdrawals/mirror", withdrawalBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodPost, "/v1/withdrawals/mirror", withdrawalBody(), "X-Internal-Secret", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	disabled := newTestServer(t, func(c *config.Config) { c.InternalAPISecret = "" })
	w = do(disabled, http.MethodPost, "/v1/withdrawals/mirror", withdrawalBody(), "X-Internal-Secret", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMirrorThenReconcile(t *testing.T) {
	s := newTestServer(t)
	secret := []string{"X-Internal-Secret", testSecret}

	w := do(s, http.MethodPost, "/v1/escrows/events/mirror", allocationBody(), secret...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/withdrawals/mirror", withdrawalBody(), secret...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["inserted"])

	// Redelivery is a no-op.
	w = do(s, http.MethodPost, "/v1/withdrawals/mirror", withdrawalBody(), secret...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["inserted"])

	w = do(s, http.MethodGet, "/v1/receivers/"+receiverR+"/claimable", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	items := decode(t, w)["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "70.000000", item["availableAmount"])
	assert.Equal(t, "indexer", item["source"])

	w = do(s, http.MethodGet, "/v1/receivers/"+receiverR+"/withdrawals", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wd-1")

	// An estimate never authorizes a claim.
	w = do(s, http.MethodGet, "/v1/escrows/"+escrowE1+"/receivers/"+receiverR+"/authorization?token=USDC", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decision := decode(t, w)
	assert.Equal(t, false, decision["allowed"])
	assert.Equal(t, "UNAVAILABLE", decision["state"])
}

func TestRedemptionsDisabledWithoutRail(t *testing.T) {
	s := newTestServer(t)

	body := fmt.Sprintf(`{"walletAddress": %q, "txHash": "0x%064x", "amount": "30", "tokenType": "USDC",
		"bankAccountNumber": "1234567890", "bankCode": "BCA", "bankAccountName": "R"}`, receiverR, 2)
	w := do(s, http.MethodPost, "/v1/redemptions", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateLimitRPM = 1 })

	var limited bool
	for i := 0; i < 50; i++ {
		if do(s, http.MethodGet, "/v1/info", "").Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", "").Code)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/nope", "").Code)
}

func TestRedactURL(t *testing.T) {
	redacted := redactURL("postgres://app:hunter2@db:5432/recon")
	assert.NotContains(t, redacted, "hunter2")
	assert.Contains(t, redacted, "app:")
	assert.Contains(t, redacted, "@db:5432/recon")
	assert.Equal(t, "https://indexer.example/subgraphs/escrow", redactURL("https://indexer.example/subgraphs/escrow"))
}
