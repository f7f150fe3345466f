// Package payrail is a client for the fiat payment rail that turns a
// receiver's on-chain withdrawal into a bank transfer.
//
// Every request is signed: HMAC-SHA256 over timestamp, method, path and
// body, keyed by the account secret, sent base64url-encoded. Signatures are
// generated per request because the rail rejects stale timestamps.
package payrail

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Api-Ts"
	HeaderSignature = "X-Api-Sig"

	redeemPath       = "/api/v1/redeem"
	bankAccountsPath = "/api/v1/bank-accounts"
)

var (
	ErrNotConfigured = errors.New("payrail: not configured")
	// ErrRejected means the rail refused the request; retrying will not help.
	ErrRejected = errors.New("payrail: request rejected")
	// ErrUnavailable means the outcome is unknown or the rail is down.
	ErrUnavailable = errors.New("payrail: unavailable")
)

// Config holds payment rail credentials.
type Config struct {
	BaseURL string
	APIKey  string
	Secret  string
	Timeout time.Duration
}

// Configured reports whether all credentials are present.
func (c Config) Configured() bool {
	return c.BaseURL != "" && c.APIKey != "" && c.Secret != ""
}

// RedeemRequest asks the rail to pay out a withdrawal to a bank account.
// Amount is in token units (e.g. "37.50").
type RedeemRequest struct {
	WalletAddress     string `json:"walletAddress"`
	Amount            string `json:"amount"`
	TokenType         string `json:"tokenType"`
	ChainID           int64  `json:"chainId"`
	TransactionHash   string `json:"txHash"`
	BankAccountNumber string `json:"bankAccountNumber"`
	BankCode          string `json:"bankCode"`
	BankAccountName   string `json:"bankAccountName"`
	Reference         string `json:"reference"`
}

// RedeemResponse is the rail's acknowledgement.
type RedeemResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BankAccount is a payout account registered with the rail.
type BankAccount struct {
	ID            string `json:"id"`
	BankCode      string `json:"bankCode"`
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

// Client calls the payment rail.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a rail client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// CreateRedemption submits a redemption.
func (c *Client) CreateRedemption(ctx context.Context, req RedeemRequest) (*RedeemResponse, error) {
	var out struct {
		Data RedeemResponse `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, redeemPath, req, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, fmt.Errorf("%w: response missing redemption id", ErrUnavailable)
	}
	return &out.Data, nil
}

// ListBankAccounts returns the payout accounts registered with the rail.
func (c *Client) ListBankAccounts(ctx context.Context) ([]BankAccount, error) {
	var out struct {
		Data []BankAccount `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, bankAccountsPath, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if !c.cfg.Configured() {
		return ErrNotConfigured
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("payrail: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payrail: create request: %w", err)
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set(HeaderAPIKey, c.cfg.APIKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(c.cfg.Secret, ts, method, path, payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		requests.WithLabelValues(path, "transport_error").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		requests.WithLabelValues(path, "transport_error").Inc()
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		requests.WithLabelValues(path, "server_error").Inc()
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, apiMessage(raw))
	case resp.StatusCode >= 400:
		requests.WithLabelValues(path, "rejected").Inc()
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, apiMessage(raw))
	}
	requests.WithLabelValues(path, "ok").Inc()

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

// Sign computes the request signature: base64url(HMAC-SHA256(secret,
// timestamp + method + path + body)).
func Sign(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func apiMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
