package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for reaching the reconciliation API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration // per request; 0 means 30s
}

// ReconClient is a pure HTTP client for the public read API.
type ReconClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewReconClient creates a new client.
func NewReconClient(cfg Config) *ReconClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &ReconClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// get issues a GET and returns the body of a 2xx reply.
func (c *ReconClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.RawMessage(body), nil
}

// ListClaimable returns a receiver's claimable balances across escrows.
func (c *ReconClient) ListClaimable(ctx context.Context, receiver string, includeZero bool, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if includeZero {
		q.Set("includeZero", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.get(ctx, "/v1/receivers/"+url.PathEscape(receiver)+"/claimable", q)
}

// GetClaimable returns one receiver's position in one escrow.
func (c *ReconClient) GetClaimable(ctx context.Context, escrowID, receiver, tok string) (json.RawMessage, error) {
	path := "/v1/escrows/" + url.PathEscape(escrowID) + "/receivers/" + url.PathEscape(receiver) + "/claimable"
	return c.get(ctx, path, url.Values{"token": {tok}})
}

// AuthorizeClaim asks whether a claim may proceed right now.
func (c *ReconClient) AuthorizeClaim(ctx context.Context, escrowID, receiver, tok string) (json.RawMessage, error) {
	path := "/v1/escrows/" + url.PathEscape(escrowID) + "/receivers/" + url.PathEscape(receiver) + "/authorization"
	return c.get(ctx, path, url.Values{"token": {tok}})
}

// WithdrawalHistory pages through a receiver's mirrored withdrawals.
func (c *ReconClient) WithdrawalHistory(ctx context.Context, receiver string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.get(ctx, "/v1/receivers/"+url.PathEscape(receiver)+"/withdrawals", q)
}

// CheckFunding reports whether an escrow's balance covers its allocations.
func (c *ReconClient) CheckFunding(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/escrows/"+url.PathEscape(escrowID)+"/funding", nil)
}

// Statistics returns aggregate counts for a receiver.
func (c *ReconClient) Statistics(ctx context.Context, receiver string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/receivers/"+url.PathEscape(receiver)+"/statistics", nil)
}
