// Package subgraph queries the escrow indexer's GraphQL endpoint.
//
// Indexer data is an estimate: it can lag the chain and redeliver events.
// Callers that need current state read the contract through package chain.
package subgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	graphql "github.com/hasura/go-graphql-client"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/entitlement"
	"github.com/payrollx/escrowrecon/internal/token"
)

const (
	DefaultPageSize = 500
	// MaxPages bounds one logical query so a runaway filter cannot page forever.
	MaxPages = 40
)

var (
	ErrQuery    = errors.New("subgraph: query failed")
	ErrTooLarge = errors.New("subgraph: result exceeds page limit")
)

// Config holds the indexer connection settings.
type Config struct {
	URL      string
	APIKey   string
	PageSize int
	Timeout  time.Duration
}

// Client is a GraphQL client for the escrow subgraph.
type Client struct {
	cfg    Config
	gql    *graphql.Client
	tokens *token.Registry
	logger *slog.Logger
}

// NewClient creates a subgraph client. tokens resolves token contract
// addresses reported by the indexer.
func NewClient(cfg Config, tokens *token.Registry, logger *slog.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gql := graphql.NewClient(cfg.URL, &http.Client{Timeout: cfg.Timeout})
	if cfg.APIKey != "" {
		key := cfg.APIKey
		gql = gql.WithRequestModifier(func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+key)
		})
	}
	return &Client{
		cfg:    cfg,
		gql:    gql,
		tokens: tokens,
		logger: logger,
	}
}

// do runs one GraphQL query and decodes its data into out.
func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	start := time.Now()
	data, err := c.gql.ExecRaw(ctx, query, vars)
	queryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		queries.WithLabelValues(errorLabel(err)).Inc()
		return fmt.Errorf("%w: %v", ErrQuery, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		queries.WithLabelValues("decode_error").Inc()
		return fmt.Errorf("%w: decode data: %v", ErrQuery, err)
	}
	queries.WithLabelValues("ok").Inc()
	return nil
}

// errorLabel maps a client error to a metric label. The client reports
// HTTP and decode failures as GraphQL errors carrying an extensions code.
func errorLabel(err error) string {
	var gqlErrs graphql.Errors
	if !errors.As(err, &gqlErrs) || len(gqlErrs) == 0 {
		return "transport_error"
	}
	if code, ok := gqlErrs[0].Extensions["code"].(string); ok && code != "" {
		return code
	}
	return "graphql_error"
}

// pageAll runs a first/skip paged query until a short page comes back.
func pageAll[T any](ctx context.Context, c *Client, query, field string, where map[string]any) ([]T, error) {
	var all []T
	for page := 0; page < MaxPages; page++ {
		items, err := fetchPage[T](ctx, c, query, field, where, "blockTimestamp", page*c.cfg.PageSize, c.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < c.cfg.PageSize {
			return all, nil
		}
	}
	return nil, fmt.Errorf("%w: %s after %d pages", ErrTooLarge, field, MaxPages)
}

const escrowEventsQuery = `query EscrowEvents($first: Int!, $skip: Int!, $where: EscrowEvent_filter, $orderBy: EscrowEvent_orderBy) {
  escrowEvents(first: $first, skip: $skip, where: $where, orderBy: $orderBy, orderDirection: asc) {
    id
    escrowId
    kind
    sender
    token
    receivers { address amount }
    blockNumber
    blockTimestamp
    transactionHash
  }
}`

const withdrawalsQuery = `query Withdrawals($first: Int!, $skip: Int!, $where: Withdrawal_filter, $orderBy: Withdrawal_orderBy) {
  withdrawals(first: $first, skip: $skip, where: $where, orderBy: $orderBy, orderDirection: asc) {
    id
    escrowId
    receiver
    amount
    token
    destination
    blockNumber
    blockTimestamp
    transactionHash
  }
}`

func allocationWhere(f entitlement.EventFilter) map[string]any {
	where := map[string]any{}
	if f.EscrowID != "" {
		where["escrowId"] = f.EscrowID
	}
	if f.SenderAddress != "" {
		where["sender"] = f.SenderAddress
	}
	if f.ReceiverAddress != "" {
		where["receiverAddresses_contains"] = []string{f.ReceiverAddress}
	}
	return where
}

func withdrawalWhere(f entitlement.EventFilter) map[string]any {
	where := map[string]any{}
	if f.EscrowID != "" {
		where["escrowId"] = f.EscrowID
	}
	if f.ReceiverAddress != "" {
		where["receiver"] = f.ReceiverAddress
	}
	return where
}

// AllocationEvents implements entitlement.EventSource. Filter addresses are
// lowercased because the indexer stores Bytes fields in lowercase hex.
func (c *Client) AllocationEvents(ctx context.Context, filter entitlement.EventFilter) ([]domain.EscrowAllocationEvent, error) {
	rows, err := pageAll[escrowEventRow](ctx, c, escrowEventsQuery, "escrowEvents", allocationWhere(lowerFilter(filter)))
	if err != nil {
		return nil, err
	}
	return c.decodeAllocations(rows), nil
}

// WithdrawalEvents implements entitlement.EventSource.
func (c *Client) WithdrawalEvents(ctx context.Context, filter entitlement.EventFilter) ([]domain.WithdrawalEvent, error) {
	rows, err := pageAll[withdrawalRow](ctx, c, withdrawalsQuery, "withdrawals", withdrawalWhere(lowerFilter(filter)))
	if err != nil {
		return nil, err
	}
	return c.decodeWithdrawals(rows), nil
}

// AllocationsSince returns up to limit allocation events after block,
// oldest first. It feeds the ingestion poller.
func (c *Client) AllocationsSince(ctx context.Context, block uint64, limit int) ([]domain.EscrowAllocationEvent, error) {
	rows, err := fetchPage[escrowEventRow](ctx, c, escrowEventsQuery, "escrowEvents",
		map[string]any{"blockNumber_gt": fmt.Sprint(block)}, "blockNumber", 0, limit)
	if err != nil {
		return nil, err
	}
	return c.decodeAllocations(rows), nil
}

// AllocationsInBlock pages through the allocation events of one block,
// ordered by entity id.
func (c *Client) AllocationsInBlock(ctx context.Context, block uint64, skip, limit int) ([]domain.EscrowAllocationEvent, error) {
	rows, err := fetchPage[escrowEventRow](ctx, c, escrowEventsQuery, "escrowEvents",
		map[string]any{"blockNumber": fmt.Sprint(block)}, "id", skip, limit)
	if err != nil {
		return nil, err
	}
	return c.decodeAllocations(rows), nil
}

// WithdrawalsSince returns up to limit withdrawals after block, oldest first.
func (c *Client) WithdrawalsSince(ctx context.Context, block uint64, limit int) ([]domain.WithdrawalEvent, error) {
	rows, err := fetchPage[withdrawalRow](ctx, c, withdrawalsQuery, "withdrawals",
		map[string]any{"blockNumber_gt": fmt.Sprint(block)}, "blockNumber", 0, limit)
	if err != nil {
		return nil, err
	}
	return c.decodeWithdrawals(rows), nil
}

// WithdrawalsInBlock pages through the withdrawals of one block, ordered by
// entity id.
func (c *Client) WithdrawalsInBlock(ctx context.Context, block uint64, skip, limit int) ([]domain.WithdrawalEvent, error) {
	rows, err := fetchPage[withdrawalRow](ctx, c, withdrawalsQuery, "withdrawals",
		map[string]any{"blockNumber": fmt.Sprint(block)}, "id", skip, limit)
	if err != nil {
		return nil, err
	}
	return c.decodeWithdrawals(rows), nil
}

func fetchPage[T any](ctx context.Context, c *Client, query, field string, where map[string]any, orderBy string, skip, limit int) ([]T, error) {
	vars := map[string]any{
		"first":   limit,
		"skip":    skip,
		"where":   where,
		"orderBy": orderBy,
	}
	var data map[string][]T
	if err := c.do(ctx, query, vars, &data); err != nil {
		return nil, err
	}
	return data[field], nil
}

// Ping issues a trivial query to check the endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	var data json.RawMessage
	return c.do(ctx, `{ _meta { block { number } } }`, nil, &data)
}

func lowerFilter(f entitlement.EventFilter) entitlement.EventFilter {
	return entitlement.EventFilter{
		ReceiverAddress: lower(f.ReceiverAddress),
		SenderAddress:   lower(f.SenderAddress),
		EscrowID:        lower(f.EscrowID),
	}
}
