package subgraph

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/token"
)

// Indexer rows. BigInt fields arrive as decimal strings.

type receiverRow struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type escrowEventRow struct {
	ID              string        `json:"id"`
	EscrowID        string        `json:"escrowId"`
	Kind            string        `json:"kind"`
	Sender          string        `json:"sender"`
	Token           string        `json:"token"`
	Receivers       []receiverRow `json:"receivers"`
	BlockNumber     string        `json:"blockNumber"`
	BlockTimestamp  string        `json:"blockTimestamp"`
	TransactionHash string        `json:"transactionHash"`
}

type withdrawalRow struct {
	ID              string `json:"id"`
	EscrowID        string `json:"escrowId"`
	Receiver        string `json:"receiver"`
	Amount          string `json:"amount"`
	Token           string `json:"token"`
	Destination     string `json:"destination"`
	BlockNumber     string `json:"blockNumber"`
	BlockTimestamp  string `json:"blockTimestamp"`
	TransactionHash string `json:"transactionHash"`
}

// Indexer kind spellings.
var kindNames = map[string]domain.AllocationKind{
	"CREATED":          domain.AllocationCreated,
	"RECEIVER_ADDED":   domain.AllocationReceiverAdded,
	"RECEIVER_UPDATED": domain.AllocationReceiverUpdated,
	"RECEIVER_REMOVED": domain.AllocationReceiverRemoved,
	"TOP_UP":           domain.AllocationTopUp,
}

// Malformed rows are dropped with an error log rather than failing the
// whole query, so one bad entity cannot stall ingestion.
func (c *Client) decodeAllocations(rows []escrowEventRow) []domain.EscrowAllocationEvent {
	out := make([]domain.EscrowAllocationEvent, 0, len(rows))
	for _, row := range rows {
		e, err := c.allocationFromRow(row)
		if err != nil {
			malformed.WithLabelValues("escrow_event").Inc()
			c.logger.Error("dropping malformed indexer event", "kind", "escrow_event", "id", row.ID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *Client) decodeWithdrawals(rows []withdrawalRow) []domain.WithdrawalEvent {
	out := make([]domain.WithdrawalEvent, 0, len(rows))
	for _, row := range rows {
		e, err := c.withdrawalFromRow(row)
		if err != nil {
			malformed.WithLabelValues("withdrawal").Inc()
			c.logger.Error("dropping malformed indexer event", "kind", "withdrawal", "id", row.ID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *Client) allocationFromRow(row escrowEventRow) (domain.EscrowAllocationEvent, error) {
	kind, ok := kindNames[strings.ToUpper(row.Kind)]
	if !ok {
		kind = domain.AllocationKind(strings.ToLower(row.Kind))
	}
	tok, err := c.resolveToken(row.Token)
	if err != nil {
		return domain.EscrowAllocationEvent{}, err
	}
	at, block, err := parseBlock(row.BlockTimestamp, row.BlockNumber)
	if err != nil {
		return domain.EscrowAllocationEvent{}, err
	}
	receivers := make([]domain.ReceiverAllocation, 0, len(row.Receivers))
	for _, r := range row.Receivers {
		amount, err := token.ParseBaseUnits(r.Amount)
		if err != nil {
			return domain.EscrowAllocationEvent{}, fmt.Errorf("receiver %s amount: %w", r.Address, err)
		}
		receivers = append(receivers, domain.ReceiverAllocation{Address: r.Address, Amount: amount})
	}
	e := domain.EscrowAllocationEvent{
		ChainEventID:    row.ID,
		EscrowID:        row.EscrowID,
		Kind:            kind,
		SenderAddress:   row.Sender,
		Receivers:       receivers,
		Token:           tok,
		CreatedAt:       at,
		TransactionHash: row.TransactionHash,
		BlockNumber:     block,
	}
	if err := e.Validate(); err != nil {
		return domain.EscrowAllocationEvent{}, err
	}
	return e, nil
}

func (c *Client) withdrawalFromRow(row withdrawalRow) (domain.WithdrawalEvent, error) {
	amount, err := token.ParseBaseUnits(row.Amount)
	if err != nil {
		return domain.WithdrawalEvent{}, fmt.Errorf("amount: %w", err)
	}
	var tok token.Type
	if row.Token != "" {
		if tok, err = c.resolveToken(row.Token); err != nil {
			return domain.WithdrawalEvent{}, err
		}
	}
	at, block, err := parseBlock(row.BlockTimestamp, row.BlockNumber)
	if err != nil {
		return domain.WithdrawalEvent{}, err
	}
	e := domain.WithdrawalEvent{
		ChainEventID:     row.ID,
		EscrowID:         row.EscrowID,
		RecipientAddress: row.Receiver,
		Amount:           amount,
		Token:            tok,
		Destination:      domain.Destination(row.Destination),
		Timestamp:        at,
		TransactionHash:  row.TransactionHash,
		BlockNumber:      block,
	}
	if err := e.Validate(); err != nil {
		return domain.WithdrawalEvent{}, err
	}
	return e, nil
}

// resolveToken accepts a contract address known to the registry or a
// token symbol.
func (c *Client) resolveToken(s string) (token.Type, error) {
	if strings.HasPrefix(s, "0x") && c.tokens != nil {
		if t, ok := c.tokens.Lookup(s); ok {
			return t, nil
		}
		return "", fmt.Errorf("unknown token contract %s", s)
	}
	return token.ParseType(s)
}

func parseBlock(ts, number string) (time.Time, uint64, error) {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, 0, fmt.Errorf("invalid blockTimestamp %q", ts)
	}
	var block uint64
	if number != "" {
		if block, err = strconv.ParseUint(number, 10, 64); err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid blockNumber %q", number)
		}
	}
	return time.Unix(secs, 0).UTC(), block, nil
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
