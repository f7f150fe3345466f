// Package mirror durably records confirmed on-chain withdrawal and escrow
// events, keyed by the chain event id.
//
// Inserts are idempotent: the first delivery of an event writes it, every
// redelivery is a no-op reported as Inserted=false. A unique-key violation
// from a concurrent writer counts as a redelivery. The mirror never
// retries; callers own the retry policy.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/pagination"
	"github.com/payrollx/escrowrecon/internal/token"
)

var (
	ErrNotFound = errors.New("mirror: record not found")
)

// WithdrawalRecord is the mirrored copy of one WithdrawalEvent.
type WithdrawalRecord struct {
	ChainEventID     string
	EscrowID         string
	RecipientAddress string
	Amount           *big.Int
	Token            token.Type
	Destination      domain.Destination
	Timestamp        time.Time
	TransactionHash  string
	BlockNumber      uint64
	SavedAt          time.Time
}

// NewWithdrawalRecord copies a validated event.
func NewWithdrawalRecord(e domain.WithdrawalEvent, savedAt time.Time) *WithdrawalRecord {
	return &WithdrawalRecord{
		ChainEventID:     e.ChainEventID,
		EscrowID:         e.EscrowID,
		RecipientAddress: e.RecipientAddress,
		Amount:           new(big.Int).Set(e.Amount),
		Token:            e.Token,
		Destination:      e.Destination,
		Timestamp:        e.Timestamp,
		TransactionHash:  e.TransactionHash,
		BlockNumber:      e.BlockNumber,
		SavedAt:          savedAt,
	}
}

func (r *WithdrawalRecord) clone() *WithdrawalRecord {
	cp := *r
	cp.Amount = new(big.Int).Set(r.Amount)
	return &cp
}

func (r *WithdrawalRecord) MarshalJSON() ([]byte, error) {
	v := struct {
		ChainEventID     string             `json:"chainEventId"`
		EscrowID         string             `json:"escrowId"`
		RecipientAddress string             `json:"recipientAddress"`
		Amount           string             `json:"amount"`
		AmountFormatted  string             `json:"amountFormatted,omitempty"`
		TokenType        token.Type         `json:"tokenType,omitempty"`
		Destination      domain.Destination `json:"destination"`
		Timestamp        time.Time          `json:"timestamp"`
		TransactionHash  string             `json:"transactionHash"`
		BlockNumber      uint64             `json:"blockNumber,omitempty"`
		SavedAt          time.Time          `json:"savedAt"`
	}{
		ChainEventID:     r.ChainEventID,
		EscrowID:         r.EscrowID,
		RecipientAddress: r.RecipientAddress,
		Amount:           r.Amount.String(),
		TokenType:        r.Token,
		Destination:      r.Destination,
		Timestamp:        r.Timestamp,
		TransactionHash:  r.TransactionHash,
		BlockNumber:      r.BlockNumber,
		SavedAt:          r.SavedAt,
	}
	if r.Token.Valid() {
		v.AmountFormatted = token.Format(r.Token, r.Amount)
	}
	return json.Marshal(v)
}

// EscrowEventRecord is the mirrored copy of one EscrowAllocationEvent.
type EscrowEventRecord struct {
	Event   domain.EscrowAllocationEvent
	SavedAt time.Time
}

func (r *EscrowEventRecord) MarshalJSON() ([]byte, error) {
	type receiver struct {
		Address string `json:"address"`
		Amount  string `json:"amount"`
	}
	e := r.Event
	receivers := make([]receiver, 0, len(e.Receivers))
	for _, ra := range e.Receivers {
		receivers = append(receivers, receiver{Address: ra.Address, Amount: ra.Amount.String()})
	}
	return json.Marshal(struct {
		ChainEventID    string                `json:"chainEventId"`
		EscrowID        string                `json:"escrowId"`
		Kind            domain.AllocationKind `json:"kind"`
		SenderAddress   string                `json:"senderAddress,omitempty"`
		Receivers       []receiver            `json:"receivers"`
		TokenType       token.Type            `json:"tokenType"`
		CreatedAt       time.Time             `json:"createdAt"`
		TransactionHash string                `json:"transactionHash"`
		BlockNumber     uint64                `json:"blockNumber,omitempty"`
		SavedAt         time.Time             `json:"savedAt"`
	}{e.ChainEventID, e.EscrowID, e.Kind, e.SenderAddress, receivers, e.Token, e.CreatedAt, e.TransactionHash, e.BlockNumber, r.SavedAt})
}

// Store persists mirrored events.
type Store interface {
	// InsertWithdrawal reports false when the chain event id already exists.
	InsertWithdrawal(ctx context.Context, rec *WithdrawalRecord) (bool, error)
	GetWithdrawal(ctx context.Context, chainEventID string) (*WithdrawalRecord, error)
	FindByTxHash(ctx context.Context, txHash string) ([]*WithdrawalRecord, error)
	// ListByRecipient returns up to limit records after cursor, newest first.
	ListByRecipient(ctx context.Context, recipient string, after *pagination.Cursor, limit int) ([]*WithdrawalRecord, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*WithdrawalRecord, error)
	CountByDestination(ctx context.Context, recipient string) (map[domain.Destination]int, error)

	// InsertEscrowEvent reports false when the chain event id already exists.
	InsertEscrowEvent(ctx context.Context, rec *EscrowEventRecord) (bool, error)
	ListEscrowEvents(ctx context.Context, escrowID string) ([]*EscrowEventRecord, error)
	// AllocationEvents serves mirrored allocation events filtered like an
	// indexer query, so the mirror can stand in as an event source.
	AllocationEvents(ctx context.Context, receiver string) ([]domain.EscrowAllocationEvent, error)
}

// MirrorResult is the outcome of one mirror call.
type MirrorResult struct {
	ChainEventID string `json:"chainEventId"`
	Inserted     bool   `json:"inserted"`
}
