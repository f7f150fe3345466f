// Package entitlement computes how much one receiver can currently claim
// from one escrow.
//
// The authoritative answer comes from the escrow contract's current-state
// read (allocation, withdrawn total, active flag). When no such read is
// available the calculator replays indexer events instead and labels the
// result as an estimate. Results are never cached: every call re-reads.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/token"
)

// ErrNoAuthoritativeRead is returned by a LedgerReader that cannot serve a
// current-state read for the requested escrow.
var ErrNoAuthoritativeRead = errors.New("no authoritative ledger read available")

// Source names where a balance's figures came from.
type Source string

const (
	SourceChain   Source = "chain"   // contract state read
	SourceIndexer Source = "indexer" // event replay, display/estimation only
)

// Allocation is the contract's current view of one (escrow, receiver) pair.
// Token is empty only when the contract does not know the escrow.
type Allocation struct {
	Token     token.Type
	Allocated *big.Int
	Withdrawn *big.Int
	Active    bool
}

// LedgerReader performs authoritative current-state reads.
type LedgerReader interface {
	GetAllocation(ctx context.Context, escrowID, receiver string) (*Allocation, error)
}

// EventFilter narrows an event query. Empty fields match everything.
type EventFilter struct {
	ReceiverAddress string
	SenderAddress   string
	EscrowID        string
}

// EventSource serves escrow event history, ordered by chain timestamp.
type EventSource interface {
	AllocationEvents(ctx context.Context, filter EventFilter) ([]domain.EscrowAllocationEvent, error)
	WithdrawalEvents(ctx context.Context, filter EventFilter) ([]domain.WithdrawalEvent, error)
}

// ClaimableBalance is the derived, request-scoped view of one receiver's
// position in one escrow.
type ClaimableBalance struct {
	EscrowID         string
	RecipientAddress string
	Token            token.Type
	Allocated        *big.Int
	Withdrawn        *big.Int
	Available        *big.Int
	EscrowActive     bool
	Source           Source
	AllocatedAt      time.Time // latest allocation event naming the receiver; zero if unknown
	Anomaly          bool      // raw allocated-withdrawn was negative and clamped
}

type balanceJSON struct {
	EscrowID            string     `json:"escrowId"`
	RecipientAddress    string     `json:"recipientAddress"`
	TokenType           token.Type `json:"tokenType"`
	AllocatedAmount     string     `json:"allocatedAmount"`
	WithdrawnAmount     string     `json:"withdrawnAmount"`
	AvailableAmount     string     `json:"availableAmount"`
	AllocatedBaseUnits  string     `json:"allocatedBaseUnits"`
	WithdrawnBaseUnits  string     `json:"withdrawnBaseUnits"`
	AvailableBaseUnits  string     `json:"availableBaseUnits"`
	EscrowActive        bool       `json:"escrowActive"`
	Source              Source     `json:"source"`
	AllocatedAt         *time.Time `json:"allocatedAt,omitempty"`
	AccountingAnomalous bool       `json:"accountingAnomaly,omitempty"`
}

// MarshalJSON renders amounts both in token units and in base units.
func (b *ClaimableBalance) MarshalJSON() ([]byte, error) {
	v := balanceJSON{
		EscrowID:            b.EscrowID,
		RecipientAddress:    b.RecipientAddress,
		TokenType:           b.Token,
		AllocatedAmount:     token.Format(b.Token, b.Allocated),
		WithdrawnAmount:     token.Format(b.Token, b.Withdrawn),
		AvailableAmount:     token.Format(b.Token, b.Available),
		AllocatedBaseUnits:  intString(b.Allocated),
		WithdrawnBaseUnits:  intString(b.Withdrawn),
		AvailableBaseUnits:  intString(b.Available),
		EscrowActive:        b.EscrowActive,
		Source:              b.Source,
		AccountingAnomalous: b.Anomaly,
	}
	if !b.AllocatedAt.IsZero() {
		at := b.AllocatedAt
		v.AllocatedAt = &at
	}
	return json.Marshal(v)
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
