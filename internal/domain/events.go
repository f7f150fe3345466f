// Package domain holds the typed on-chain events the reconciler consumes,
// the input normalization rules shared by every entry point, and the error
// kinds every component reports in.
//
// Raw indexer or webhook payloads are decoded into these types at the
// ingestion boundary; nothing downstream handles untyped JSON.
package domain

import (
	"math/big"
	"strings"
	"time"

	"github.com/payrollx/escrowrecon/internal/token"
)

// AllocationKind says how an allocation event changes a receiver's allocation.
type AllocationKind string

const (
	AllocationCreated         AllocationKind = "created"
	AllocationReceiverAdded   AllocationKind = "receiver_added"
	AllocationReceiverUpdated AllocationKind = "receiver_updated"
	AllocationReceiverRemoved AllocationKind = "receiver_removed"
	AllocationTopUp           AllocationKind = "top_up"
)

// Valid reports whether k is a known kind.
func (k AllocationKind) Valid() bool {
	switch k {
	case AllocationCreated, AllocationReceiverAdded, AllocationReceiverUpdated,
		AllocationReceiverRemoved, AllocationTopUp:
		return true
	}
	return false
}

// Destination is where a withdrawal was paid out.
type Destination string

const (
	DestinationCryptoWallet Destination = "CRYPTO_WALLET"
	DestinationFiatBank     Destination = "FIAT_BANK_ACCOUNT"
)

// ParseDestination accepts either enum spelling in any case.
func ParseDestination(s string) (Destination, error) {
	d := Destination(strings.ToUpper(strings.TrimSpace(s)))
	switch d {
	case DestinationCryptoWallet, DestinationFiatBank:
		return d, nil
	}
	return "", InvalidArgument("destination", "must be CRYPTO_WALLET or FIAT_BANK_ACCOUNT")
}

// ReceiverAllocation is one receiver's amount inside an allocation event.
type ReceiverAllocation struct {
	Address string
	Amount  *big.Int
}

// EscrowAllocationEvent is one escrow creation or allocation change.
type EscrowAllocationEvent struct {
	ChainEventID    string
	EscrowID        string
	Kind            AllocationKind
	SenderAddress   string
	Receivers       []ReceiverAllocation
	Token           token.Type
	CreatedAt       time.Time
	TransactionHash string
	BlockNumber     uint64
}

// AmountFor returns the amount this event names for receiver, if any.
func (e *EscrowAllocationEvent) AmountFor(receiver string) (*big.Int, bool) {
	for _, r := range e.Receivers {
		if SameAddress(r.Address, receiver) {
			return r.Amount, true
		}
	}
	return nil, false
}

// Validate normalizes the event in place.
func (e *EscrowAllocationEvent) Validate() error {
	e.ChainEventID = strings.TrimSpace(e.ChainEventID)
	if e.ChainEventID == "" {
		return InvalidArgument("chainEventId", "is required")
	}
	var err error
	if e.EscrowID, err = NormalizeEscrowID(e.EscrowID); err != nil {
		return err
	}
	if !e.Kind.Valid() {
		return InvalidArgument("kind", "unknown allocation kind %q", e.Kind)
	}
	if e.SenderAddress != "" {
		if e.SenderAddress, err = NormalizeAddress("senderAddress", e.SenderAddress); err != nil {
			return err
		}
	}
	if !e.Token.Valid() {
		return InvalidArgument("tokenType", "unsupported token %q", e.Token)
	}
	if len(e.Receivers) == 0 {
		return InvalidArgument("receivers", "at least one receiver is required")
	}
	for i := range e.Receivers {
		r := &e.Receivers[i]
		if r.Address, err = NormalizeAddress("receivers.address", r.Address); err != nil {
			return err
		}
		if r.Amount == nil || r.Amount.Sign() < 0 {
			return InvalidArgument("receivers.amount", "must be a non-negative amount")
		}
	}
	if e.CreatedAt.IsZero() {
		return InvalidArgument("createdAt", "is required")
	}
	if e.TransactionHash, err = NormalizeTxHash("transactionHash", e.TransactionHash); err != nil {
		return err
	}
	return nil
}

// WithdrawalEvent is one on-chain claim by a receiver against one escrow.
type WithdrawalEvent struct {
	ChainEventID     string
	EscrowID         string
	RecipientAddress string
	Amount           *big.Int
	Token            token.Type // empty when the source does not report it
	Destination      Destination
	Timestamp        time.Time
	TransactionHash  string
	BlockNumber      uint64
}

// Validate normalizes the event in place.
func (e *WithdrawalEvent) Validate() error {
	e.ChainEventID = strings.TrimSpace(e.ChainEventID)
	if e.ChainEventID == "" {
		return InvalidArgument("chainEventId", "is required")
	}
	var err error
	if e.EscrowID, err = NormalizeEscrowID(e.EscrowID); err != nil {
		return err
	}
	if e.RecipientAddress, err = NormalizeAddress("recipientAddress", e.RecipientAddress); err != nil {
		return err
	}
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return InvalidArgument("amount", "must be a positive amount")
	}
	if e.Token != "" && !e.Token.Valid() {
		return InvalidArgument("tokenType", "unsupported token %q", e.Token)
	}
	if e.Destination, err = ParseDestination(string(e.Destination)); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return InvalidArgument("timestamp", "is required")
	}
	if e.TransactionHash, err = NormalizeTxHash("transactionHash", e.TransactionHash); err != nil {
		return err
	}
	return nil
}
