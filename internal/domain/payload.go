package domain

import (
	"time"

	"github.com/payrollx/escrowrecon/internal/token"
)

// WithdrawalPayload is the JSON shape of a withdrawal event on the wire
// (mirror endpoint body, NATS message). Amounts are base-unit integer strings.
type WithdrawalPayload struct {
	ChainEventID     string    `json:"chainEventId"`
	EscrowID         string    `json:"escrowId"`
	RecipientAddress string    `json:"recipientAddress"`
	Amount           string    `json:"amount"`
	TokenType        string    `json:"tokenType,omitempty"`
	Destination      string    `json:"destination"`
	Timestamp        time.Time `json:"timestamp"`
	TransactionHash  string    `json:"transactionHash"`
	BlockNumber      uint64    `json:"blockNumber,omitempty"`
}

// Event parses and validates the payload.
func (p WithdrawalPayload) Event() (WithdrawalEvent, error) {
	amount, err := token.ParseBaseUnits(p.Amount)
	if err != nil {
		return WithdrawalEvent{}, InvalidArgument("amount", "must be a base-unit integer")
	}
	var tok token.Type
	if p.TokenType != "" {
		if tok, err = token.ParseType(p.TokenType); err != nil {
			return WithdrawalEvent{}, InvalidArgument("tokenType", "unsupported token %q", p.TokenType)
		}
	}
	e := WithdrawalEvent{
		ChainEventID:     p.ChainEventID,
		EscrowID:         p.EscrowID,
		RecipientAddress: p.RecipientAddress,
		Amount:           amount,
		Token:            tok,
		Destination:      Destination(p.Destination),
		Timestamp:        p.Timestamp.UTC(),
		TransactionHash:  p.TransactionHash,
		BlockNumber:      p.BlockNumber,
	}
	if err := e.Validate(); err != nil {
		return WithdrawalEvent{}, err
	}
	return e, nil
}

// ReceiverPayload is one receiver entry of an AllocationPayload.
type ReceiverPayload struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// AllocationPayload is the JSON shape of an escrow allocation event.
type AllocationPayload struct {
	ChainEventID    string            `json:"chainEventId"`
	EscrowID        string            `json:"escrowId"`
	Kind            string            `json:"kind"`
	SenderAddress   string            `json:"senderAddress"`
	Receivers       []ReceiverPayload `json:"receivers"`
	TokenType       string            `json:"tokenType"`
	CreatedAt       time.Time         `json:"createdAt"`
	TransactionHash string            `json:"transactionHash"`
	BlockNumber     uint64            `json:"blockNumber,omitempty"`
}

// Event parses and validates the payload.
func (p AllocationPayload) Event() (EscrowAllocationEvent, error) {
	tok, err := token.ParseType(p.TokenType)
	if err != nil {
		return EscrowAllocationEvent{}, InvalidArgument("tokenType", "unsupported token %q", p.TokenType)
	}
	receivers := make([]ReceiverAllocation, 0, len(p.Receivers))
	for _, r := range p.Receivers {
		amount, err := token.ParseBaseUnits(r.Amount)
		if err != nil {
			return EscrowAllocationEvent{}, InvalidArgument("receivers.amount", "must be a base-unit integer")
		}
		receivers = append(receivers, ReceiverAllocation{Address: r.Address, Amount: amount})
	}
	e := EscrowAllocationEvent{
		ChainEventID:    p.ChainEventID,
		EscrowID:        p.EscrowID,
		Kind:            AllocationKind(p.Kind),
		SenderAddress:   p.SenderAddress,
		Receivers:       receivers,
		Token:           tok,
		CreatedAt:       p.CreatedAt.UTC(),
		TransactionHash: p.TransactionHash,
		BlockNumber:     p.BlockNumber,
	}
	if err := e.Validate(); err != nil {
		return EscrowAllocationEvent{}, err
	}
	return e, nil
}
