// Package redemption turns mirrored fiat withdrawals into bank payouts
// through the payment rail.
//
// A redemption is recorded as pending before the rail is called, so a
// crash or an unanswered request leaves a visible pending row rather than a
// payout nobody knows about. The claim gate holds new claims for the same
// wallet and escrow while any redemption is pending.
package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/payrollx/escrowrecon/internal/token"
)

var (
	ErrNotFound              = errors.New("redemption: not found")
	ErrAlreadyRedeemed       = errors.New("redemption: withdrawal already redeemed")
	ErrWithdrawalNotMirrored = errors.New("redemption: withdrawal not mirrored")
	ErrRailNotConfigured     = errors.New("redemption: payment rail not configured")

	errNoRailResponse = errors.New("redemption: payment rail returned no response")
)

// Status is a redemption's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"   // recorded; rail outcome unknown
	StatusSubmitted Status = "submitted" // rail accepted
	StatusFailed    Status = "failed"    // rail refused or was never reached
)

// Redemption is one fiat payout request for one withdrawal.
type Redemption struct {
	ID                string
	WithdrawalTxHash  string
	EscrowID          string
	WalletAddress     string
	Token             token.Type
	Amount            *big.Int
	ChainID           int64
	BankAccountNumber string
	BankCode          string
	BankAccountName   string
	Status            Status
	ProviderRef       string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r *Redemption) clone() *Redemption {
	cp := *r
	cp.Amount = new(big.Int).Set(r.Amount)
	return &cp
}

func (r *Redemption) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID                string     `json:"id"`
		WithdrawalTxHash  string     `json:"withdrawalTxHash"`
		EscrowID          string     `json:"escrowId"`
		WalletAddress     string     `json:"walletAddress"`
		TokenType         token.Type `json:"tokenType"`
		Amount            string     `json:"amount"`
		AmountBaseUnits   string     `json:"amountBaseUnits"`
		ChainID           int64      `json:"chainId"`
		BankCode          string     `json:"bankCode"`
		BankAccountNumber string     `json:"bankAccountNumber"`
		BankAccountName   string     `json:"bankAccountName"`
		Status            Status     `json:"status"`
		ProviderRef       string     `json:"providerRef,omitempty"`
		FailureReason     string     `json:"failureReason,omitempty"`
		CreatedAt         time.Time  `json:"createdAt"`
		UpdatedAt         time.Time  `json:"updatedAt"`
	}{
		r.ID, r.WithdrawalTxHash, r.EscrowID, r.WalletAddress, r.Token,
		token.Format(r.Token, r.Amount), r.Amount.String(), r.ChainID,
		r.BankCode, maskAccount(r.BankAccountNumber), r.BankAccountName,
		r.Status, r.ProviderRef, r.FailureReason, r.CreatedAt, r.UpdatedAt,
	})
}

// maskAccount keeps the last four digits.
func maskAccount(n string) string {
	if len(n) <= 4 {
		return n
	}
	masked := make([]byte, len(n))
	for i := range masked[:len(n)-4] {
		masked[i] = '*'
	}
	copy(masked[len(n)-4:], n[len(n)-4:])
	return string(masked)
}

// Store persists redemptions.
type Store interface {
	// Create fails with ErrAlreadyRedeemed when a non-failed redemption
	// already exists for the withdrawal transaction.
	Create(ctx context.Context, r *Redemption) error
	Get(ctx context.Context, id string) (*Redemption, error)
	UpdateStatus(ctx context.Context, id string, status Status, providerRef, reason string, at time.Time) error
	CountPending(ctx context.Context, escrowID, wallet string) (int, error)
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*Redemption, error)
}
