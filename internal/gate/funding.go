package gate

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/token"
	"github.com/payrollx/escrowrecon/internal/traces"
)

// FundingDecision says whether an escrow's balance covers its allocations.
// It is a sender-side question and deliberately separate from claim
// authorization.
type FundingDecision struct {
	EscrowID       string
	Token          token.Type
	Sufficient     bool
	Balance        *big.Int
	TotalAllocated *big.Int
	Shortfall      *big.Int
	Reason         string
	CheckedAt      time.Time
}

func (f *FundingDecision) MarshalJSON() ([]byte, error) {
	fmtAmount := func(v *big.Int) string {
		if v == nil || !f.Token.Valid() {
			return ""
		}
		return token.Format(f.Token, v)
	}
	return json.Marshal(struct {
		EscrowID       string     `json:"escrowId"`
		TokenType      token.Type `json:"tokenType,omitempty"`
		Sufficient     bool       `json:"sufficient"`
		Balance        string     `json:"balance,omitempty"`
		TotalAllocated string     `json:"totalAllocated,omitempty"`
		Shortfall      string     `json:"shortfall,omitempty"`
		Reason         string     `json:"reason"`
		CheckedAt      time.Time  `json:"checkedAt"`
	}{f.EscrowID, f.Token, f.Sufficient, fmtAmount(f.Balance), fmtAmount(f.TotalAllocated),
		fmtAmount(f.Shortfall), f.Reason, f.CheckedAt})
}

// CheckFunding reports whether balance >= totalAllocated for escrowID.
// Read failures yield Sufficient=false with a reason, not an error.
func (g *Gate) CheckFunding(ctx context.Context, escrowID string) (*FundingDecision, error) {
	escrowID, err := domain.NormalizeEscrowID(escrowID)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "gate.CheckFunding", traces.EscrowID(escrowID))
	defer span.End()

	d := &FundingDecision{EscrowID: escrowID, CheckedAt: g.now()}
	if g.funding == nil {
		d.Reason = "source unavailable: no funding reader configured"
		fundingChecks.WithLabelValues("unavailable").Inc()
		return d, nil
	}
	f, err := g.funding.GetFunding(ctx, escrowID)
	if err != nil || f == nil || f.Balance == nil || f.TotalAllocated == nil {
		if err == nil {
			d.Reason = "source unavailable: incomplete funding read"
		} else {
			d.Reason = failureReason(err)
			traces.RecordError(span, err, domain.KindOf(err))
		}
		fundingChecks.WithLabelValues("unavailable").Inc()
		return d, nil
	}

	d.Token = f.Token
	d.Balance = f.Balance
	d.TotalAllocated = f.TotalAllocated
	switch {
	case !f.Active:
		d.Reason = "escrow is not active"
	case f.Balance.Cmp(f.TotalAllocated) >= 0:
		d.Sufficient = true
		d.Reason = "balance covers allocations"
	default:
		d.Shortfall = new(big.Int).Sub(f.TotalAllocated, f.Balance)
		d.Reason = "balance below total allocated; top-up required"
	}

	result := "insufficient"
	if d.Sufficient {
		result = "sufficient"
	}
	fundingChecks.WithLabelValues(result).Inc()
	return d, nil
}
