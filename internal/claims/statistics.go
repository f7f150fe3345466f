package claims

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/token"
	"github.com/payrollx/escrowrecon/internal/traces"
)

// WithdrawalCounter counts a receiver's mirrored withdrawals per destination.
type WithdrawalCounter interface {
	CountByDestination(ctx context.Context, recipient string) (map[domain.Destination]int, error)
}

// TokenTotals sums one token across a receiver's escrows.
type TokenTotals struct {
	Allocated *big.Int
	Withdrawn *big.Int
	Available *big.Int
}

// Statistics is a receiver's dashboard summary.
type Statistics struct {
	RecipientAddress   string
	EscrowCount        int
	ActiveEscrowCount  int
	ClaimableCount     int
	ByToken            map[token.Type]*TokenTotals
	WithdrawalCounts   map[domain.Destination]int
	HistoryUnavailable bool
	Partial            bool
	Unavailable        []EscrowFailure
}

func (s *Statistics) MarshalJSON() ([]byte, error) {
	type totals struct {
		Allocated string `json:"allocatedAmount"`
		Withdrawn string `json:"withdrawnAmount"`
		Available string `json:"availableAmount"`
	}
	byToken := make(map[token.Type]totals, len(s.ByToken))
	for t, v := range s.ByToken {
		byToken[t] = totals{
			Allocated: token.Format(t, v.Allocated),
			Withdrawn: token.Format(t, v.Withdrawn),
			Available: token.Format(t, v.Available),
		}
	}
	return json.Marshal(struct {
		RecipientAddress   string                     `json:"recipientAddress"`
		EscrowCount        int                        `json:"escrowCount"`
		ActiveEscrowCount  int                        `json:"activeEscrowCount"`
		ClaimableCount     int                        `json:"claimableCount"`
		ByToken            map[token.Type]totals      `json:"byToken"`
		WithdrawalCounts   map[domain.Destination]int `json:"withdrawalCounts,omitempty"`
		HistoryUnavailable bool                       `json:"historyUnavailable,omitempty"`
		Partial            bool                       `json:"partial"`
		Unavailable        []EscrowFailure            `json:"unavailable,omitempty"`
	}{
		s.RecipientAddress, s.EscrowCount, s.ActiveEscrowCount, s.ClaimableCount, byToken,
		s.WithdrawalCounts, s.HistoryUnavailable, s.Partial, s.Unavailable,
	})
}

// Statistics summarizes every escrow naming recipient, including fully
// claimed ones, plus mirrored withdrawal counts when history is configured.
func (s *Service) Statistics(ctx context.Context, recipient string) (*Statistics, error) {
	recipient, err := domain.NormalizeAddress("recipientAddress", recipient)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "claims.Statistics", traces.Recipient(recipient))
	defer span.End()

	col, err := s.collect(ctx, recipient)
	if err != nil {
		traces.RecordError(span, err, domain.KindOf(err))
		return nil, err
	}

	st := &Statistics{
		RecipientAddress: recipient,
		EscrowCount:      len(col.balances) + len(col.failures),
		ByToken:          make(map[token.Type]*TokenTotals),
		Partial:          len(col.failures) > 0,
		Unavailable:      col.failures,
	}
	for _, b := range col.balances {
		if b.EscrowActive {
			st.ActiveEscrowCount++
		}
		if b.Available.Sign() > 0 {
			st.ClaimableCount++
		}
		tt := st.ByToken[b.Token]
		if tt == nil {
			tt = &TokenTotals{Allocated: new(big.Int), Withdrawn: new(big.Int), Available: new(big.Int)}
			st.ByToken[b.Token] = tt
		}
		tt.Allocated.Add(tt.Allocated, b.Allocated)
		tt.Withdrawn.Add(tt.Withdrawn, b.Withdrawn)
		tt.Available.Add(tt.Available, b.Available)
	}

	if s.history != nil {
		counts, err := s.history.CountByDestination(ctx, recipient)
		if err != nil {
			s.logger.Warn("withdrawal history unavailable", "recipient", recipient, "error", err)
			st.HistoryUnavailable = true
		} else {
			st.WithdrawalCounts = counts
		}
	}
	return st, nil
}
