package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/logging"
	"github.com/payrollx/escrowrecon/internal/token"
	"github.com/payrollx/escrowrecon/internal/traces"
)

// Calculator computes ClaimableBalances. It holds no balance state.
type Calculator struct {
	ledger LedgerReader // nil means replay-only
	events EventSource
	logger *slog.Logger
}

// NewCalculator creates a calculator. ledger may be nil, in which case every
// balance is replayed from events and labeled SourceIndexer.
func NewCalculator(ledger LedgerReader, events EventSource, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{ledger: ledger, events: events, logger: logger}
}

// ComputeClaimable returns the receiver's current position in one escrow.
//
// A transport failure is returned as domain.ErrSourceUnavailable and never as
// a zero balance.
func (c *Calculator) ComputeClaimable(ctx context.Context, escrowID, recipient string, tok token.Type) (*ClaimableBalance, error) {
	escrowID, err := domain.NormalizeEscrowID(escrowID)
	if err != nil {
		return nil, err
	}
	recipient, err = domain.NormalizeAddress("recipientAddress", recipient)
	if err != nil {
		return nil, err
	}
	if !tok.Valid() {
		return nil, domain.InvalidArgument("tokenType", "unsupported token %q", tok)
	}

	ctx, span := traces.StartSpan(ctx, "entitlement.ComputeClaimable",
		traces.EscrowID(escrowID), traces.Recipient(recipient), traces.Token(string(tok)))
	defer span.End()

	bal, trail, err := c.authoritative(ctx, escrowID, recipient, tok)
	if errors.Is(err, ErrNoAuthoritativeRead) {
		bal, trail, err = c.replay(ctx, escrowID, recipient, tok)
	}
	if err != nil {
		computations.WithLabelValues(sourceLabel(bal), domain.KindOf(err)).Inc()
		traces.RecordError(span, err, domain.KindOf(err))
		return nil, err
	}
	span.SetAttributes(traces.Source(string(bal.Source)))

	raw := new(big.Int).Sub(bal.Allocated, bal.Withdrawn)
	if raw.Sign() < 0 {
		bal.Anomaly = true
		bal.Available = new(big.Int)
		c.reportAnomaly(ctx, bal, raw, trail)
	} else {
		bal.Available = raw
	}
	computations.WithLabelValues(string(bal.Source), "ok").Inc()
	return bal, nil
}

// authoritative reads the contract's current state.
func (c *Calculator) authoritative(ctx context.Context, escrowID, recipient string, tok token.Type) (*ClaimableBalance, []string, error) {
	if c.ledger == nil {
		return nil, nil, ErrNoAuthoritativeRead
	}
	alloc, err := c.ledger.GetAllocation(ctx, escrowID, recipient)
	if err != nil {
		if errors.Is(err, ErrNoAuthoritativeRead) || errors.Is(err, domain.ErrSourceUnavailable) {
			return nil, nil, err
		}
		return nil, nil, domain.SourceUnavailable("ledger", err)
	}
	if alloc == nil || alloc.Allocated == nil || alloc.Withdrawn == nil {
		return nil, nil, domain.SourceUnavailable("ledger", errors.New("incomplete allocation read"))
	}
	switch {
	case alloc.Token == "" && alloc.Allocated.Sign() != 0:
		return nil, nil, domain.SourceUnavailable("ledger", errors.New("allocation read without escrow token"))
	case alloc.Token != "" && alloc.Token != tok:
		return nil, nil, domain.InvalidArgument("tokenType", "escrow holds %s, not %s", alloc.Token, tok)
	}
	return &ClaimableBalance{
		EscrowID:         escrowID,
		RecipientAddress: recipient,
		Token:            tok,
		Allocated:        new(big.Int).Set(alloc.Allocated),
		Withdrawn:        new(big.Int).Set(alloc.Withdrawn),
		EscrowActive:     alloc.Active,
		Source:           SourceChain,
	}, nil, nil
}

// replay estimates the position from indexer events. The escrow's active
// flag is not carried by events, so replayed balances report it as active
// and must not be used for authorization.
func (c *Calculator) replay(ctx context.Context, escrowID, recipient string, tok token.Type) (*ClaimableBalance, []string, error) {
	if c.events == nil {
		return nil, nil, domain.SourceUnavailable("indexer", errors.New("no event source configured"))
	}
	filter := EventFilter{EscrowID: escrowID, ReceiverAddress: recipient}

	allocEvents, err := c.events.AllocationEvents(ctx, filter)
	if err != nil {
		return nil, nil, asSourceErr("indexer", err)
	}
	for _, e := range allocEvents {
		if e.EscrowID == escrowID && e.Token != tok {
			return nil, nil, domain.InvalidArgument("tokenType", "escrow holds %s, not %s", e.Token, tok)
		}
	}
	withdrawals, err := c.events.WithdrawalEvents(ctx, filter)
	if err != nil {
		return nil, nil, asSourceErr("indexer", err)
	}

	alloc := ReplayAllocation(allocEvents, escrowID, recipient)
	sum := SumDistinctWithdrawals(withdrawals, escrowID, recipient)
	if sum.Duplicates > 0 {
		duplicateWithdrawals.Add(float64(sum.Duplicates))
		logging.L(ctx).Debug("skipped redelivered withdrawal events",
			"escrow_id", escrowID, "recipient", recipient, "duplicates", sum.Duplicates)
	}

	return &ClaimableBalance{
		EscrowID:         escrowID,
		RecipientAddress: recipient,
		Token:            tok,
		Allocated:        alloc.Allocated,
		Withdrawn:        sum.Total,
		EscrowActive:     true,
		Source:           SourceIndexer,
		AllocatedAt:      alloc.AllocatedAt,
	}, append(alloc.EventIDs, sum.EventIDs...), nil
}

func (c *Calculator) reportAnomaly(ctx context.Context, bal *ClaimableBalance, raw *big.Int, trail []string) {
	anomalies.WithLabelValues("withdrawn_exceeds_allocated").Inc()

	// The chain read carries no event ids; fetch them for the audit log when
	// the indexer is reachable.
	if trail == nil && c.events != nil {
		filter := EventFilter{EscrowID: bal.EscrowID, ReceiverAddress: bal.RecipientAddress}
		if ws, err := c.events.WithdrawalEvents(ctx, filter); err == nil {
			trail = SumDistinctWithdrawals(ws, bal.EscrowID, bal.RecipientAddress).EventIDs
		}
	}

	c.logger.Error("accounting anomaly: withdrawn exceeds allocated",
		"error", domain.Anomaly(bal.EscrowID, "available %s clamped to zero", raw),
		"escrow_id", bal.EscrowID,
		"recipient", bal.RecipientAddress,
		"token", bal.Token,
		"allocated", bal.Allocated.String(),
		"withdrawn", bal.Withdrawn.String(),
		"source", bal.Source,
		"event_ids", trail,
		"request_id", logging.RequestID(ctx),
	)
}

func asSourceErr(source string, err error) error {
	if errors.Is(err, domain.ErrSourceUnavailable) || errors.Is(err, domain.ErrInvalidArgument) {
		return err
	}
	return domain.SourceUnavailable(source, err)
}

func sourceLabel(b *ClaimableBalance) string {
	if b == nil {
		return "unknown"
	}
	return string(b.Source)
}
