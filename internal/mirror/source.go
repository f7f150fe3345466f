package mirror

import (
	"context"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/entitlement"
)

// EventSource serves mirrored events as an entitlement.EventSource. It is
// only as fresh as ingestion, so balances replayed from it are estimates.
type EventSource struct {
	store Store
}

// NewEventSource wraps a mirror store.
func NewEventSource(store Store) *EventSource {
	return &EventSource{store: store}
}

func (s *EventSource) AllocationEvents(ctx context.Context, f entitlement.EventFilter) ([]domain.EscrowAllocationEvent, error) {
	var (
		events []domain.EscrowAllocationEvent
		err    error
	)
	switch {
	case f.ReceiverAddress != "":
		events, err = s.store.AllocationEvents(ctx, f.ReceiverAddress)
	case f.EscrowID != "":
		var recs []*EscrowEventRecord
		recs, err = s.store.ListEscrowEvents(ctx, f.EscrowID)
		for _, r := range recs {
			events = append(events, r.Event)
		}
	default:
		events, err = s.store.AllocationEvents(ctx, "")
	}
	if err != nil {
		return nil, domain.StorageUnavailable("mirror allocation events", err)
	}

	out := events[:0:0]
	for _, e := range events {
		if f.EscrowID != "" && e.EscrowID != f.EscrowID {
			continue
		}
		if f.SenderAddress != "" && !domain.SameAddress(e.SenderAddress, f.SenderAddress) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *EventSource) WithdrawalEvents(ctx context.Context, f entitlement.EventFilter) ([]domain.WithdrawalEvent, error) {
	var (
		recs []*WithdrawalRecord
		err  error
	)
	if f.EscrowID != "" {
		recs, err = s.store.ListByEscrow(ctx, f.EscrowID)
	} else if f.ReceiverAddress != "" {
		recs, err = s.store.ListByRecipient(ctx, f.ReceiverAddress, nil, 1<<30)
	}
	if err != nil {
		return nil, domain.StorageUnavailable("mirror withdrawals", err)
	}

	var out []domain.WithdrawalEvent
	for i := len(recs) - 1; i >= 0; i-- { // stores return newest first
		r := recs[i]
		if f.ReceiverAddress != "" && !domain.SameAddress(r.RecipientAddress, f.ReceiverAddress) {
			continue
		}
		out = append(out, domain.WithdrawalEvent{
			ChainEventID:     r.ChainEventID,
			EscrowID:         r.EscrowID,
			RecipientAddress: r.RecipientAddress,
			Amount:           r.Amount,
			Token:            r.Token,
			Destination:      r.Destination,
			Timestamp:        r.Timestamp,
			TransactionHash:  r.TransactionHash,
			BlockNumber:      r.BlockNumber,
		})
	}
	return out, nil
}
