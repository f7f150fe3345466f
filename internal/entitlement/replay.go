package entitlement

import (
	"math/big"
	"sort"
	"time"

	"github.com/payrollx/escrowrecon/internal/domain"
)

// ReplayResult is an allocation reconstructed from events.
type ReplayResult struct {
	Allocated   *big.Int
	Found       bool      // some event named the receiver
	AllocatedAt time.Time // timestamp of the latest event naming the receiver
	EventIDs    []string
}

// ReplayAllocation rebuilds receiver's current allocation in one escrow.
//
// Events are applied in chain order. Creation, add and update events set
// the allocation to the event's value; top-ups add to it; removal sets it
// to zero. The same chain event delivered twice is applied once.
func ReplayAllocation(events []domain.EscrowAllocationEvent, escrowID, receiver string) ReplayResult {
	ordered := make([]domain.EscrowAllocationEvent, 0, len(events))
	for _, e := range events {
		if e.EscrowID == escrowID {
			ordered = append(ordered, e)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].BlockNumber != ordered[j].BlockNumber {
			return ordered[i].BlockNumber < ordered[j].BlockNumber
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	res := ReplayResult{Allocated: new(big.Int)}
	seen := make(map[string]struct{}, len(ordered))
	for i := range ordered {
		e := &ordered[i]
		if _, dup := seen[e.ChainEventID]; dup {
			continue
		}
		seen[e.ChainEventID] = struct{}{}

		amount, ok := e.AmountFor(receiver)
		if !ok {
			continue
		}
		res.Found = true
		res.AllocatedAt = e.CreatedAt
		res.EventIDs = append(res.EventIDs, e.ChainEventID)

		switch e.Kind {
		case domain.AllocationCreated, domain.AllocationReceiverAdded, domain.AllocationReceiverUpdated:
			res.Allocated.Set(amount)
		case domain.AllocationTopUp:
			res.Allocated.Add(res.Allocated, amount)
		case domain.AllocationReceiverRemoved:
			res.Allocated.SetInt64(0)
		}
	}
	return res
}

// WithdrawnSum is a withdrawn total over distinct chain events.
type WithdrawnSum struct {
	Total      *big.Int
	EventIDs   []string
	Duplicates int
}

// SumDistinctWithdrawals totals receiver's withdrawals from escrowID,
// counting each chain event id once regardless of how often it was delivered.
func SumDistinctWithdrawals(events []domain.WithdrawalEvent, escrowID, receiver string) WithdrawnSum {
	sum := WithdrawnSum{Total: new(big.Int)}
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e.EscrowID != escrowID || !domain.SameAddress(e.RecipientAddress, receiver) {
			continue
		}
		if _, dup := seen[e.ChainEventID]; dup {
			sum.Duplicates++
			continue
		}
		seen[e.ChainEventID] = struct{}{}
		sum.EventIDs = append(sum.EventIDs, e.ChainEventID)
		if e.Amount != nil {
			sum.Total.Add(sum.Total, e.Amount)
		}
	}
	return sum
}
