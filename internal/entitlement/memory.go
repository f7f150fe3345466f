package entitlement

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/payrollx/escrowrecon/internal/domain"
)

// MemoryLedger is an in-process LedgerReader and EventSource for demo mode
// and tests. Without SetAllocation calls it behaves like an indexer-only
// source and returns ErrNoAuthoritativeRead.
type MemoryLedger struct {
	mu          sync.RWMutex
	allocations map[string]Allocation
	allocEvents []domain.EscrowAllocationEvent
	withdrawals []domain.WithdrawalEvent
	failWith    error
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{allocations: make(map[string]Allocation)}
}

func allocationKey(escrowID, receiver string) string {
	return escrowID + "|" + receiver
}

// SetAllocation records the contract state for (escrowID, receiver).
func (m *MemoryLedger) SetAllocation(escrowID, receiver string, a Allocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations[allocationKey(escrowID, receiver)] = Allocation{
		Token:     a.Token,
		Allocated: new(big.Int).Set(a.Allocated),
		Withdrawn: new(big.Int).Set(a.Withdrawn),
		Active:    a.Active,
	}
}

// AddAllocationEvent appends an allocation event. Duplicates are kept to
// mimic indexer redelivery.
func (m *MemoryLedger) AddAllocationEvent(e domain.EscrowAllocationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocEvents = append(m.allocEvents, e)
}

// AddWithdrawal appends a withdrawal event. Duplicates are kept.
func (m *MemoryLedger) AddWithdrawal(e domain.WithdrawalEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals = append(m.withdrawals, e)
}

// Fail makes every subsequent read return err. nil restores normal reads.
func (m *MemoryLedger) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryLedger) GetAllocation(ctx context.Context, escrowID, receiver string) (*Allocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	if len(m.allocations) == 0 {
		return nil, ErrNoAuthoritativeRead
	}
	a, ok := m.allocations[allocationKey(escrowID, receiver)]
	if !ok {
		return &Allocation{Allocated: new(big.Int), Withdrawn: new(big.Int)}, nil
	}
	return &Allocation{
		Token:     a.Token,
		Allocated: new(big.Int).Set(a.Allocated),
		Withdrawn: new(big.Int).Set(a.Withdrawn),
		Active:    a.Active,
	}, nil
}

func (m *MemoryLedger) AllocationEvents(ctx context.Context, filter EventFilter) ([]domain.EscrowAllocationEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []domain.EscrowAllocationEvent
	for _, e := range m.allocEvents {
		if filter.EscrowID != "" && e.EscrowID != filter.EscrowID {
			continue
		}
		if filter.SenderAddress != "" && !domain.SameAddress(e.SenderAddress, filter.SenderAddress) {
			continue
		}
		if filter.ReceiverAddress != "" {
			if _, ok := e.AmountFor(filter.ReceiverAddress); !ok {
				continue
			}
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryLedger) WithdrawalEvents(ctx context.Context, filter EventFilter) ([]domain.WithdrawalEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []domain.WithdrawalEvent
	for _, e := range m.withdrawals {
		if filter.EscrowID != "" && e.EscrowID != filter.EscrowID {
			continue
		}
		if filter.ReceiverAddress != "" && !domain.SameAddress(e.RecipientAddress, filter.ReceiverAddress) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
