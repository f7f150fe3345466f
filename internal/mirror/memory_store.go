package mirror

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/pagination"
)

// MemoryStore is an in-memory mirror store for demo/development mode.
type MemoryStore struct {
	withdrawals  map[string]*WithdrawalRecord
	escrowEvents map[string]*EscrowEventRecord
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory mirror store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		withdrawals:  make(map[string]*WithdrawalRecord),
		escrowEvents: make(map[string]*EscrowEventRecord),
	}
}

func (m *MemoryStore) InsertWithdrawal(ctx context.Context, rec *WithdrawalRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.withdrawals[rec.ChainEventID]; ok {
		return false, nil
	}
	m.withdrawals[rec.ChainEventID] = rec.clone()
	return true, nil
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, chainEventID string) (*WithdrawalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.withdrawals[chainEventID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryStore) FindByTxHash(ctx context.Context, txHash string) ([]*WithdrawalRecord, error) {
	return m.filter(func(r *WithdrawalRecord) bool { return r.TransactionHash == txHash }), nil
}

func (m *MemoryStore) ListByRecipient(ctx context.Context, recipient string, after *pagination.Cursor, limit int) ([]*WithdrawalRecord, error) {
	recs := m.filter(func(r *WithdrawalRecord) bool {
		return r.RecipientAddress == recipient && after.Follows(r.Timestamp, r.ChainEventID)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*WithdrawalRecord, error) {
	return m.filter(func(r *WithdrawalRecord) bool { return r.EscrowID == escrowID }), nil
}

func (m *MemoryStore) CountByDestination(ctx context.Context, recipient string) (map[domain.Destination]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[domain.Destination]int)
	for _, r := range m.withdrawals {
		if r.RecipientAddress == recipient {
			counts[r.Destination]++
		}
	}
	return counts, nil
}

// filter returns matching copies, newest first.
func (m *MemoryStore) filter(match func(*WithdrawalRecord) bool) []*WithdrawalRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WithdrawalRecord
	for _, r := range m.withdrawals {
		if match(r) {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ChainEventID < out[j].ChainEventID
	})
	return out
}

func (m *MemoryStore) InsertEscrowEvent(ctx context.Context, rec *EscrowEventRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrowEvents[rec.Event.ChainEventID]; ok {
		return false, nil
	}
	m.escrowEvents[rec.Event.ChainEventID] = cloneEscrowEvent(rec)
	return true, nil
}

func (m *MemoryStore) ListEscrowEvents(ctx context.Context, escrowID string) ([]*EscrowEventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*EscrowEventRecord
	for _, r := range m.escrowEvents {
		if r.Event.EscrowID == escrowID {
			out = append(out, cloneEscrowEvent(r))
		}
	}
	sortEscrowEvents(out)
	return out, nil
}

func (m *MemoryStore) AllocationEvents(ctx context.Context, receiver string) ([]domain.EscrowAllocationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*EscrowEventRecord
	for _, r := range m.escrowEvents {
		if _, ok := r.Event.AmountFor(receiver); ok || receiver == "" {
			recs = append(recs, cloneEscrowEvent(r))
		}
	}
	sortEscrowEvents(recs)
	out := make([]domain.EscrowAllocationEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Event)
	}
	return out, nil
}

func sortEscrowEvents(recs []*EscrowEventRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].Event, recs[j].Event
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ChainEventID < b.ChainEventID
	})
}

func cloneEscrowEvent(r *EscrowEventRecord) *EscrowEventRecord {
	cp := *r
	cp.Event.Receivers = make([]domain.ReceiverAllocation, len(r.Event.Receivers))
	for i, ra := range r.Event.Receivers {
		cp.Event.Receivers[i] = domain.ReceiverAllocation{Address: ra.Address, Amount: new(big.Int).Set(ra.Amount)}
	}
	return &cp
}
