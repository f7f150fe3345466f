package redemption

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory redemption store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	redemptions map[string]*Redemption
}

// NewMemoryStore creates a new in-memory redemption store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{redemptions: make(map[string]*Redemption)}
}

func (m *MemoryStore) Create(ctx context.Context, r *Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.redemptions {
		if existing.WithdrawalTxHash == r.WithdrawalTxHash && existing.Status != StatusFailed {
			return ErrAlreadyRedeemed
		}
	}
	m.redemptions[r.ID] = r.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.redemptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, providerRef, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.redemptions[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if providerRef != "" {
		r.ProviderRef = providerRef
	}
	r.FailureReason = reason
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) CountPending(ctx context.Context, escrowID, wallet string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.redemptions {
		if r.EscrowID == escrowID && r.WalletAddress == wallet && r.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Redemption
	for _, r := range m.redemptions {
		if r.WalletAddress == wallet {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
