package upstream

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrollx/escrowrecon/internal/circuitbreaker"
	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/entitlement"
	"github.com/payrollx/escrowrecon/internal/gate"
	"github.com/payrollx/escrowrecon/internal/token"
)

const (
	escrowE1  = "0xe100000000000000000000000000000000000000000000000000000000000001"
	receiverR = "0x00000000000000000000000000000000000000a1"
)

type slowLedger struct {
	delay time.Duration
	err   error
	calls int
}

func (s *slowLedger) wait(ctx context.Context) error {
	s.calls++
	select {
	case <-time.After(s.delay):
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowLedger) GetAllocation(ctx context.Context, _, _ string) (*entitlement.Allocation, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &entitlement.Allocation{Token: token.USDC, Allocated: big.NewInt(100), Withdrawn: big.NewInt(30), Active: true}, nil
}

func (s *slowLedger) GetVestingWindow(ctx context.Context, _ string) (*gate.VestingWindow, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &gate.VestingWindow{}, nil
}

func (s *slowLedger) GetFunding(ctx context.Context, _ string) (*gate.Funding, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &gate.Funding{Token: token.USDC, Balance: big.NewInt(1), TotalAllocated: big.NewInt(1), Active: true}, nil
}

func TestGuard_PassesResults(t *testing.T) {
	l := NewLedger(&slowLedger{}, NewGuard(circuitbreaker.New(3, time.Minute), time.Second), "chain")
	a, err := l.GetAllocation(context.Background(), escrowE1, receiverR)
	require.NoError(t, err)
	assert.Equal(t, "100", a.Allocated.String())
}

func TestGuard_TimeoutIsSourceUnavailable(t *testing.T) {
	l := NewLedger(&slowLedger{delay: time.Second}, NewGuard(nil, 20*time.Millisecond), "chain")

	start := time.Now()
	_, err := l.GetVestingWindow(context.Background(), escrowE1)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "no answer within")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGuard_BreakerOpens(t *testing.T) {
	inner := &slowLedger{err: errors.New("connection refused")}
	l := NewLedger(inner, NewGuard(circuitbreaker.New(2, time.Minute), time.Second), "chain")

	for i := 0; i < 2; i++ {
		_, err := l.GetFunding(context.Background(), escrowE1)
		require.ErrorIs(t, err, domain.ErrSourceUnavailable)
	}
	_, err := l.GetFunding(context.Background(), escrowE1)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls)
}

func TestGuard_NoAuthoritativeReadPassesThrough(t *testing.T) {
	b := circuitbreaker.New(1, time.Minute)
	l := NewLedger(entitlement.NewMemoryLedger(), NewGuard(b, time.Second), "chain")

	_, err := l.GetAllocation(context.Background(), escrowE1, receiverR)
	assert.ErrorIs(t, err, entitlement.ErrNoAuthoritativeRead)
	assert.NotErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Equal(t, circuitbreaker.StateClosed, b.State("chain"))
}

func TestGuard_CallerCancellationDoesNotTrip(t *testing.T) {
	b := circuitbreaker.New(1, time.Minute)
	l := NewLedger(&slowLedger{delay: time.Second}, NewGuard(b, time.Second), "chain")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.GetAllocation(ctx, escrowE1, receiverR)
	assert.Error(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, b.State("chain"))
}

func TestGuardedEvents_WithCalculator(t *testing.T) {
	ledger := entitlement.NewMemoryLedger()
	ledger.Fail(errors.New("indexer 502"))
	guard := NewGuard(nil, time.Second)
	calc := entitlement.NewCalculator(nil, NewEvents(ledger, guard, "indexer"), nil)

	bal, err := calc.ComputeClaimable(context.Background(), escrowE1, receiverR, token.USDC)
	assert.Nil(t, bal)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "indexer")
}
