package gate

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/entitlement"
	"github.com/payrollx/escrowrecon/internal/token"
)

const (
	escrowE1  = "0xe100000000000000000000000000000000000000000000000000000000000001"
	escrowE2  = "0xe200000000000000000000000000000000000000000000000000000000000002"
	receiverR = "0x00000000000000000000000000000000000000a1"
	txA       = "0xaaaa000000000000000000000000000000000000000000000000000000000001"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }
func idrx(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(100)) }

type fakeVesting struct {
	windows map[string]*VestingWindow
	err     error
}

func (f *fakeVesting) GetVestingWindow(_ context.Context, escrowID string) (*VestingWindow, error) {
	if f.err != nil {
		return nil, f.err
	}
	if w, ok := f.windows[escrowID]; ok {
		return w, nil
	}
	return &VestingWindow{}, nil
}

type fakeFunding struct {
	funding *Funding
	err     error
}

func (f *fakeFunding) GetFunding(context.Context, string) (*Funding, error) {
	return f.funding, f.err
}

type fakeRedemptions struct {
	pending int
	err     error
}

func (f *fakeRedemptions) PendingCount(context.Context, string, string) (int, error) {
	return f.pending, f.err
}

func newGate(ledger *entitlement.MemoryLedger, vesting *fakeVesting) *Gate {
	g := New(entitlement.NewCalculator(ledger, ledger, nil), vesting, nil, nil)
	g.now = func() time.Time { return now }
	return g
}

func TestAuthorizeClaim_Claimable(t *testing.T) {
	ledger := entitlement.NewMemoryLedger()
	ledger.SetAllocation(escrowE1, receiverR, entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(30), Active: true})

	d, err := newGate(ledger, &fakeVesting{}).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, StateClaimable, d.State)
	assert.Equal(t, usdc(70).String(), d.ClaimableAmount.String())
}

func TestAuthorizeClaim_TokenMismatch(t *testing.T) {
	ledger := entitlement.NewMemoryLedger()
	ledger.SetAllocation(escrowE1, receiverR, entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(30), Active: true})

	d, err := newGate(ledger, &fakeVesting{}).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.IDRX)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Nil(t, d)
}

func TestAuthorizeClaim_VestingNotStarted(t *testing.T) {
	ledger := entitlement.NewMemoryLedger()
	ledger.SetAllocation(escrowE2, receiverR, entitlement.Allocation{Token: token.IDRX, Allocated: idrx(50), Withdrawn: new(big.Int), Active: true})
	vesting := &fakeVesting{windows: map[string]*VestingWindow{
		escrowE2: {Enabled: true, Start: now.Add(24 * time.Hour), End: now.Add(30 * 24 * time.Hour)},
	}}

	d, err := newGate(ledger, vesting).AuthorizeClaim(context.Background(), escrowE2, receiverR, token.IDRX)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateVestingLocked, d.State)
	assert.Equal(t, ReasonVestingNotStarted, d.Reason)
	assert.Zero(t, d.ClaimableAmount.Sign())
}

func TestAuthorizeClaim_PartiallyVested(t *testing.T) {
	ledger := entitlement.NewMemoryLedger()
	ledger.SetAllocation(escrowE1, receiverR, entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(10), Active: true})
	vesting := &fakeVesting{windows: map[string]*VestingWindow{
		// Halfway through: 50 vested, 10 withdrawn.
		escrowE1: {Enabled: true, Start: now.Add(-5 * time.Hour), End: now.Add(5 * time.Hour)},
	}}

	d, err := newGate(ledger, vesting).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, usdc(40).String(), d.ClaimableAmount.String())
}

func TestAuthorizeClaim_VestedAlreadyWithdrawn(t *testing.T) {
	ledger := entitlement.NewMemoryLedger()
	ledger.SetAllocation(escrowE1, receiverR, entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(50), Active: true})
	vesting := &fakeVesting{windows: map[string]*VestingWindow{
		escrowE1: {Enabled: true, Start: now.Add(-2 * time.Hour), End: now.Add(8 * time.Hour)},
	}}

	d, err := newGate(ledger, vesting).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateVestingLocked, d.State)
	assert.True(t, strings.HasPrefix(d.Reason, "vesting in progress"), d.Reason)
}

func TestAuthorizeClaim_States(t *testing.T) {
	tests := []struct {
		name  string
		alloc entitlement.Allocation
		want  State
	}{
		{"no allocation", entitlement.Allocation{Token: token.USDC, Allocated: new(big.Int), Withdrawn: new(big.Int), Active: true}, StateNoAllocation},
		{"exhausted", entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(100), Active: true}, StateExhausted},
		{"inactive", entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(0), Active: false}, StateEscrowInactive},
		{"inactive beats exhausted", entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(100), Active: false}, StateEscrowInactive},
		{"anomaly", entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(120), Active: true}, StateUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := entitlement.NewMemoryLedger()
			ledger.SetAllocation(escrowE1, receiverR, tt.alloc)

			d, err := newGate(ledger, &fakeVesting{}).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.State)
			assert.Zero(t, d.ClaimableAmount.Sign())
		})
	}
}

func TestAuthorizeClaim_FailsClosed(t *testing.T) {
	t.Run("ledger failure", func(t *testing.T) {
		ledger := entitlement.NewMemoryLedger()
		ledger.SetAllocation(escrowE1, receiverR, entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(0), Active: true})
		ledger.Fail(errors.New("rpc: connection refused"))

		d, err := newGate(ledger, &fakeVesting{}).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, StateUnavailable, d.State)
		assert.Contains(t, d.Reason, "source unavailable")
	})

	t.Run("indexer estimate only", func(t *testing.T) {
		ledger := entitlement.NewMemoryLedger()
		ledger.AddAllocationEvent(domain.EscrowAllocationEvent{
			ChainEventID:    "alloc-1",
			EscrowID:        escrowE1,
			Kind:            domain.AllocationCreated,
			Receivers:       []domain.ReceiverAllocation{{Address: receiverR, Amount: usdc(100)}},
			Token:           token.USDC,
			CreatedAt:       now.Add(-time.Hour),
			TransactionHash: txA,
		})

		d, err := newGate(ledger, &fakeVesting{}).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, StateUnavailable, d.State)
	})

	t.Run("vesting read failure", func(t *testing.T) {
		ledger := entitlement.NewMemoryLedger()
		ledger.SetAllocation(escrowE1, receiverR, entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(0), Active: true})

		d, err := newGate(ledger, &fakeVesting{err: errors.New("timeout")}).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, StateUnavailable, d.State)
	})

	t.Run("malformed vesting window", func(t *testing.T) {
		ledger := entitlement.NewMemoryLedger()
		ledger.SetAllocation(escrowE1, receiverR, entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(0), Active: true})
		vesting := &fakeVesting{windows: map[string]*VestingWindow{
			escrowE1: {Enabled: true, Start: now, End: now.Add(-time.Hour)},
		}}

		d, err := newGate(ledger, vesting).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, "invalid vesting window", d.Reason)
	})
}

func TestAuthorizeClaim_RedemptionPending(t *testing.T) {
	ledger := entitlement.NewMemoryLedger()
	ledger.SetAllocation(escrowE1, receiverR, entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(30), Active: true})

	g := newGate(ledger, &fakeVesting{}).WithRedemptions(&fakeRedemptions{pending: 1})
	d, err := g.AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, StateRedemptionPending, d.State)

	g.WithRedemptions(&fakeRedemptions{err: errors.New("db down")})
	d, err = g.AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
	require.NoError(t, err)
	assert.Equal(t, StateUnavailable, d.State)
}

func TestAuthorizeClaim_InvalidInput(t *testing.T) {
	g := newGate(entitlement.NewMemoryLedger(), &fakeVesting{})

	_, err := g.AuthorizeClaim(context.Background(), "E1", receiverR, token.USDC)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = g.AuthorizeClaim(context.Background(), escrowE1, "not-an-address", token.USDC)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = g.AuthorizeClaim(context.Background(), escrowE1, receiverR, token.Type("DAI"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAuthorizeClaim_CountsDecisions(t *testing.T) {
	ledger := entitlement.NewMemoryLedger()
	ledger.SetAllocation(escrowE1, receiverR, entitlement.Allocation{Token: token.USDC, Allocated: usdc(100), Withdrawn: usdc(100), Active: true})

	before := promtest.ToFloat64(decisions.WithLabelValues(string(StateExhausted)))
	_, err := newGate(ledger, &fakeVesting{}).AuthorizeClaim(context.Background(), escrowE1, receiverR, token.USDC)
	require.NoError(t, err)
	assert.Equal(t, before+1, promtest.ToFloat64(decisions.WithLabelValues(string(StateExhausted))))
}

func TestVestedAmount(t *testing.T) {
	w := &VestingWindow{Enabled: true, Start: now, End: now.Add(4 * time.Hour)}
	assert.Equal(t, "0", VestedAmount(usdc(100), w, now.Add(-time.Minute)).String())
	assert.Equal(t, usdc(25).String(), VestedAmount(usdc(100), w, now.Add(time.Hour)).String())
	assert.Equal(t, usdc(100).String(), VestedAmount(usdc(100), w, now.Add(5*time.Hour)).String())
	assert.Equal(t, usdc(100).String(), VestedAmount(usdc(100), &VestingWindow{}, now).String())
}

func TestCheckFunding(t *testing.T) {
	tests := []struct {
		name       string
		reader     *fakeFunding
		sufficient bool
		shortfall  string
	}{
		{"covered", &fakeFunding{funding: &Funding{Token: token.USDC, Balance: usdc(150), TotalAllocated: usdc(150), Active: true}}, true, ""},
		{"short", &fakeFunding{funding: &Funding{Token: token.USDC, Balance: usdc(100), TotalAllocated: usdc(150), Active: true}}, false, usdc(50).String()},
		{"inactive", &fakeFunding{funding: &Funding{Token: token.USDC, Balance: usdc(150), TotalAllocated: usdc(100), Active: false}}, false, ""},
		{"read failure", &fakeFunding{err: errors.New("rpc down")}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(nil, &fakeVesting{}, tt.reader, nil)
			d, err := g.CheckFunding(context.Background(), escrowE1)
			require.NoError(t, err)
			assert.Equal(t, tt.sufficient, d.Sufficient)
			assert.NotEmpty(t, d.Reason)
			if tt.shortfall != "" {
				require.NotNil(t, d.Shortfall)
				assert.Equal(t, tt.shortfall, d.Shortfall.String())
			}
		})
	}

	_, err := New(nil, nil, nil, nil).CheckFunding(context.Background(), "bad")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
