package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/mirror"
	"github.com/payrollx/escrowrecon/internal/retry"
	"github.com/payrollx/escrowrecon/internal/token"
)

const (
	escrowE1  = "0xe100000000000000000000000000000000000000000000000000000000000001"
	senderS   = "0x00000000000000000000000000000000000000b2"
	receiverR = "0x00000000000000000000000000000000000000a1"
)

var t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func txHash(n int) string { return fmt.Sprintf("0x%064x", n) }

func withdrawal(n int, block uint64) domain.WithdrawalEvent {
	return domain.WithdrawalEvent{
		ChainEventID:     fmt.Sprintf("w-%d", n),
		EscrowID:         escrowE1,
		RecipientAddress: receiverR,
		Amount:           big.NewInt(10_000_000),
		Token:            token.USDC,
		Destination:      domain.DestinationCryptoWallet,
		Timestamp:        t0.Add(time.Duration(n) * time.Minute),
		TransactionHash:  txHash(n),
		BlockNumber:      block,
	}
}

func allocation(n int, block uint64) domain.EscrowAllocationEvent {
	return domain.EscrowAllocationEvent{
		ChainEventID:    fmt.Sprintf("a-%d", n),
		EscrowID:        escrowE1,
		Kind:            domain.AllocationCreated,
		SenderAddress:   senderS,
		Receivers:       []domain.ReceiverAllocation{{Address: receiverR, Amount: big.NewInt(100_000_000)}},
		Token:           token.USDC,
		CreatedAt:       t0,
		TransactionHash: txHash(1000 + n),
		BlockNumber:     block,
	}
}

// fakeSource serves events after a block, like the indexer's blockNumber_gt.
type fakeSource struct {
	allocations []domain.EscrowAllocationEvent
	withdrawals []domain.WithdrawalEvent
	err         error
	sinceCalls  []uint64
	blockCalls  [][2]int
}

func (f *fakeSource) AllocationsSince(_ context.Context, block uint64, limit int) ([]domain.EscrowAllocationEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.EscrowAllocationEvent
	for _, e := range f.allocations {
		if e.BlockNumber > block && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) WithdrawalsSince(_ context.Context, block uint64, limit int) ([]domain.WithdrawalEvent, error) {
	f.sinceCalls = append(f.sinceCalls, block)
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.WithdrawalEvent
	for _, e := range f.withdrawals {
		if e.BlockNumber > block && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) AllocationsInBlock(_ context.Context, block uint64, skip, limit int) ([]domain.EscrowAllocationEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var in []domain.EscrowAllocationEvent
	for _, e := range f.allocations {
		if e.BlockNumber == block {
			in = append(in, e)
		}
	}
	return window(in, skip, limit), nil
}

func (f *fakeSource) WithdrawalsInBlock(_ context.Context, block uint64, skip, limit int) ([]domain.WithdrawalEvent, error) {
	f.blockCalls = append(f.blockCalls, [2]int{int(block), skip})
	if f.err != nil {
		return nil, f.err
	}
	var in []domain.WithdrawalEvent
	for _, e := range f.withdrawals {
		if e.BlockNumber == block {
			in = append(in, e)
		}
	}
	return window(in, skip, limit), nil
}

func window[T any](in []T, skip, limit int) []T {
	if skip >= len(in) {
		return nil
	}
	return in[skip:min(skip+limit, len(in))]
}

// flakyMirror fails the first n withdrawal writes with a storage error.
type flakyMirror struct {
	*mirror.Service
	failures int
	calls    int
}

func (f *flakyMirror) MirrorWithdrawal(ctx context.Context, e domain.WithdrawalEvent) (*mirror.MirrorResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, domain.StorageUnavailable("insert withdrawal", errors.New("connection refused"))
	}
	return f.Service.MirrorWithdrawal(ctx, e)
}

func testConfig(batch int) Config {
	return Config{
		PollInterval: time.Hour,
		BatchSize:    batch,
		Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}
}

func TestPollOnce_MirrorsAndAdvances(t *testing.T) {
	store := mirror.NewMemoryStore()
	svc := mirror.NewService(store, nil)
	cursors := NewMemoryCursorStore()
	src := &fakeSource{
		allocations: []domain.EscrowAllocationEvent{allocation(1, 100)},
		withdrawals: []domain.WithdrawalEvent{withdrawal(1, 110), withdrawal(2, 120)},
	}
	p := NewPoller(src, svc, cursors, testConfig(50), nil)

	require.NoError(t, p.PollOnce(context.Background()))

	w, err := cursors.Load(context.Background(), StreamWithdrawals)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), w)
	a, _ := cursors.Load(context.Background(), StreamAllocations)
	assert.Equal(t, uint64(100), a)

	recs, err := svc.EscrowWithdrawals(context.Background(), escrowE1)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// Nothing new: the mark holds and nothing is rewritten.
	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, []uint64{0, 120}, src.sinceCalls)
	assert.True(t, p.HealthCheck(context.Background()).Healthy)
}

func TestPollOnce_FullBatchRefetchesLastBlock(t *testing.T) {
	svc := mirror.NewService(mirror.NewMemoryStore(), nil)
	cursors := NewMemoryCursorStore()
	src := &fakeSource{withdrawals: []domain.WithdrawalEvent{
		withdrawal(1, 10), withdrawal(2, 11), withdrawal(3, 11), withdrawal(4, 12), withdrawal(5, 13),
	}}
	p := NewPoller(src, svc, cursors, testConfig(3), nil)

	require.NoError(t, p.PollOnce(context.Background()))
	mark, _ := cursors.Load(context.Background(), StreamWithdrawals)
	assert.Equal(t, uint64(10), mark, "block 11 may have been cut")

	require.NoError(t, p.PollOnce(context.Background()))
	mark, _ = cursors.Load(context.Background(), StreamWithdrawals)
	assert.Equal(t, uint64(11), mark)

	require.NoError(t, p.PollOnce(context.Background()))
	mark, _ = cursors.Load(context.Background(), StreamWithdrawals)
	assert.Equal(t, uint64(13), mark)

	recs, err := svc.EscrowWithdrawals(context.Background(), escrowE1)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestPollOnce_OversizedBlockIsDrained(t *testing.T) {
	svc := mirror.NewService(mirror.NewMemoryStore(), nil)
	cursors := NewMemoryCursorStore()
	require.NoError(t, cursors.Save(context.Background(), StreamWithdrawals, 10))
	src := &fakeSource{withdrawals: []domain.WithdrawalEvent{
		withdrawal(1, 11), withdrawal(2, 11), withdrawal(3, 11), withdrawal(4, 11), withdrawal(5, 11), withdrawal(6, 12),
	}}
	p := NewPoller(src, svc, cursors, testConfig(2), nil)

	require.NoError(t, p.PollOnce(context.Background()))
	mark, _ := cursors.Load(context.Background(), StreamWithdrawals)
	assert.Equal(t, uint64(11), mark, "block 11 read to the end")
	assert.Equal(t, [][2]int{{11, 0}, {11, 2}, {11, 4}}, src.blockCalls)

	require.NoError(t, p.PollOnce(context.Background()))
	mark, _ = cursors.Load(context.Background(), StreamWithdrawals)
	assert.Equal(t, uint64(12), mark)

	recs, err := svc.EscrowWithdrawals(context.Background(), escrowE1)
	require.NoError(t, err)
	assert.Len(t, recs, 6)
}

func TestPollOnce_OversizedBlockFetchFailureHoldsMark(t *testing.T) {
	cursors := NewMemoryCursorStore()
	require.NoError(t, cursors.Save(context.Background(), StreamWithdrawals, 10))
	src := &blockFailSource{fakeSource: fakeSource{withdrawals: []domain.WithdrawalEvent{
		withdrawal(1, 11), withdrawal(2, 11), withdrawal(3, 11),
	}}}
	p := NewPoller(src, mirror.NewService(mirror.NewMemoryStore(), nil), cursors, testConfig(2), nil)

	require.Error(t, p.PollOnce(context.Background()))
	mark, _ := cursors.Load(context.Background(), StreamWithdrawals)
	assert.Equal(t, uint64(10), mark, "never skip past a block that was not fully read")
}

// blockFailSource serves batches but fails every in-block read.
type blockFailSource struct {
	fakeSource
}

func (b *blockFailSource) WithdrawalsInBlock(context.Context, uint64, int, int) ([]domain.WithdrawalEvent, error) {
	return nil, errors.New("indexer 503")
}

func TestPollOnce_RetriesStorageFailures(t *testing.T) {
	fm := &flakyMirror{Service: mirror.NewService(mirror.NewMemoryStore(), nil), failures: 2}
	cursors := NewMemoryCursorStore()
	src := &fakeSource{withdrawals: []domain.WithdrawalEvent{withdrawal(1, 10)}}
	p := NewPoller(src, fm, cursors, testConfig(50), nil)

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, 3, fm.calls)
	mark, _ := cursors.Load(context.Background(), StreamWithdrawals)
	assert.Equal(t, uint64(10), mark)
}

func TestPollOnce_StorageOutageHoldsMark(t *testing.T) {
	fm := &flakyMirror{Service: mirror.NewService(mirror.NewMemoryStore(), nil), failures: 100}
	cursors := NewMemoryCursorStore()
	src := &fakeSource{withdrawals: []domain.WithdrawalEvent{withdrawal(1, 10)}}
	p := NewPoller(src, fm, cursors, testConfig(50), nil)

	err := p.PollOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	mark, _ := cursors.Load(context.Background(), StreamWithdrawals)
	assert.Zero(t, mark)
}

func TestPollOnce_InvalidEventSkipped(t *testing.T) {
	svc := mirror.NewService(mirror.NewMemoryStore(), nil)
	cursors := NewMemoryCursorStore()
	bad := withdrawal(1, 10)
	bad.Amount = big.NewInt(0)
	src := &fakeSource{withdrawals: []domain.WithdrawalEvent{bad, withdrawal(2, 11)}}
	p := NewPoller(src, svc, cursors, testConfig(50), nil)

	require.NoError(t, p.PollOnce(context.Background()))
	mark, _ := cursors.Load(context.Background(), StreamWithdrawals)
	assert.Equal(t, uint64(11), mark)

	recs, err := svc.EscrowWithdrawals(context.Background(), escrowE1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "w-2", recs[0].ChainEventID)
}

func TestPollOnce_SourceFailure(t *testing.T) {
	src := &fakeSource{err: domain.SourceUnavailable("subgraph", errors.New("502"))}
	p := NewPoller(src, mirror.NewService(mirror.NewMemoryStore(), nil), NewMemoryCursorStore(), testConfig(50), nil)

	err := p.PollOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	st := p.HealthCheck(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "no completed poll yet", st.Detail)
}

func TestPoller_StartStop(t *testing.T) {
	svc := mirror.NewService(mirror.NewMemoryStore(), nil)
	cursors := NewMemoryCursorStore()
	src := &fakeSource{withdrawals: []domain.WithdrawalEvent{withdrawal(1, 10)}}
	p := NewPoller(src, svc, cursors, testConfig(50), nil)

	p.Start(context.Background())
	require.Eventually(t, func() bool {
		mark, _ := cursors.Load(context.Background(), StreamWithdrawals)
		return mark == 10
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()
}

func TestNextMark(t *testing.T) {
	items := []item{{block: 5}, {block: 7}}
	assert.Equal(t, uint64(7), nextMark(3, items, false))
	assert.Equal(t, uint64(6), nextMark(3, items, true))
	assert.Equal(t, uint64(6), nextMark(6, []item{{block: 7}, {block: 7}}, true))
	assert.Equal(t, uint64(9), nextMark(9, []item{{block: 0}}, false))
}
