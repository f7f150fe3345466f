package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrollx/escrowrecon/internal/token"
)

const (
	escrowContract = "0x5000000000000000000000000000000000000005"
	usdcContract   = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	escrowE1       = "0xe100000000000000000000000000000000000000000000000000000000000001"
	receiverR      = "0x00000000000000000000000000000000000000a1"
	senderS        = "0x00000000000000000000000000000000000000b2"
)

// fakeClient answers contract calls with ABI-packed replies keyed by method.
type fakeClient struct {
	abi     abi.ABI
	replies map[string][]any
	err     error
	calls   []string
}

func newFakeClient(t *testing.T) *fakeClient {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	require.NoError(t, err)
	return &fakeClient{abi: parsed, replies: make(map[string][]any)}
}

func (f *fakeClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	for name, m := range f.abi.Methods {
		if !bytes.Equal(call.Data[:4], m.ID) {
			continue
		}
		f.calls = append(f.calls, name)
		values, ok := f.replies[name]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		return m.Outputs.Pack(values...)
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	return 100, f.err
}

func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

func newTestReader(t *testing.T, client *fakeClient) *Reader {
	t.Helper()
	reg, err := token.NewRegistry(map[token.Type]string{token.USDC: usdcContract})
	require.NoError(t, err)
	r, err := NewReader(Config{EscrowContract: escrowContract}, reg, WithClient(client))
	require.NoError(t, err)
	return r
}

func escrowDetails(active, vesting bool, start, end int64) []any {
	return []any{
		common.HexToAddress(senderS),
		common.HexToAddress(usdcContract),
		usdc(150),
		usdc(30),
		big.NewInt(1_767_600_000),
		active,
		vesting,
		big.NewInt(start),
		big.NewInt(end),
	}
}

func TestReader_GetAllocation(t *testing.T) {
	client := newFakeClient(t)
	client.replies["getReceiverDetails"] = []any{usdc(100), usdc(30), true}
	client.replies["getEscrowDetails"] = escrowDetails(true, false, 0, 0)

	a, err := newTestReader(t, client).GetAllocation(context.Background(), escrowE1, receiverR)
	require.NoError(t, err)
	assert.Equal(t, usdc(100).String(), a.Allocated.String())
	assert.Equal(t, usdc(30).String(), a.Withdrawn.String())
	assert.True(t, a.Active)
	assert.Equal(t, token.USDC, a.Token)
	assert.Equal(t, []string{"getReceiverDetails", "getEscrowDetails"}, client.calls)
}

func TestReader_GetAllocation_UnknownToken(t *testing.T) {
	client := newFakeClient(t)
	client.replies["getReceiverDetails"] = []any{usdc(100), usdc(30), true}
	details := escrowDetails(true, false, 0, 0)
	details[1] = common.HexToAddress("0x0000000000000000000000000000000000000fff")
	client.replies["getEscrowDetails"] = details

	a, err := newTestReader(t, client).GetAllocation(context.Background(), escrowE1, receiverR)
	assert.Nil(t, a)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestReader_GetAllocation_UnknownEscrow(t *testing.T) {
	client := newFakeClient(t)
	client.replies["getReceiverDetails"] = []any{new(big.Int), new(big.Int), false}
	details := escrowDetails(false, false, 0, 0)
	details[1] = common.Address{}
	client.replies["getEscrowDetails"] = details

	a, err := newTestReader(t, client).GetAllocation(context.Background(), escrowE1, receiverR)
	require.NoError(t, err)
	assert.Empty(t, a.Token)
	assert.Zero(t, a.Allocated.Sign())
	assert.False(t, a.Active)
}

func TestReader_EscrowDetails(t *testing.T) {
	client := newFakeClient(t)
	client.replies["getEscrowDetails"] = escrowDetails(true, true, 1_767_600_000, 1_770_200_000)

	d, err := newTestReader(t, client).EscrowDetails(context.Background(), escrowE1)
	require.NoError(t, err)
	assert.Equal(t, senderS, d.Sender)
	assert.Equal(t, token.USDC, d.Token)
	assert.True(t, d.Vesting.Enabled)
	assert.Equal(t, time.Unix(1_767_600_000, 0).UTC(), d.Vesting.Start)
	assert.Equal(t, time.Unix(1_770_200_000, 0).UTC(), d.Vesting.End)
}

func TestReader_GetFunding(t *testing.T) {
	client := newFakeClient(t)
	client.replies["getEscrowDetails"] = escrowDetails(true, false, 0, 0)
	client.replies["getEscrowBalance"] = []any{usdc(120)}

	f, err := newTestReader(t, client).GetFunding(context.Background(), escrowE1)
	require.NoError(t, err)
	assert.Equal(t, token.USDC, f.Token)
	assert.Equal(t, usdc(120).String(), f.Balance.String())
	assert.Equal(t, usdc(150).String(), f.TotalAllocated.String())
}

func TestReader_GetFunding_UnknownToken(t *testing.T) {
	client := newFakeClient(t)
	details := escrowDetails(true, false, 0, 0)
	details[1] = common.HexToAddress("0x0000000000000000000000000000000000000fff")
	client.replies["getEscrowDetails"] = details

	_, err := newTestReader(t, client).GetFunding(context.Background(), escrowE1)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestReader_CallFailure(t *testing.T) {
	client := newFakeClient(t)
	client.err = errors.New("dial tcp: connection refused")

	r := newTestReader(t, client)
	_, err := r.GetAllocation(context.Background(), escrowE1, receiverR)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "getReceiverDetails")
	assert.Error(t, r.Ping(context.Background()))
}

func TestNewReader_InvalidContract(t *testing.T) {
	_, err := NewReader(Config{EscrowContract: "nope"}, nil, WithClient(newFakeClient(t)))
	assert.Error(t, err)
}
