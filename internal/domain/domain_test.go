package domain

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrollx/escrowrecon/internal/token"
)

const (
	testEscrow    = "0x1111111111111111111111111111111111111111111111111111111111111111"
	testRecipient = "0xAbCdEf0000000000000000000000000000000001"
	testTx        = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("recipient", testRecipient)
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", got)

	for _, bad := range []string{"", "0x123", "abcdef0000000000000000000000000000000001", "0xZZcdef0000000000000000000000000000000001"} {
		_, err := NormalizeAddress("recipient", bad)
		assert.ErrorIs(t, err, ErrInvalidArgument, bad)
	}
}

func TestNormalizeEscrowID(t *testing.T) {
	got, err := NormalizeEscrowID("0xAA" + testEscrow[4:])
	require.NoError(t, err)
	assert.Equal(t, "0xaa"+testEscrow[4:], got)

	_, err = NormalizeEscrowID("esc_123")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := fmt.Errorf("compute: %w", SourceUnavailable("chain", cause))

	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, "source_unavailable", KindOf(err))
	assert.Contains(t, err.Error(), "chain")

	assert.Equal(t, "invalid_argument", KindOf(InvalidArgument("amount", "bad")))
	assert.Equal(t, "storage_unavailable", KindOf(StorageUnavailable("insert", cause)))
	assert.Equal(t, "accounting_anomaly", KindOf(Anomaly("escrow", "negative")))
	assert.Equal(t, "internal_error", KindOf(cause))
	assert.Equal(t, "", KindOf(nil))
}

func TestWithdrawalPayload_Event(t *testing.T) {
	p := WithdrawalPayload{
		ChainEventID:     "evt1",
		EscrowID:         testEscrow,
		RecipientAddress: testRecipient,
		Amount:           "30000000",
		TokenType:        "usdc",
		Destination:      "fiat_bank_account",
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TransactionHash:  testTx,
	}
	e, err := p.Event()
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", e.RecipientAddress)
	assert.Equal(t, DestinationFiatBank, e.Destination)
	assert.Equal(t, "30000000", e.Amount.String())
}

func TestWithdrawalPayload_Rejects(t *testing.T) {
	base := WithdrawalPayload{
		ChainEventID:     "evt1",
		EscrowID:         testEscrow,
		RecipientAddress: testRecipient,
		Amount:           "1",
		Destination:      "CRYPTO_WALLET",
		Timestamp:        time.Now(),
		TransactionHash:  testTx,
	}

	tests := []struct {
		name  string
		mut   func(p *WithdrawalPayload)
		field string
	}{
		{"missing event id", func(p *WithdrawalPayload) { p.ChainEventID = "  " }, "chainEventId"},
		{"zero amount", func(p *WithdrawalPayload) { p.Amount = "0" }, "amount"},
		{"decimal amount", func(p *WithdrawalPayload) { p.Amount = "1.5" }, "amount"},
		{"bad destination", func(p *WithdrawalPayload) { p.Destination = "PAYPAL" }, "destination"},
		{"bad escrow", func(p *WithdrawalPayload) { p.EscrowID = "0x12" }, "escrowId"},
		{"no timestamp", func(p *WithdrawalPayload) { p.Timestamp = time.Time{} }, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mut(&p)
			_, err := p.Event()
			require.ErrorIs(t, err, ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestAllocationPayload_Event(t *testing.T) {
	p := AllocationPayload{
		ChainEventID:  "alloc-1",
		EscrowID:      testEscrow,
		Kind:          "created",
		SenderAddress: "0x00000000000000000000000000000000000000aa",
		Receivers: []ReceiverPayload{
			{Address: testRecipient, Amount: "100000000"},
		},
		TokenType:       "USDC",
		CreatedAt:       time.Now(),
		TransactionHash: testTx,
	}
	e, err := p.Event()
	require.NoError(t, err)

	amt, ok := e.AmountFor("0xABCDEF0000000000000000000000000000000001")
	require.True(t, ok)
	assert.Equal(t, "100000000", amt.String())

	p.Kind = "cancelled"
	_, err = p.Event()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEscrowAllocationEvent_ValidateTrimsEventID(t *testing.T) {
	e := EscrowAllocationEvent{
		ChainEventID:    "  alloc-1\n",
		EscrowID:        testEscrow,
		Kind:            AllocationCreated,
		SenderAddress:   "0x00000000000000000000000000000000000000aa",
		Receivers:       []ReceiverAllocation{{Address: testRecipient, Amount: big.NewInt(100_000_000)}},
		Token:           token.USDC,
		CreatedAt:       time.Now(),
		TransactionHash: testTx,
	}
	require.NoError(t, e.Validate())
	assert.Equal(t, "alloc-1", e.ChainEventID)
}
