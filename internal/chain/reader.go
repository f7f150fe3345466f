// Package chain reads escrow state directly from the payroll escrow
// contract. It is the authoritative ledger source: allocations, withdrawn
// totals, vesting windows and balances come from contract view calls, not
// from indexed events.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/payrollx/escrowrecon/internal/entitlement"
	"github.com/payrollx/escrowrecon/internal/gate"
	"github.com/payrollx/escrowrecon/internal/token"
)

var (
	ErrRPCConnection   = errors.New("chain: rpc connection failed")
	ErrUnexpectedReply = errors.New("chain: unexpected contract reply")
	ErrUnknownToken    = errors.New("chain: escrow token not in registry")
)

// escrowABI covers the view functions the reconciler calls.
const escrowABI = `[
	{"inputs":[{"name":"escrowId","type":"bytes32"},{"name":"receiver","type":"address"}],"name":"getReceiverDetails","outputs":[{"name":"allocatedAmount","type":"uint256"},{"name":"withdrawnAmount","type":"uint256"},{"name":"exists","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"escrowId","type":"bytes32"}],"name":"getEscrowDetails","outputs":[{"name":"sender","type":"address"},{"name":"token","type":"address"},{"name":"totalAllocated","type":"uint256"},{"name":"totalWithdrawn","type":"uint256"},{"name":"createdAt","type":"uint256"},{"name":"isActive","type":"bool"},{"name":"vestingEnabled","type":"bool"},{"name":"vestingStart","type":"uint256"},{"name":"vestingEnd","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"escrowId","type":"bytes32"}],"name":"getEscrowBalance","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config for the contract reader.
type Config struct {
	RPCURL         string
	EscrowContract string
}

// EscrowDetails is the decoded getEscrowDetails reply.
type EscrowDetails struct {
	Sender         string
	TokenContract  string
	Token          token.Type
	TotalAllocated *big.Int
	TotalWithdrawn *big.Int
	CreatedAt      time.Time
	Active         bool
	Vesting        gate.VestingWindow
}

// Reader performs contract view calls against the escrow contract.
type Reader struct {
	client   EthClient
	contract common.Address
	abi      abi.ABI
	tokens   *token.Registry
}

// Option configures a Reader.
type Option func(*Reader)

// WithClient injects an EthClient instead of dialing RPCURL.
func WithClient(c EthClient) Option {
	return func(r *Reader) { r.client = c }
}

// NewReader creates a contract reader, dialing cfg.RPCURL unless a client
// is supplied.
func NewReader(cfg Config, tokens *token.Registry, opts ...Option) (*Reader, error) {
	if !common.IsHexAddress(cfg.EscrowContract) {
		return nil, fmt.Errorf("chain: invalid escrow contract address %q", cfg.EscrowContract)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow ABI: %w", err)
	}
	r := &Reader{
		contract: common.HexToAddress(cfg.EscrowContract),
		abi:      parsed,
		tokens:   tokens,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		r.client = client
	}
	return r, nil
}

// GetAllocation implements entitlement.LedgerReader. An escrow or receiver
// the contract does not know reads as zero allocation with no token. A known
// escrow whose token contract is not in the registry is an error, since its
// amounts cannot be attributed to a token.
func (r *Reader) GetAllocation(ctx context.Context, escrowID, receiver string) (*entitlement.Allocation, error) {
	out, err := r.call(ctx, "getReceiverDetails", escrowKey(escrowID), common.HexToAddress(receiver))
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("%w: getReceiverDetails returned %d values", ErrUnexpectedReply, len(out))
	}
	allocated, ok1 := out[0].(*big.Int)
	withdrawn, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: getReceiverDetails types", ErrUnexpectedReply)
	}

	details, err := r.EscrowDetails(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if details.Token == "" && details.TokenContract != strings.ToLower(common.Address{}.Hex()) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, details.TokenContract)
	}
	return &entitlement.Allocation{
		Token:     details.Token,
		Allocated: allocated,
		Withdrawn: withdrawn,
		Active:    details.Active,
	}, nil
}

// EscrowDetails reads and decodes getEscrowDetails.
func (r *Reader) EscrowDetails(ctx context.Context, escrowID string) (*EscrowDetails, error) {
	out, err := r.call(ctx, "getEscrowDetails", escrowKey(escrowID))
	if err != nil {
		return nil, err
	}
	if len(out) != 9 {
		return nil, fmt.Errorf("%w: getEscrowDetails returned %d values", ErrUnexpectedReply, len(out))
	}
	sender, ok1 := out[0].(common.Address)
	tokenAddr, ok2 := out[1].(common.Address)
	totalAllocated, ok3 := out[2].(*big.Int)
	totalWithdrawn, ok4 := out[3].(*big.Int)
	createdAt, ok5 := out[4].(*big.Int)
	active, ok6 := out[5].(bool)
	vestingEnabled, ok7 := out[6].(bool)
	vestingStart, ok8 := out[7].(*big.Int)
	vestingEnd, ok9 := out[8].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9) {
		return nil, fmt.Errorf("%w: getEscrowDetails types", ErrUnexpectedReply)
	}

	d := &EscrowDetails{
		Sender:         strings.ToLower(sender.Hex()),
		TokenContract:  strings.ToLower(tokenAddr.Hex()),
		TotalAllocated: totalAllocated,
		TotalWithdrawn: totalWithdrawn,
		CreatedAt:      unixTime(createdAt),
		Active:         active,
		Vesting: gate.VestingWindow{
			Enabled: vestingEnabled,
			Start:   unixTime(vestingStart),
			End:     unixTime(vestingEnd),
		},
	}
	if r.tokens != nil {
		if t, ok := r.tokens.Lookup(d.TokenContract); ok {
			d.Token = t
		}
	}
	return d, nil
}

// GetVestingWindow implements gate.VestingReader.
func (r *Reader) GetVestingWindow(ctx context.Context, escrowID string) (*gate.VestingWindow, error) {
	d, err := r.EscrowDetails(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	w := d.Vesting
	return &w, nil
}

// GetFunding implements gate.FundingReader. The escrow's token must be one
// the registry knows; otherwise amounts cannot be interpreted.
func (r *Reader) GetFunding(ctx context.Context, escrowID string) (*gate.Funding, error) {
	d, err := r.EscrowDetails(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if d.Token == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, d.TokenContract)
	}
	out, err := r.call(ctx, "getEscrowBalance", escrowKey(escrowID))
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: getEscrowBalance returned %d values", ErrUnexpectedReply, len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: getEscrowBalance types", ErrUnexpectedReply)
	}
	return &gate.Funding{
		Token:          d.Token,
		Balance:        balance,
		TotalAllocated: d.TotalAllocated,
		Active:         d.Active,
	}, nil
}

// Ping checks that the RPC endpoint answers.
func (r *Reader) Ping(ctx context.Context) error {
	_, err := r.client.BlockNumber(ctx)
	return err
}

func (r *Reader) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	result, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := r.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrUnexpectedReply, method, err)
	}
	return out, nil
}

func escrowKey(escrowID string) [32]byte {
	return common.HexToHash(escrowID)
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
