// Package gate decides whether money may move.
//
// AuthorizeClaim answers whether a receiver may withdraw from an escrow
// right now and how much. CheckFunding answers the separate sender-side
// question of whether an escrow holds enough to cover its allocations.
// Both recompute from the ledger on every call and both fail closed: any
// read failure, estimate, or inconsistent data yields a refusal with a
// reason naming the cause.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/entitlement"
	"github.com/payrollx/escrowrecon/internal/token"
	"github.com/payrollx/escrowrecon/internal/traces"
)

// State is the claim state of one (escrow, receiver) pair.
type State string

const (
	StateNoAllocation      State = "NO_ALLOCATION"
	StateVestingLocked     State = "VESTING_LOCKED"
	StateClaimable         State = "CLAIMABLE"
	StateExhausted         State = "EXHAUSTED"
	StateEscrowInactive    State = "ESCROW_INACTIVE"
	StateRedemptionPending State = "REDEMPTION_PENDING"
	StateUnavailable       State = "UNAVAILABLE"
)

// Reason strings that callers may match on.
const (
	ReasonVestingNotStarted = "vesting not started"
	reasonVestingInProgress = "vesting in progress"
)

// VestingWindow is an escrow's optional linear vesting schedule.
type VestingWindow struct {
	Enabled bool
	Start   time.Time
	End     time.Time
}

// VestingReader reads an escrow's vesting window from the ledger.
type VestingReader interface {
	GetVestingWindow(ctx context.Context, escrowID string) (*VestingWindow, error)
}

// Funding is an escrow's token balance against what it has promised.
type Funding struct {
	Token          token.Type
	Balance        *big.Int
	TotalAllocated *big.Int
	Active         bool
}

// FundingReader reads escrow funding from the ledger.
type FundingReader interface {
	GetFunding(ctx context.Context, escrowID string) (*Funding, error)
}

// RedemptionTracker counts fiat redemptions whose outcome is not yet known.
type RedemptionTracker interface {
	PendingCount(ctx context.Context, escrowID, wallet string) (int, error)
}

// Calculator computes claimable balances.
type Calculator interface {
	ComputeClaimable(ctx context.Context, escrowID, recipient string, tok token.Type) (*entitlement.ClaimableBalance, error)
}

// Decision is an auditable claim authorization.
type Decision struct {
	EscrowID         string
	RecipientAddress string
	Token            token.Type
	Allowed          bool
	State            State
	ClaimableAmount  *big.Int
	Reason           string
	DecidedAt        time.Time
}

func (d *Decision) MarshalJSON() ([]byte, error) {
	amount := d.ClaimableAmount
	if amount == nil {
		amount = new(big.Int)
	}
	return json.Marshal(struct {
		EscrowID           string     `json:"escrowId"`
		RecipientAddress   string     `json:"recipientAddress"`
		TokenType          token.Type `json:"tokenType"`
		Allowed            bool       `json:"allowed"`
		State              State      `json:"state"`
		ClaimableAmount    string     `json:"claimableAmount"`
		ClaimableBaseUnits string     `json:"claimableBaseUnits"`
		Reason             string     `json:"reason"`
		DecidedAt          time.Time  `json:"decidedAt"`
	}{d.EscrowID, d.RecipientAddress, d.Token, d.Allowed, d.State,
		token.Format(d.Token, amount), amount.String(), d.Reason, d.DecidedAt})
}

// Gate makes claim and funding decisions. It holds no per-escrow state.
type Gate struct {
	calc        Calculator
	vesting     VestingReader
	funding     FundingReader
	redemptions RedemptionTracker
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a gate. vesting is required: a gate that cannot see vesting
// schedules cannot authorize anything safely.
func New(calc Calculator, vesting VestingReader, funding FundingReader, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		calc:    calc,
		vesting: vesting,
		funding: funding,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithRedemptions makes in-flight fiat redemptions block new claims.
func (g *Gate) WithRedemptions(t RedemptionTracker) *Gate {
	g.redemptions = t
	return g
}

// AuthorizeClaim decides whether recipient may withdraw from escrowID now.
// The error is non-nil only for malformed input; every other failure is a
// refusal carried in the Decision.
func (g *Gate) AuthorizeClaim(ctx context.Context, escrowID, recipient string, tok token.Type) (*Decision, error) {
	escrowID, err := domain.NormalizeEscrowID(escrowID)
	if err != nil {
		return nil, err
	}
	recipient, err = domain.NormalizeAddress("recipientAddress", recipient)
	if err != nil {
		return nil, err
	}
	if !tok.Valid() {
		return nil, domain.InvalidArgument("tokenType", "unsupported token %q", tok)
	}

	ctx, span := traces.StartSpan(ctx, "gate.AuthorizeClaim",
		traces.EscrowID(escrowID), traces.Recipient(recipient), traces.Token(string(tok)))
	defer span.End()

	d := &Decision{
		EscrowID:         escrowID,
		RecipientAddress: recipient,
		Token:            tok,
		ClaimableAmount:  new(big.Int),
		DecidedAt:        g.now(),
	}
	if err := g.decide(ctx, d); err != nil {
		traces.RecordError(span, err, domain.KindOf(err))
		return nil, err
	}
	span.SetAttributes(traces.GateState(string(d.State)), traces.Allowed(d.Allowed))

	decisions.WithLabelValues(string(d.State)).Inc()
	g.logger.Info("claim decision",
		"escrow_id", d.EscrowID,
		"recipient", d.RecipientAddress,
		"token", d.Token,
		"allowed", d.Allowed,
		"state", d.State,
		"claimable", d.ClaimableAmount.String(),
		"reason", d.Reason)
	return d, nil
}

func (g *Gate) decide(ctx context.Context, d *Decision) error {
	bal, err := g.calc.ComputeClaimable(ctx, d.EscrowID, d.RecipientAddress, d.Token)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			return err
		}
		g.refuse(d, StateUnavailable, failureReason(err))
		return nil
	}
	if bal.Source != entitlement.SourceChain {
		g.refuse(d, StateUnavailable, "source unavailable: only an indexer estimate is available")
		return nil
	}
	if !bal.EscrowActive {
		g.refuse(d, StateEscrowInactive, "escrow is not active")
		return nil
	}
	if bal.Allocated.Sign() == 0 {
		g.refuse(d, StateNoAllocation, "receiver has no allocation in this escrow")
		return nil
	}
	if bal.Anomaly {
		g.refuse(d, StateUnavailable, "accounting anomaly: withdrawn exceeds allocated")
		return nil
	}
	if bal.Available.Sign() == 0 {
		g.refuse(d, StateExhausted, "allocation fully withdrawn")
		return nil
	}

	if g.vesting == nil {
		g.refuse(d, StateUnavailable, "source unavailable: vesting schedule unreadable")
		return nil
	}
	window, err := g.vesting.GetVestingWindow(ctx, d.EscrowID)
	if err != nil || window == nil {
		if err == nil {
			err = errors.New("empty vesting window")
		}
		g.refuse(d, StateUnavailable, failureReason(err))
		return nil
	}
	claimable := new(big.Int).Set(bal.Available)
	if window.Enabled {
		if window.Start.IsZero() || !window.End.After(window.Start) {
			g.refuse(d, StateUnavailable, "invalid vesting window")
			return nil
		}
		now := d.DecidedAt
		if now.Before(window.Start) {
			g.refuse(d, StateVestingLocked, ReasonVestingNotStarted)
			return nil
		}
		vested := VestedAmount(bal.Allocated, window, now)
		unlocked := new(big.Int).Sub(vested, bal.Withdrawn)
		if unlocked.Sign() <= 0 {
			g.refuse(d, StateVestingLocked, fmt.Sprintf("%s: vested %s of %s, already withdrawn %s",
				reasonVestingInProgress,
				token.Format(d.Token, vested), token.Format(d.Token, bal.Allocated), token.Format(d.Token, bal.Withdrawn)))
			return nil
		}
		if unlocked.Cmp(claimable) < 0 {
			claimable = unlocked
		}
	}

	if g.redemptions != nil {
		n, err := g.redemptions.PendingCount(ctx, d.EscrowID, d.RecipientAddress)
		if err != nil {
			g.refuse(d, StateUnavailable, failureReason(err))
			return nil
		}
		if n > 0 {
			g.refuse(d, StateRedemptionPending, fmt.Sprintf("%d fiat redemption(s) in flight", n))
			return nil
		}
	}

	d.Allowed = true
	d.State = StateClaimable
	d.ClaimableAmount = claimable
	d.Reason = "claimable"
	return nil
}

func (g *Gate) refuse(d *Decision, s State, reason string) {
	d.Allowed = false
	d.State = s
	d.ClaimableAmount = new(big.Int)
	d.Reason = reason
}

// VestedAmount is the linearly vested share of allocated at now.
func VestedAmount(allocated *big.Int, w *VestingWindow, now time.Time) *big.Int {
	if !w.Enabled || !now.Before(w.End) {
		return new(big.Int).Set(allocated)
	}
	if !now.After(w.Start) {
		return new(big.Int)
	}
	elapsed := big.NewInt(int64(now.Sub(w.Start)))
	total := big.NewInt(int64(w.End.Sub(w.Start)))
	v := new(big.Int).Mul(allocated, elapsed)
	return v.Quo(v, total)
}

// failureReason keeps the failure kind at the front so reasons stay
// greppable.
func failureReason(err error) string {
	if errors.Is(err, domain.ErrSourceUnavailable) || errors.Is(err, domain.ErrStorageUnavailable) {
		return err.Error()
	}
	return "source unavailable: " + err.Error()
}
