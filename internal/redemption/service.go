package redemption

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/payrollx/escrowrecon/internal/circuitbreaker"
	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/idgen"
	"github.com/payrollx/escrowrecon/internal/logging"
	"github.com/payrollx/escrowrecon/internal/mirror"
	"github.com/payrollx/escrowrecon/internal/payrail"
	"github.com/payrollx/escrowrecon/internal/token"
	"github.com/payrollx/escrowrecon/internal/traces"
)

const railBreakerKey = "payrail"

// WithdrawalLookup finds mirrored withdrawals by transaction hash.
type WithdrawalLookup interface {
	FindByTxHash(ctx context.Context, txHash string) ([]*mirror.WithdrawalRecord, error)
}

// Rail submits payouts.
type Rail interface {
	CreateRedemption(ctx context.Context, req payrail.RedeemRequest) (*payrail.RedeemResponse, error)
}

// Notifier is told about every redemption whose outcome was recorded.
type Notifier interface {
	RedemptionUpdated(r *Redemption)
}

// Request is a receiver's ask to pay out a fiat withdrawal.
type Request struct {
	WalletAddress     string `json:"walletAddress"`
	TransactionHash   string `json:"txHash"`
	Amount            string `json:"amount"`
	TokenType         string `json:"tokenType"`
	BankAccountNumber string `json:"bankAccountNumber"`
	BankCode          string `json:"bankCode"`
	BankAccountName   string `json:"bankAccountName"`
}

// Service creates and tracks redemptions.
type Service struct {
	store       Store
	withdrawals WithdrawalLookup
	rail        Rail
	breaker     *circuitbreaker.Breaker
	notifier    Notifier
	chainID     int64
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a redemption service. rail may be nil when the payment
// rail is not configured; Redeem then refuses.
func NewService(store Store, withdrawals WithdrawalLookup, rail Rail, chainID int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		withdrawals: withdrawals,
		rail:        rail,
		chainID:     chainID,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithBreaker guards rail calls with a circuit breaker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// WithNotifier sets the notifier for recorded outcomes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Redeem validates req against the mirrored withdrawal it names and submits
// the payout. A rail that does not answer leaves the redemption pending.
func (s *Service) Redeem(ctx context.Context, req Request) (*Redemption, error) {
	if s.rail == nil {
		return nil, ErrRailNotConfigured
	}
	r, err := s.validate(ctx, req)
	if err != nil {
		outcomes.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "redemption.Redeem",
		traces.EscrowID(r.EscrowID), traces.Recipient(r.WalletAddress), traces.Token(string(r.Token)))
	defer span.End()

	if err := s.store.Create(ctx, r); err != nil {
		if errors.Is(err, ErrAlreadyRedeemed) {
			outcomes.WithLabelValues("already_redeemed").Inc()
			return nil, err
		}
		traces.RecordError(span, err, "storage_unavailable")
		return nil, domain.StorageUnavailable("create redemption", err)
	}

	resp, railErr := s.submit(ctx, r)
	switch {
	case railErr == nil:
		r.Status, r.ProviderRef = StatusSubmitted, resp.ID
	case errors.Is(railErr, payrail.ErrRejected), errors.Is(railErr, circuitbreaker.ErrOpen):
		// The rail definitely did not take the payout.
		r.Status, r.FailureReason = StatusFailed, railErr.Error()
	default:
		r.FailureReason = railErr.Error()
	}
	r.UpdatedAt = s.now()

	logger := logging.L(ctx).With("redemption_id", r.ID, "escrow_id", r.EscrowID, "wallet", r.WalletAddress)
	if err := s.store.UpdateStatus(ctx, r.ID, r.Status, r.ProviderRef, r.FailureReason, r.UpdatedAt); err != nil {
		// The row stays pending, which keeps the gate closed for this wallet.
		logger.Error("failed to record redemption outcome", "status", r.Status, "error", err)
	}
	if railErr != nil {
		logger.Warn("payment rail did not accept redemption", "status", r.Status, "error", railErr)
		traces.RecordError(span, railErr, string(r.Status))
	} else {
		logger.Info("redemption submitted", "provider_ref", r.ProviderRef, "amount", r.Amount.String())
	}
	outcomes.WithLabelValues(string(r.Status)).Inc()
	if s.notifier != nil {
		s.notifier.RedemptionUpdated(r.clone())
	}
	return r, nil
}

func (s *Service) submit(ctx context.Context, r *Redemption) (*payrail.RedeemResponse, error) {
	req := payrail.RedeemRequest{
		WalletAddress:     r.WalletAddress,
		Amount:            token.Format(r.Token, r.Amount),
		TokenType:         string(r.Token),
		ChainID:           r.ChainID,
		TransactionHash:   r.WithdrawalTxHash,
		BankAccountNumber: r.BankAccountNumber,
		BankCode:          r.BankCode,
		BankAccountName:   r.BankAccountName,
		Reference:         r.ID,
	}
	var resp *payrail.RedeemResponse
	call := func(ctx context.Context) error {
		var err error
		resp, err = s.rail.CreateRedemption(ctx, req)
		return err
	}
	var err error
	if s.breaker == nil {
		err = call(ctx)
	} else {
		err = s.breaker.Execute(ctx, railBreakerKey, call, func(err error) bool {
			return errors.Is(err, payrail.ErrUnavailable)
		})
	}
	if err == nil && resp == nil {
		// Outcome unknown; the redemption stays pending.
		return nil, errNoRailResponse
	}
	return resp, err
}

// validate checks the request against the mirrored withdrawal and builds
// the pending redemption.
func (s *Service) validate(ctx context.Context, req Request) (*Redemption, error) {
	wallet, err := domain.NormalizeAddress("walletAddress", req.WalletAddress)
	if err != nil {
		return nil, err
	}
	txHash, err := domain.NormalizeTxHash("txHash", req.TransactionHash)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.BankAccountNumber) == "" {
		return nil, domain.InvalidArgument("bankAccountNumber", "is required")
	}
	if strings.TrimSpace(req.BankCode) == "" {
		return nil, domain.InvalidArgument("bankCode", "is required")
	}
	if strings.TrimSpace(req.BankAccountName) == "" {
		return nil, domain.InvalidArgument("bankAccountName", "is required")
	}

	records, err := s.withdrawals.FindByTxHash(ctx, txHash)
	if err != nil {
		return nil, err
	}
	var w *mirror.WithdrawalRecord
	for _, rec := range records {
		if domain.SameAddress(rec.RecipientAddress, wallet) && rec.Destination == domain.DestinationFiatBank {
			w = rec
			break
		}
	}
	if w == nil {
		return nil, ErrWithdrawalNotMirrored
	}

	tok := w.Token
	if req.TokenType != "" {
		reqTok, err := token.ParseType(req.TokenType)
		if err != nil {
			return nil, domain.InvalidArgument("tokenType", "must be one of USDC, USDT, IDRX")
		}
		if tok != "" && reqTok != tok {
			return nil, domain.InvalidArgument("tokenType", "withdrawal was in %s", tok)
		}
		tok = reqTok
	}
	if !tok.Valid() {
		return nil, domain.InvalidArgument("tokenType", "is required for this withdrawal")
	}

	amount := new(big.Int).Set(w.Amount)
	if req.Amount != "" {
		if amount, err = token.Parse(tok, req.Amount); err != nil {
			return nil, domain.InvalidArgument("amount", "%v", err)
		}
		if amount.Sign() <= 0 {
			return nil, domain.InvalidArgument("amount", "must be positive")
		}
		if amount.Cmp(w.Amount) > 0 {
			return nil, domain.InvalidArgument("amount", "exceeds withdrawn amount %s", token.Format(tok, w.Amount))
		}
	}

	now := s.now()
	return &Redemption{
		ID:                idgen.WithPrefix("rdm_"),
		WithdrawalTxHash:  txHash,
		EscrowID:          w.EscrowID,
		WalletAddress:     wallet,
		Token:             tok,
		Amount:            amount,
		ChainID:           s.chainID,
		BankAccountNumber: strings.TrimSpace(req.BankAccountNumber),
		BankCode:          strings.TrimSpace(req.BankCode),
		BankAccountName:   strings.TrimSpace(req.BankAccountName),
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Get returns one redemption.
func (s *Service) Get(ctx context.Context, id string) (*Redemption, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, domain.StorageUnavailable("get redemption", err)
	}
	return r, err
}

// ListByWallet returns a wallet's redemptions, newest first.
func (s *Service) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Redemption, error) {
	wallet, err := domain.NormalizeAddress("walletAddress", wallet)
	if err != nil {
		return nil, err
	}
	out, err := s.store.ListByWallet(ctx, wallet, limit)
	if err != nil {
		return nil, domain.StorageUnavailable("list redemptions", err)
	}
	return out, nil
}

// PendingCount implements gate.RedemptionTracker.
func (s *Service) PendingCount(ctx context.Context, escrowID, wallet string) (int, error) {
	n, err := s.store.CountPending(ctx, strings.ToLower(escrowID), strings.ToLower(wallet))
	if err != nil {
		return 0, domain.StorageUnavailable("count pending redemptions", err)
	}
	return n, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrWithdrawalNotMirrored):
		return "not_mirrored"
	default:
		return domain.KindOf(err)
	}
}
