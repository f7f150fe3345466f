package mirror

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/pagination"
	"github.com/payrollx/escrowrecon/internal/traces"
)

// DefaultTimeout bounds every store call.
const DefaultTimeout = 5 * time.Second

// Notifier is told about newly mirrored withdrawals. Redeliveries are not
// announced.
type Notifier interface {
	WithdrawalMirrored(rec *WithdrawalRecord)
}

// HistoryPage is one page of a receiver's mirrored withdrawals.
type HistoryPage struct {
	Withdrawals []*WithdrawalRecord `json:"withdrawals"`
	NextCursor  string              `json:"nextCursor,omitempty"`
	HasMore     bool                `json:"hasMore"`
}

// Service mirrors events into a Store.
type Service struct {
	store    Store
	timeout  time.Duration
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a mirror service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		timeout: DefaultTimeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTimeout sets the per-call storage deadline.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithNotifier sets the notifier for first-time inserts.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// MirrorWithdrawal records e once. A redelivered event returns
// Inserted=false and leaves the stored record untouched.
func (s *Service) MirrorWithdrawal(ctx context.Context, e domain.WithdrawalEvent) (*MirrorResult, error) {
	if err := e.Validate(); err != nil {
		writes.WithLabelValues("withdrawal", "invalid").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "mirror.MirrorWithdrawal",
		traces.ChainEventID(e.ChainEventID), traces.EscrowID(e.EscrowID), traces.Recipient(e.RecipientAddress))
	defer span.End()

	rec := NewWithdrawalRecord(e, s.now())
	inserted, err := s.insert(ctx, "withdrawal", func(ctx context.Context) (bool, error) {
		return s.store.InsertWithdrawal(ctx, rec)
	})
	if err != nil {
		traces.RecordError(span, err, domain.KindOf(err))
		s.logger.Error("mirror withdrawal failed", "chain_event_id", e.ChainEventID, "error", err)
		return nil, err
	}

	if inserted {
		s.logger.Info("withdrawal mirrored",
			"chain_event_id", e.ChainEventID,
			"escrow_id", e.EscrowID,
			"recipient", e.RecipientAddress,
			"amount", e.Amount.String(),
			"destination", e.Destination)
		if s.notifier != nil {
			s.notifier.WithdrawalMirrored(rec)
		}
	} else {
		s.logger.Debug("withdrawal already mirrored", "chain_event_id", e.ChainEventID)
	}
	return &MirrorResult{ChainEventID: e.ChainEventID, Inserted: inserted}, nil
}

// MirrorEscrowEvent records an allocation event once.
func (s *Service) MirrorEscrowEvent(ctx context.Context, e domain.EscrowAllocationEvent) (*MirrorResult, error) {
	if err := e.Validate(); err != nil {
		writes.WithLabelValues("escrow_event", "invalid").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "mirror.MirrorEscrowEvent",
		traces.ChainEventID(e.ChainEventID), traces.EscrowID(e.EscrowID))
	defer span.End()

	rec := &EscrowEventRecord{Event: e, SavedAt: s.now()}
	inserted, err := s.insert(ctx, "escrow_event", func(ctx context.Context) (bool, error) {
		return s.store.InsertEscrowEvent(ctx, rec)
	})
	if err != nil {
		traces.RecordError(span, err, domain.KindOf(err))
		s.logger.Error("mirror escrow event failed", "chain_event_id", e.ChainEventID, "error", err)
		return nil, err
	}
	if inserted {
		s.logger.Info("escrow event mirrored",
			"chain_event_id", e.ChainEventID, "escrow_id", e.EscrowID, "kind", e.Kind)
	}
	return &MirrorResult{ChainEventID: e.ChainEventID, Inserted: inserted}, nil
}

func (s *Service) insert(ctx context.Context, kind string, fn func(context.Context) (bool, error)) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	inserted, err := fn(ctx)
	writeDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		writes.WithLabelValues(kind, "error").Inc()
		return false, domain.StorageUnavailable("insert "+kind, err)
	}
	if inserted {
		writes.WithLabelValues(kind, "inserted").Inc()
	} else {
		writes.WithLabelValues(kind, "duplicate").Inc()
	}
	return inserted, nil
}

// GetWithdrawal returns one mirrored withdrawal.
func (s *Service) GetWithdrawal(ctx context.Context, chainEventID string) (*WithdrawalRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rec, err := s.store.GetWithdrawal(ctx, chainEventID)
	return rec, s.storageErr("get withdrawal", err)
}

// FindByTxHash returns the withdrawals a transaction produced.
func (s *Service) FindByTxHash(ctx context.Context, txHash string) ([]*WithdrawalRecord, error) {
	txHash, err := domain.NormalizeTxHash("txHash", txHash)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	recs, err := s.store.FindByTxHash(ctx, txHash)
	return recs, s.storageErr("find by tx hash", err)
}

// History pages through a receiver's mirrored withdrawals, newest first.
func (s *Service) History(ctx context.Context, recipient, cursor string, limit int) (*HistoryPage, error) {
	recipient, err := domain.NormalizeAddress("recipientAddress", recipient)
	if err != nil {
		return nil, err
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, domain.InvalidArgument("cursor", "malformed cursor")
	}
	limit = pagination.ClampLimit(limit)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	recs, err := s.store.ListByRecipient(ctx, recipient, after, limit+1)
	if err != nil {
		return nil, s.storageErr("list withdrawals", err)
	}
	recs, next, more := pagination.ComputePage(recs, limit, func(r *WithdrawalRecord) (time.Time, string) {
		return r.Timestamp, r.ChainEventID
	})
	if recs == nil {
		recs = []*WithdrawalRecord{}
	}
	return &HistoryPage{Withdrawals: recs, NextCursor: next, HasMore: more}, nil
}

// EscrowEvents returns an escrow's mirrored allocation events in chain order.
func (s *Service) EscrowEvents(ctx context.Context, escrowID string) ([]*EscrowEventRecord, error) {
	escrowID, err := domain.NormalizeEscrowID(escrowID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	recs, err := s.store.ListEscrowEvents(ctx, escrowID)
	return recs, s.storageErr("list escrow events", err)
}

// EscrowWithdrawals returns an escrow's mirrored withdrawals.
func (s *Service) EscrowWithdrawals(ctx context.Context, escrowID string) ([]*WithdrawalRecord, error) {
	escrowID, err := domain.NormalizeEscrowID(escrowID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	recs, err := s.store.ListByEscrow(ctx, escrowID)
	return recs, s.storageErr("list escrow withdrawals", err)
}

// CountByDestination implements claims.WithdrawalCounter.
func (s *Service) CountByDestination(ctx context.Context, recipient string) (map[domain.Destination]int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	counts, err := s.store.CountByDestination(ctx, recipient)
	return counts, s.storageErr("count withdrawals", err)
}

func (s *Service) storageErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return domain.StorageUnavailable(op, err)
}
