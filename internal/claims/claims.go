// Package claims aggregates a receiver's claimable balances across every
// escrow that allocates to them.
//
// One escrow that cannot be read does not fail the listing: it is left out
// of the items, reported in Unavailable, and the summary is marked Partial.
// Only a failure to enumerate the receiver's escrows fails the whole call,
// since then the set itself is unknown.
package claims

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/entitlement"
	"github.com/payrollx/escrowrecon/internal/pagination"
	"github.com/payrollx/escrowrecon/internal/token"
	"github.com/payrollx/escrowrecon/internal/traces"
)

// DefaultConcurrency bounds per-receiver fan-out to the ledger.
const DefaultConcurrency = 8

// Calculator computes one escrow's claimable balance.
type Calculator interface {
	ComputeClaimable(ctx context.Context, escrowID, recipient string, tok token.Type) (*entitlement.ClaimableBalance, error)
}

// ListOptions controls ListClaimable.
type ListOptions struct {
	IncludeZero bool // keep fully-claimed and unfunded escrows (audit view)
	Limit       int
	Cursor      string
}

// EscrowFailure names an escrow whose balance is temporarily unknown.
type EscrowFailure struct {
	EscrowID string     `json:"escrowId"`
	Token    token.Type `json:"tokenType"`
	Kind     string     `json:"kind"`
	Message  string     `json:"message"`
}

// Summary is one page of a receiver's claimable balances. TotalByToken
// covers every item that passed the filter, not just this page.
type Summary struct {
	RecipientAddress string
	Items            []*entitlement.ClaimableBalance
	TotalByToken     map[token.Type]*big.Int
	Partial          bool
	Unavailable      []EscrowFailure
	NextCursor       string
	HasMore          bool
}

// MarshalJSON renders totals in token units and base units.
func (s *Summary) MarshalJSON() ([]byte, error) {
	totals := make(map[token.Type]string, len(s.TotalByToken))
	base := make(map[token.Type]string, len(s.TotalByToken))
	for t, v := range s.TotalByToken {
		totals[t] = token.Format(t, v)
		base[t] = v.String()
	}
	items := s.Items
	if items == nil {
		items = []*entitlement.ClaimableBalance{}
	}
	return json.Marshal(struct {
		RecipientAddress      string                          `json:"recipientAddress"`
		Items                 []*entitlement.ClaimableBalance `json:"items"`
		TotalByToken          map[token.Type]string           `json:"totalByToken"`
		TotalByTokenBaseUnits map[token.Type]string           `json:"totalByTokenBaseUnits"`
		Partial               bool                            `json:"partial"`
		Unavailable           []EscrowFailure                 `json:"unavailable,omitempty"`
		NextCursor            string                          `json:"nextCursor,omitempty"`
		HasMore               bool                            `json:"hasMore"`
	}{s.RecipientAddress, items, totals, base, s.Partial, s.Unavailable, s.NextCursor, s.HasMore})
}

// Service aggregates claimable balances per receiver.
type Service struct {
	calc        Calculator
	events      entitlement.EventSource
	history     WithdrawalCounter
	concurrency int
	logger      *slog.Logger
}

// NewService creates an aggregator.
func NewService(calc Calculator, events entitlement.EventSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		calc:        calc,
		events:      events,
		concurrency: DefaultConcurrency,
		logger:      logger,
	}
}

// WithConcurrency sets how many escrows are computed at once.
func (s *Service) WithConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// WithHistory enables mirrored-withdrawal counts in Statistics.
func (s *Service) WithHistory(h WithdrawalCounter) *Service {
	s.history = h
	return s
}

type candidate struct {
	escrowID string
	token    token.Type
	latestAt time.Time
}

type collected struct {
	balances []*entitlement.ClaimableBalance
	failures []EscrowFailure
}

// ListClaimable returns the receiver's claimable balances, newest
// allocation first, one entry per escrow.
func (s *Service) ListClaimable(ctx context.Context, recipient string, opts ListOptions) (*Summary, error) {
	recipient, err := domain.NormalizeAddress("recipientAddress", recipient)
	if err != nil {
		return nil, err
	}
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, domain.InvalidArgument("cursor", "malformed cursor")
	}
	limit := pagination.ClampLimit(opts.Limit)

	ctx, span := traces.StartSpan(ctx, "claims.ListClaimable", traces.Recipient(recipient))
	defer span.End()
	start := time.Now()

	col, err := s.collect(ctx, recipient)
	if err != nil {
		listRequests.WithLabelValues("error").Inc()
		traces.RecordError(span, err, domain.KindOf(err))
		return nil, err
	}

	items := col.balances
	if !opts.IncludeZero {
		items = items[:0:0]
		for _, b := range col.balances {
			if b.Available.Sign() > 0 {
				items = append(items, b)
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].AllocatedAt.Equal(items[j].AllocatedAt) {
			return items[i].AllocatedAt.After(items[j].AllocatedAt)
		}
		return items[i].EscrowID < items[j].EscrowID
	})

	totals := make(map[token.Type]*big.Int)
	for _, b := range items {
		if totals[b.Token] == nil {
			totals[b.Token] = new(big.Int)
		}
		totals[b.Token].Add(totals[b.Token], b.Available)
	}

	page := make([]*entitlement.ClaimableBalance, 0, limit+1)
	for _, b := range items {
		if !cursor.Follows(b.AllocatedAt, b.EscrowID) {
			continue
		}
		page = append(page, b)
		if len(page) > limit {
			break
		}
	}
	page, next, more := pagination.ComputePage(page, limit, func(b *entitlement.ClaimableBalance) (time.Time, string) {
		return b.AllocatedAt, b.EscrowID
	})

	sum := &Summary{
		RecipientAddress: recipient,
		Items:            page,
		TotalByToken:     totals,
		Partial:          len(col.failures) > 0,
		Unavailable:      col.failures,
		NextCursor:       next,
		HasMore:          more,
	}

	result := "ok"
	if sum.Partial {
		result = "partial"
	}
	listRequests.WithLabelValues(result).Inc()
	listDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.EscrowCount(len(col.balances)+len(col.failures)), traces.Partial(sum.Partial))
	return sum, nil
}

// collect computes every escrow naming recipient. recipient is normalized.
func (s *Service) collect(ctx context.Context, recipient string) (*collected, error) {
	events, err := s.events.AllocationEvents(ctx, entitlement.EventFilter{ReceiverAddress: recipient})
	if err != nil {
		if domain.KindOf(err) == "source_unavailable" {
			return nil, err
		}
		return nil, domain.SourceUnavailable("indexer", err)
	}

	byEscrow := make(map[string]*candidate)
	var order []*candidate
	for i := range events {
		e := &events[i]
		if _, ok := e.AmountFor(recipient); !ok {
			continue
		}
		c, ok := byEscrow[e.EscrowID]
		if !ok {
			c = &candidate{escrowID: e.EscrowID, token: e.Token}
			byEscrow[e.EscrowID] = c
			order = append(order, c)
		}
		if e.CreatedAt.After(c.latestAt) {
			c.latestAt = e.CreatedAt
		}
	}

	balances := make([]*entitlement.ClaimableBalance, len(order))
	errs := make([]error, len(order))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, c := range order {
		g.Go(func() error {
			bal, err := s.calc.ComputeClaimable(ctx, c.escrowID, recipient, c.token)
			if err != nil {
				errs[i] = err
				return nil
			}
			if bal.AllocatedAt.IsZero() {
				bal.AllocatedAt = c.latestAt
			}
			balances[i] = bal
			return nil
		})
	}
	_ = g.Wait()

	col := &collected{}
	for i, c := range order {
		if errs[i] != nil {
			escrowFailures.WithLabelValues(domain.KindOf(errs[i])).Inc()
			s.logger.Warn("escrow balance unavailable",
				"escrow_id", c.escrowID, "recipient", recipient, "error", errs[i])
			col.failures = append(col.failures, EscrowFailure{
				EscrowID: c.escrowID,
				Token:    c.token,
				Kind:     domain.KindOf(errs[i]),
				Message:  errs[i].Error(),
			})
			continue
		}
		col.balances = append(col.balances, balances[i])
	}
	return col, nil
}
