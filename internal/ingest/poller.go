// Package ingest feeds confirmed ledger events into the mirror.
//
// Two feeds share the same mirror: a Poller that pages the indexer after a
// persisted high-water mark, and a NATSConsumer for pushed withdrawal
// events. Both are at-least-once; the mirror's idempotent insert absorbs
// redelivery.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/health"
	"github.com/payrollx/escrowrecon/internal/mirror"
	"github.com/payrollx/escrowrecon/internal/retry"
)

// Source lists ledger events after a block, oldest first. The InBlock
// variants page through a single block in a stable order.
type Source interface {
	AllocationsSince(ctx context.Context, block uint64, limit int) ([]domain.EscrowAllocationEvent, error)
	WithdrawalsSince(ctx context.Context, block uint64, limit int) ([]domain.WithdrawalEvent, error)
	AllocationsInBlock(ctx context.Context, block uint64, skip, limit int) ([]domain.EscrowAllocationEvent, error)
	WithdrawalsInBlock(ctx context.Context, block uint64, skip, limit int) ([]domain.WithdrawalEvent, error)
}

// Mirror records events idempotently.
type Mirror interface {
	MirrorWithdrawal(ctx context.Context, e domain.WithdrawalEvent) (*mirror.MirrorResult, error)
	MirrorEscrowEvent(ctx context.Context, e domain.EscrowAllocationEvent) (*mirror.MirrorResult, error)
}

// Config for the poller.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Retry        retry.Policy
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		BatchSize:    200,
		Retry:        retry.DefaultPolicy(),
	}
}

// Poller pulls new events from the indexer on a ticker.
type Poller struct {
	source  Source
	mirror  Mirror
	cursors CursorStore
	config  Config
	logger  *slog.Logger

	lastSuccess atomic.Int64 // unix nanos

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPoller creates a poller. Zero config fields take their defaults.
func NewPoller(source Source, m Mirror, cursors CursorStore, cfg Config, logger *slog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:  source,
		mirror:  m,
		cursors: cursors,
		config:  cfg,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs one poll immediately and then one per interval until ctx
// ends or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("ingest poller started",
		"interval", p.config.PollInterval, "batch_size", p.config.BatchSize)
	go p.pollLoop(ctx)
}

// Stop stops the poller and waits for the current cycle to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("ingest poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs one cycle over both streams. Allocations go first so a
// replay from the mirror never sees a withdrawal before its allocation.
func (p *Poller) PollOnce(ctx context.Context) error {
	if err := p.pollStream(ctx, StreamAllocations, p.fetchAllocations, p.fetchAllocationBlock); err != nil {
		return err
	}
	if err := p.pollStream(ctx, StreamWithdrawals, p.fetchWithdrawals, p.fetchWithdrawalBlock); err != nil {
		return err
	}
	p.lastSuccess.Store(time.Now().UnixNano())
	return nil
}

// item is one fetched event ready to be mirrored.
type item struct {
	id    string
	block uint64
	apply func(context.Context) (*mirror.MirrorResult, error)
}

type (
	fetchFunc      func(ctx context.Context, since uint64) ([]item, error)
	blockFetchFunc func(ctx context.Context, block uint64, skip int) ([]item, error)
)

func (p *Poller) allocationItems(evs []domain.EscrowAllocationEvent) []item {
	items := make([]item, 0, len(evs))
	for _, e := range evs {
		items = append(items, item{
			id:    e.ChainEventID,
			block: e.BlockNumber,
			apply: func(ctx context.Context) (*mirror.MirrorResult, error) { return p.mirror.MirrorEscrowEvent(ctx, e) },
		})
	}
	return items
}

func (p *Poller) withdrawalItems(evs []domain.WithdrawalEvent) []item {
	items := make([]item, 0, len(evs))
	for _, e := range evs {
		items = append(items, item{
			id:    e.ChainEventID,
			block: e.BlockNumber,
			apply: func(ctx context.Context) (*mirror.MirrorResult, error) { return p.mirror.MirrorWithdrawal(ctx, e) },
		})
	}
	return items
}

func (p *Poller) fetchAllocations(ctx context.Context, since uint64) ([]item, error) {
	evs, err := p.source.AllocationsSince(ctx, since, p.config.BatchSize)
	if err != nil {
		return nil, err
	}
	return p.allocationItems(evs), nil
}

func (p *Poller) fetchAllocationBlock(ctx context.Context, block uint64, skip int) ([]item, error) {
	evs, err := p.source.AllocationsInBlock(ctx, block, skip, p.config.BatchSize)
	if err != nil {
		return nil, err
	}
	return p.allocationItems(evs), nil
}

func (p *Poller) fetchWithdrawals(ctx context.Context, since uint64) ([]item, error) {
	evs, err := p.source.WithdrawalsSince(ctx, since, p.config.BatchSize)
	if err != nil {
		return nil, err
	}
	return p.withdrawalItems(evs), nil
}

func (p *Poller) fetchWithdrawalBlock(ctx context.Context, block uint64, skip int) ([]item, error) {
	evs, err := p.source.WithdrawalsInBlock(ctx, block, skip, p.config.BatchSize)
	if err != nil {
		return nil, err
	}
	return p.withdrawalItems(evs), nil
}

// pollStream mirrors one batch and advances the stream's mark only after
// every event in it is stored. Invalid events are logged and skipped;
// a storage failure that outlasts the retry policy aborts the batch.
func (p *Poller) pollStream(ctx context.Context, stream string, fetch fetchFunc, fetchBlock blockFetchFunc) error {
	since, err := p.cursors.Load(ctx, stream)
	if err != nil {
		polls.WithLabelValues(stream, "error").Inc()
		return domain.StorageUnavailable("load "+stream+" cursor", err)
	}

	items, err := fetch(ctx, since)
	if err != nil {
		polls.WithLabelValues(stream, "error").Inc()
		return fmt.Errorf("fetch %s after block %d: %w", stream, since, err)
	}
	if len(items) == 0 {
		polls.WithLabelValues(stream, "idle").Inc()
		return nil
	}

	inserted, err := p.mirrorItems(ctx, stream, items)
	if err != nil {
		return err
	}

	full := len(items) >= p.config.BatchSize
	mark := nextMark(since, items, full)
	if full && mark == since {
		// The whole batch sits in block since+1. Read that block to the end
		// before moving past it.
		n, err := p.drainBlock(ctx, stream, since+1, fetchBlock)
		if err != nil {
			return err
		}
		inserted += n
		mark = since + 1
	}
	if mark > since {
		if err := p.cursors.Save(ctx, stream, mark); err != nil {
			polls.WithLabelValues(stream, "error").Inc()
			return domain.StorageUnavailable("save "+stream+" cursor", err)
		}
		highWaterMark.WithLabelValues(stream).Set(float64(mark))
	}

	polls.WithLabelValues(stream, "ok").Inc()
	p.logger.Info("ingest batch mirrored",
		"stream", stream, "events", len(items), "inserted", inserted, "from_block", since, "mark", mark)
	return nil
}

// drainBlock pages through one block from the start in the indexer's
// in-block order. Events already mirrored from the first batch come back
// as duplicates.
func (p *Poller) drainBlock(ctx context.Context, stream string, block uint64, fetchBlock blockFetchFunc) (int, error) {
	p.logger.Warn("block holds more events than the batch size; draining it",
		"stream", stream, "block", block, "batch_size", p.config.BatchSize)

	var inserted int
	for skip := 0; ; {
		page, err := fetchBlock(ctx, block, skip)
		if err != nil {
			polls.WithLabelValues(stream, "error").Inc()
			return 0, fmt.Errorf("fetch %s in block %d at offset %d: %w", stream, block, skip, err)
		}
		n, err := p.mirrorItems(ctx, stream, page)
		if err != nil {
			return 0, err
		}
		inserted += n
		if len(page) < p.config.BatchSize {
			return inserted, nil
		}
		skip += len(page)
	}
}

// mirrorItems stores each item with retries and reports how many were new.
func (p *Poller) mirrorItems(ctx context.Context, stream string, items []item) (int, error) {
	var inserted int
	for _, it := range items {
		var res *mirror.MirrorResult
		err := retry.Do(ctx, p.config.Retry, func(ctx context.Context) error {
			var err error
			res, err = it.apply(ctx)
			if errors.Is(err, domain.ErrInvalidArgument) {
				return retry.Permanent(err)
			}
			return err
		})
		switch {
		case err == nil && res.Inserted:
			inserted++
			events.WithLabelValues("poller", stream, "inserted").Inc()
		case err == nil:
			events.WithLabelValues("poller", stream, "duplicate").Inc()
		case errors.Is(err, domain.ErrInvalidArgument):
			events.WithLabelValues("poller", stream, "invalid").Inc()
			p.logger.Error("skipping invalid ledger event",
				"stream", stream, "chain_event_id", it.id, "block", it.block, "error", err)
		default:
			events.WithLabelValues("poller", stream, "error").Inc()
			polls.WithLabelValues(stream, "error").Inc()
			return inserted, fmt.Errorf("mirror %s event %s: %w", stream, it.id, err)
		}
	}
	return inserted, nil
}

// nextMark picks the block to resume after. A full batch may have been cut
// inside its last block, so the mark stops one block short and that block
// is fetched again; the mirror absorbs the repeats. When that leaves the
// mark where it was, the caller drains the block.
func nextMark(since uint64, items []item, full bool) uint64 {
	var last uint64
	for _, it := range items {
		if it.block > last {
			last = it.block
		}
	}
	if full && last > 0 {
		last--
	}
	if last < since {
		return since
	}
	return last
}

// HealthCheck reports the poller unhealthy once no cycle has succeeded
// for three intervals.
func (p *Poller) HealthCheck(_ context.Context) health.Status {
	st := health.Status{Name: "ingest", Healthy: true}
	last := p.lastSuccess.Load()
	if last == 0 {
		st.Detail = "no completed poll yet"
		return st
	}
	age := time.Since(time.Unix(0, last))
	if age > 3*p.config.PollInterval {
		st.Healthy = false
		st.Detail = fmt.Sprintf("last successful poll %s ago", age.Round(time.Second))
	}
	return st
}
