// Package upstream bounds every call to a ledger source.
//
// Each call gets a deadline and passes through a per-source circuit
// breaker. Whatever goes wrong in transport (deadline, refused connection,
// open breaker) comes back as domain.ErrSourceUnavailable so callers can
// tell "unknown" apart from "zero".
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/payrollx/escrowrecon/internal/circuitbreaker"
	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/entitlement"
	"github.com/payrollx/escrowrecon/internal/gate"
)

const DefaultTimeout = 5 * time.Second

// Guard applies a timeout and a breaker to upstream calls.
type Guard struct {
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewGuard creates a guard. A nil breaker disables breaking.
func NewGuard(breaker *circuitbreaker.Breaker, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{breaker: breaker, timeout: timeout}
}

// Do runs fn against source under the guard.
func (g *Guard) Do(ctx context.Context, source string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Answers that are not transport failures, and cancellations by our own
	// caller, say nothing about the upstream's health.
	isFailure := func(err error) bool {
		if passThrough(err) {
			return false
		}
		return ctx.Err() == nil
	}

	start := time.Now()
	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(callCtx, source, fn, isFailure)
	} else {
		err = fn(callCtx)
	}
	callDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		calls.WithLabelValues(source, "ok").Inc()
		return nil
	case passThrough(err):
		calls.WithLabelValues(source, "ok").Inc()
		return err
	case errors.Is(err, circuitbreaker.ErrOpen):
		calls.WithLabelValues(source, "breaker_open").Inc()
		return domain.SourceUnavailable(source, err)
	case callCtx.Err() != nil && ctx.Err() == nil:
		calls.WithLabelValues(source, "timeout").Inc()
		return domain.SourceUnavailable(source, fmt.Errorf("no answer within %s: %w", g.timeout, err))
	default:
		calls.WithLabelValues(source, "error").Inc()
		if errors.Is(err, domain.ErrSourceUnavailable) {
			return err
		}
		return domain.SourceUnavailable(source, err)
	}
}

func passThrough(err error) bool {
	return errors.Is(err, entitlement.ErrNoAuthoritativeRead) || errors.Is(err, domain.ErrInvalidArgument)
}

// call adapts a value-returning upstream call to Do.
func call[T any](ctx context.Context, g *Guard, source string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, source, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Ledger is everything the service reads from the authoritative source.
type Ledger interface {
	entitlement.LedgerReader
	gate.VestingReader
	gate.FundingReader
}

// GuardedLedger wraps a Ledger with a Guard.
type GuardedLedger struct {
	inner  Ledger
	guard  *Guard
	source string
}

// NewLedger guards inner under the given source name.
func NewLedger(inner Ledger, guard *Guard, source string) *GuardedLedger {
	return &GuardedLedger{inner: inner, guard: guard, source: source}
}

func (l *GuardedLedger) GetAllocation(ctx context.Context, escrowID, receiver string) (*entitlement.Allocation, error) {
	return call(ctx, l.guard, l.source, func(ctx context.Context) (*entitlement.Allocation, error) {
		return l.inner.GetAllocation(ctx, escrowID, receiver)
	})
}

func (l *GuardedLedger) GetVestingWindow(ctx context.Context, escrowID string) (*gate.VestingWindow, error) {
	return call(ctx, l.guard, l.source, func(ctx context.Context) (*gate.VestingWindow, error) {
		return l.inner.GetVestingWindow(ctx, escrowID)
	})
}

func (l *GuardedLedger) GetFunding(ctx context.Context, escrowID string) (*gate.Funding, error) {
	return call(ctx, l.guard, l.source, func(ctx context.Context) (*gate.Funding, error) {
		return l.inner.GetFunding(ctx, escrowID)
	})
}

// GuardedEvents wraps an EventSource with a Guard.
type GuardedEvents struct {
	inner  entitlement.EventSource
	guard  *Guard
	source string
}

// NewEvents guards inner under the given source name.
func NewEvents(inner entitlement.EventSource, guard *Guard, source string) *GuardedEvents {
	return &GuardedEvents{inner: inner, guard: guard, source: source}
}

func (e *GuardedEvents) AllocationEvents(ctx context.Context, f entitlement.EventFilter) ([]domain.EscrowAllocationEvent, error) {
	return call(ctx, e.guard, e.source, func(ctx context.Context) ([]domain.EscrowAllocationEvent, error) {
		return e.inner.AllocationEvents(ctx, f)
	})
}

func (e *GuardedEvents) WithdrawalEvents(ctx context.Context, f entitlement.EventFilter) ([]domain.WithdrawalEvent, error) {
	return call(ctx, e.guard, e.source, func(ctx context.Context) ([]domain.WithdrawalEvent, error) {
		return e.inner.WithdrawalEvents(ctx, f)
	})
}
