// Package circuitbreaker stops hammering an upstream that is already down.
//
// Breakers are keyed by upstream name (the contract RPC, the indexer, the
// payment rail). A key trips open after a run of consecutive failures,
// rejects calls for a cool-down, then lets a single probe through.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the key's circuit is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls rejected
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by upstream, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowrecon",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state per upstream (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})

	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected without reaching the upstream.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, stateGauge, rejected)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker is a per-key circuit breaker.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition sets a callback invoked on state changes. It runs on its
// own goroutine and must not block the breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn if key allows it and records the outcome. isFailure
// decides which errors count against the upstream; nil treats every
// non-nil error as a failure. A rejected call returns ErrOpen without
// running fn.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(context.Context) error, isFailure func(error) bool) error {
	if !b.Allow(key) {
		rejected.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure run and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// caller holds b.mu
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	transitions.WithLabelValues(key, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
