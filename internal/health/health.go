// Package health runs named subsystem checks for the /health endpoints.
//
// Checks are either required or optional. A failing required check makes
// the service not ready; an optional one (an upstream the API can degrade
// around) only shows up in the detail list.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds each check so one hung dependency cannot stall
// the probe.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Optional  bool   `json:"optional,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// FromPing adapts a Ping-style method.
func FromPing(ping func(context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	optional bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout sets the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a required checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterOptional adds a checker whose failure does not fail the aggregate.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, optional: true, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and returns the aggregate
// status plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = run(ctx, nc, timeout)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && !st.Optional {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, nc namedChecker, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() { done <- nc.check(ctx) }()

	var st Status
	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Healthy: false, Detail: "check timed out"}
	}
	st.Name = nc.name
	st.Optional = nc.optional
	st.LatencyMS = time.Since(start).Milliseconds()
	return st
}
