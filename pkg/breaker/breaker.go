// Package breaker wraps outbound service calls in per-service circuit
// breakers: consecutive failures trip the circuit open, open circuits
// fast-fail, and a bounded probe window closes them again.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/types"
)

// Options parameterize every breaker in a registry.
type Options struct {
	// FailureThreshold is the consecutive-failure count that trips closed → open.
	FailureThreshold uint32
	// ResetTimeout is how long an open breaker waits before probing again.
	ResetTimeout time.Duration
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open breaker.
	SuccessThreshold uint32
}

// DefaultOptions match the kernel defaults: 5 failures, 30s reset, 2 successes.
func DefaultOptions() Options {
	return Options{FailureThreshold: 5, ResetTimeout: 30 * time.Second, SuccessThreshold: 2}
}

// Breaker guards calls to one service. Failures, timeouts, and panics all
// count against the trip threshold; a panic inside the protected function
// never propagates to the caller.
type Breaker struct {
	tenant  string
	service string
	cb      *gobreaker.CircuitBreaker
}

// Registry hands out one breaker per (tenant, service) and keeps it for the
// life of the process, so trip state survives worker restarts.
type Registry struct {
	opts   Options
	events events.Emitter
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, emitter events.Emitter) *Registry {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.SuccessThreshold == 0 {
		opts.SuccessThreshold = 2
	}
	return &Registry{
		opts:     opts,
		events:   emitter,
		logger:   log.WithComponent("breaker"),
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker guarding (tenant, service), creating it on first use.
func (r *Registry) For(tenant, service string) *Breaker {
	key := tenant + "/" + service

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}

	b := &Breaker{tenant: tenant, service: service}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: r.opts.SuccessThreshold,
		Timeout:     r.opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onStateChange(tenant, service, from, to)
		},
	})
	r.breakers[key] = b
	return b
}

func (r *Registry) onStateChange(tenant, service string, from, to gobreaker.State) {
	state := stateOf(to)
	metrics.BreakerState.WithLabelValues(tenant, service).Set(stateGauge(state))
	r.logger.Info().
		Str("tenant", tenant).
		Str("service", service).
		Str("from", string(stateOf(from))).
		Str("to", string(state)).
		Msg("breaker state change")

	subject := types.ServiceSubject(tenant, service)
	payload := map[string]any{"service": service, "from": string(stateOf(from)), "to": string(state)}
	switch to {
	case gobreaker.StateOpen:
		r.events.Emit(types.EventCircuitBreakerOpened, tenant, subject, payload)
	case gobreaker.StateClosed:
		r.events.Emit(types.EventCircuitBreakerClosed, tenant, subject, payload)
	}
}

// Snapshot reports the state and counters of every breaker created so far.
func (r *Registry) Snapshot() []types.BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		counts := b.cb.Counts()
		out = append(out, types.BreakerSnapshot{
			Tenant:               b.tenant,
			Service:              b.service,
			State:                stateOf(b.cb.State()),
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			Requests:             counts.Requests,
		})
	}
	return out
}

// State reports the breaker's current state.
func (b *Breaker) State() types.BreakerState {
	return stateOf(b.cb.State())
}

// Call runs fn under the breaker. While open it fast-fails with CircuitOpen
// without invoking fn. A call that outlives timeout counts as a failure, as
// does a panic; neither stops later calls from being attempted.
func (b *Breaker) Call(fn func() (any, error), timeout time.Duration) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return runProtected(fn, timeout)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.BreakerRejected.Inc()
		return nil, errdefs.Wrapf(errdefs.ErrCircuitOpen, "%s/%s", b.tenant, b.service)
	}
	return result, err
}

// runProtected converts panics and deadline overruns into plain errors so
// the breaker counts them without re-raising.
func runProtected(fn func() (any, error), timeout time.Duration) (any, error) {
	type outcome struct {
		result any
		err    error
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: errdefs.Wrapf(errdefs.ErrTransient, "call panicked: %v", rec)}
			}
		}()
		result, err := fn()
		ch <- outcome{result: result, err: err}
	}()

	if timeout <= 0 {
		o := <-ch
		return o.result, o.err
	}
	select {
	case o := <-ch:
		return o.result, o.err
	case <-time.After(timeout):
		return nil, errdefs.Wrapf(errdefs.ErrTransient, "call timed out after %s", timeout)
	}
}

func stateOf(s gobreaker.State) types.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return types.BreakerOpen
	case gobreaker.StateHalfOpen:
		return types.BreakerHalfOpen
	default:
		return types.BreakerClosed
	}
}

func stateGauge(s types.BreakerState) float64 {
	switch s {
	case types.BreakerOpen:
		return 2
	case types.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}
