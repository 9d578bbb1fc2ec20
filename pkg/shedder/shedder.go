// Package shedder provides process-wide in-flight admission control with
// per-tenant and global ceilings.
package shedder

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/types"
)

// Limits carries the admission ceilings. PerTenantFor lets tenant-specific
// overrides take precedence over the flat per-tenant limit.
type Limits struct {
	MaxPerTenant int
	MaxTotal     int
	PerTenantFor func(tenant string) int
}

// Shedder is process-wide admission control. Every admitted unit of work
// holds one permit, identified by an opaque token; tenants are capped
// individually and the process is capped globally. All transitions happen
// under one mutex, so acquire is atomic with respect to both limits.
type Shedder struct {
	mu     sync.Mutex
	perTen map[string]int
	tokens map[string]string
	total  int
	limits Limits
	logger zerolog.Logger
}

// New creates a shedder with the given limits.
func New(limits Limits) *Shedder {
	return &Shedder{
		perTen: make(map[string]int),
		tokens: make(map[string]string),
		limits: limits,
		logger: log.WithComponent("shedder"),
	}
}

func (s *Shedder) limitFor(tenant string) int {
	if s.limits.PerTenantFor != nil {
		if n := s.limits.PerTenantFor(tenant); n > 0 {
			return n
		}
	}
	return s.limits.MaxPerTenant
}

// Check is a non-mutating probe: would an acquire for tenant succeed now.
func (s *Shedder) Check(tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admissible(tenant)
}

// admissible applies both ceilings. Caller holds s.mu.
func (s *Shedder) admissible(tenant string) error {
	if s.perTen[tenant] >= s.limitFor(tenant) {
		return errdefs.Wrapf(errdefs.ErrOverloaded, "tenant %s at in-flight limit", tenant)
	}
	if s.total >= s.limits.MaxTotal {
		return errdefs.Wrapf(errdefs.ErrOverloaded, "global in-flight limit reached")
	}
	return nil
}

// Acquire admits one unit of work for tenant and returns its permit token.
// Rejection leaves no state behind.
func (s *Shedder) Acquire(tenant string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.admissible(tenant); err != nil {
		metrics.ShedRejected.WithLabelValues(tenant).Inc()
		s.logger.Debug().Str("tenant", tenant).Int("in_flight", s.perTen[tenant]).Msg("admission rejected")
		return "", err
	}

	token := uuid.NewString()
	s.perTen[tenant]++
	s.total++
	s.tokens[token] = tenant
	metrics.InFlight.WithLabelValues(tenant).Inc()
	return token, nil
}

// Release returns a permit. Unknown and already-released tokens are no-ops,
// so double-release can never drive a count negative.
func (s *Shedder) Release(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.tokens[token]
	if !ok {
		return
	}
	delete(s.tokens, token)

	s.perTen[tenant]--
	s.total--
	metrics.InFlight.WithLabelValues(tenant).Dec()
	if s.perTen[tenant] <= 0 {
		delete(s.perTen, tenant)
	}
}

// Stats snapshots current admission state.
func (s *Shedder) Stats() types.ShedderStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	per := make(map[string]int, len(s.perTen))
	for t, n := range s.perTen {
		per[t] = n
	}
	return types.ShedderStats{
		PerTenant:     per,
		TotalInFlight: s.total,
		NumTenants:    len(s.perTen),
		MaxPerTenant:  s.limits.MaxPerTenant,
		MaxTotal:      s.limits.MaxTotal,
	}
}
