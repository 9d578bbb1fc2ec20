package supervisor

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/worker"
)

// TenantSupervisor is the middle tier: a dynamic factory creating one
// sub-supervisor per tenant on first use, capped by maxTenants.
type TenantSupervisor struct {
	logger     zerolog.Logger
	events     events.Emitter
	policy     Policy
	hooks      Hooks
	maxTenants int

	mu     sync.Mutex
	subs   map[string]*TenantSub
	closed bool
}

// NewTenantSupervisor creates the tenant tier. maxTenants <= 0 means no cap.
func NewTenantSupervisor(em events.Emitter, policy Policy, hooks Hooks, maxTenants int) *TenantSupervisor {
	return &TenantSupervisor{
		logger:     log.WithComponent("supervisor"),
		events:     em,
		policy:     policy.withDefaults(),
		hooks:      hooks,
		maxTenants: maxTenants,
		subs:       make(map[string]*TenantSub),
	}
}

// ForTenant returns the tenant's sub-supervisor, creating it on first use.
func (ts *TenantSupervisor) ForTenant(tenant string) (*TenantSub, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return nil, errdefs.Wrapf(errdefs.ErrTransient, "supervisor shutting down")
	}
	if sub, ok := ts.subs[tenant]; ok {
		return sub, nil
	}
	if ts.maxTenants > 0 && len(ts.subs) >= ts.maxTenants {
		return nil, errdefs.Wrapf(errdefs.ErrOverloaded, "tenant limit %d reached", ts.maxTenants)
	}
	sub := newTenantSub(tenant, ts.events, ts.policy, ts.hooks)
	ts.subs[tenant] = sub
	ts.logger.Info().Str("tenant", tenant).Msg("tenant sub-supervisor created")
	return sub, nil
}

// Get returns the sub-supervisor only if the tenant is already active.
func (ts *TenantSupervisor) Get(tenant string) (*TenantSub, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	sub, ok := ts.subs[tenant]
	return sub, ok
}

// Tenants lists active tenants in sorted order.
func (ts *TenantSupervisor) Tenants() []string {
	ts.mu.Lock()
	out := make([]string, 0, len(ts.subs))
	for t := range ts.subs {
		out = append(out, t)
	}
	ts.mu.Unlock()

	sort.Strings(out)
	return out
}

// Count reports how many tenants are active.
func (ts *TenantSupervisor) Count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subs)
}

// Workers snapshots every live worker across all tenants.
func (ts *TenantSupervisor) Workers() []*worker.Worker {
	ts.mu.Lock()
	subs := make([]*TenantSub, 0, len(ts.subs))
	for _, sub := range ts.subs {
		subs = append(subs, sub)
	}
	ts.mu.Unlock()

	var out []*worker.Worker
	for _, sub := range subs {
		out = append(out, sub.Workers()...)
	}
	return out
}

// Shutdown stops every tenant's workers. Sub-supervisors shut down in
// parallel; no new tenants are admitted afterwards.
func (ts *TenantSupervisor) Shutdown(ctx context.Context) error {
	ts.mu.Lock()
	ts.closed = true
	subs := make([]*TenantSub, 0, len(ts.subs))
	for _, sub := range ts.subs {
		subs = append(subs, sub)
	}
	ts.mu.Unlock()

	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		g.Go(func() error { return sub.Shutdown(ctx) })
	}
	return g.Wait()
}
