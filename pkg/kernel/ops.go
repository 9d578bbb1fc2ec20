package kernel

import (
	"context"
	"time"

	"github.com/hutchhq/hutch/pkg/deploy"
	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/health"
	"github.com/hutchhq/hutch/pkg/hotswap"
	"github.com/hutchhq/hutch/pkg/types"
)

// defaultInvokeTimeout bounds a worker invocation whose caller did not pick
// its own deadline.
const defaultInvokeTimeout = 10 * time.Second

// Deploy admits and runs the deploy pipeline for one service.
func (k *Kernel) Deploy(ctx context.Context, req deploy.Request) (types.Handle, error) {
	release, err := k.admit(req.Tenant)
	if err != nil {
		return types.Handle{}, err
	}
	defer release()
	return k.dep.Deploy(ctx, req)
}

// Status samples one service at call time.
func (k *Kernel) Status(ctx context.Context, tenant, service string) (types.ServiceStatus, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return types.ServiceStatus{}, err
	}
	defer release()
	return k.dep.Status(tenant, service)
}

// Kill stops one service, gracefully within grace and hard when force is
// set. A zero grace takes the configured default.
func (k *Kernel) Kill(ctx context.Context, tenant, service string, grace time.Duration, force bool) error {
	release, err := k.admit(tenant)
	if err != nil {
		return err
	}
	defer release()
	return k.dep.Kill(ctx, tenant, service, grace, force)
}

// List reports the tenant's registered services.
func (k *Kernel) List(ctx context.Context, tenant string) ([]types.ServiceEntry, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return nil, err
	}
	defer release()
	return k.dep.List(tenant), nil
}

// Swap replaces a running service's code in place under a rollback
// watchdog. A zero window takes the configured default.
func (k *Kernel) Swap(ctx context.Context, tenant, service, code string, window time.Duration) (hotswap.Result, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return hotswap.Result{}, err
	}
	defer release()
	return k.swapper.Swap(ctx, tenant, service, code, window)
}

// Replace is the safe swap variant: kill then deploy fresh.
func (k *Kernel) Replace(ctx context.Context, tenant, service, code string) (types.Handle, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return types.Handle{}, err
	}
	defer release()
	return k.swapper.Replace(ctx, tenant, service, code)
}

// Invoke sends one request to a service's worker through its circuit
// breaker and returns the worker's reply.
func (k *Kernel) Invoke(ctx context.Context, tenant, service, op string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return nil, err
	}
	defer release()
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}

	br := k.breakers.For(tenant, service)
	res, err := br.Call(func() (any, error) {
		sub, ok := k.sups.Get(tenant)
		if !ok {
			return nil, errdefs.Wrapf(errdefs.ErrNotFound, "no service %s/%s", tenant, service)
		}
		w, ok := sub.Lookup(service)
		if !ok {
			return nil, errdefs.Wrapf(errdefs.ErrNotFound, "no service %s/%s", tenant, service)
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return w.Call(callCtx, op, payload)
	}, timeout)
	if err != nil {
		return nil, err
	}
	reply, _ := res.(map[string]any)
	return reply, nil
}

// WatchEvents registers a live subscription and returns the stored backlog
// matching the filter. The subscriber channel carries everything emitted
// after the backlog snapshot; the caller applies the filter to live events
// and closes the subscriber to detach. Watches are exempt from admission:
// they hold no permit for their (unbounded) lifetime.
func (k *Kernel) WatchEvents(filter events.Filter) ([]*types.Event, *events.Subscriber) {
	sub := k.store.Subscribe()
	backlog := k.store.Stream(filter)
	return backlog, sub
}

// StreamEvents returns the stored events matching the filter, ascending.
func (k *Kernel) StreamEvents(filter events.Filter) []*types.Event {
	return k.store.Stream(filter)
}

// SetSecret stores one vault entry under the tenant's namespace.
func (k *Kernel) SetSecret(ctx context.Context, tenant, name string, value, masterKey []byte) error {
	release, err := k.admit(tenant)
	if err != nil {
		return err
	}
	defer release()
	return k.vault.Store(tenant, name, value, masterKey)
}

// GetSecret decrypts and returns one vault entry.
func (k *Kernel) GetSecret(ctx context.Context, tenant, name string, masterKey []byte) ([]byte, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return nil, err
	}
	defer release()
	return k.vault.Retrieve(tenant, name, masterKey)
}

// DeleteSecret removes one vault entry. Idempotent.
func (k *Kernel) DeleteSecret(ctx context.Context, tenant, name string) error {
	release, err := k.admit(tenant)
	if err != nil {
		return err
	}
	defer release()
	return k.vault.Revoke(tenant, name)
}

// ListSecrets returns the tenant's secret names, sorted.
func (k *Kernel) ListSecrets(ctx context.Context, tenant string) ([]string, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return nil, err
	}
	defer release()
	return k.vault.ListSecrets(tenant)
}

// GrantCapability issues a bearer token for an operation set on a resource.
// The token appears exactly once in this reply.
func (k *Kernel) GrantCapability(ctx context.Context, tenant, resource string, permissions []string, ttl time.Duration) (string, *types.Capability, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return "", nil, err
	}
	defer release()
	return k.caps.Grant(tenant, resource, permissions, ttl)
}

// VerifyCapability checks a presented token against a resource and
// permission. Denials are disjoint error kinds and all land in the event
// log.
func (k *Kernel) VerifyCapability(ctx context.Context, tenant, token, resource, permission string) (*types.Capability, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return nil, err
	}
	defer release()
	return k.caps.Verify(token, resource, permission)
}

// RevokeCapability revokes by stored token hash. Idempotent.
func (k *Kernel) RevokeCapability(ctx context.Context, tenant, tokenHash string) error {
	release, err := k.admit(tenant)
	if err != nil {
		return err
	}
	defer release()
	return k.caps.Revoke(tokenHash)
}

// RegisterService announces a name in the tenant's discovery table.
func (k *Kernel) RegisterService(ctx context.Context, ann types.Announcement) error {
	release, err := k.admit(ann.Tenant)
	if err != nil {
		return err
	}
	defer release()
	if _, ok := k.reg.Lookup(ann.Tenant, ann.Service); !ok {
		return errdefs.Wrapf(errdefs.ErrNotFound, "no service %s/%s to announce", ann.Tenant, ann.Service)
	}
	return k.disc.Announce(ann)
}

// DiscoverService resolves a name within the tenant, narrowed by tag
// filters. Discovery never crosses tenants.
func (k *Kernel) DiscoverService(ctx context.Context, tenant, name string, filters map[string]string) ([]types.Announcement, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return nil, err
	}
	defer release()
	return k.disc.Discover(tenant, name, filters), nil
}

// GetServices lists the tenant's announcements, optionally narrowed to one
// name.
func (k *Kernel) GetServices(ctx context.Context, tenant, name string) ([]types.Announcement, error) {
	release, err := k.admit(tenant)
	if err != nil {
		return nil, err
	}
	defer release()
	return k.disc.Services(tenant, name), nil
}

// Health runs every registered probe and aggregates the report. Exempt from
// admission so an overloaded kernel still answers health checks.
func (k *Kernel) Health(ctx context.Context) health.Report {
	return k.probes.Check(ctx)
}

// Metrics snapshots the kernel counters for programmatic callers. The
// Prometheus endpoint on the HTTP gateway is the richer surface.
func (k *Kernel) Metrics() types.MetricsSnapshot {
	workers := 0
	for _, w := range k.sups.Workers() {
		if w.Alive() {
			workers++
		}
	}
	return types.MetricsSnapshot{
		LastEventID:    k.store.LastID(),
		EventsRetained: k.store.Retained(),
		WorkersRunning: workers,
		TenantsActive:  k.sups.Count(),
		Namespaces:     k.engine.Count(),
		Shedder:        k.shed.Stats(),
		Breakers:       k.breakers.Snapshot(),
	}
}

// ShedderStats reports the admission-control snapshot.
func (k *Kernel) ShedderStats() types.ShedderStats {
	return k.shed.Stats()
}
