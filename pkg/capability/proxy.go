package capability

import (
	"context"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/types"
)

// Owner is the resource behind a proxy.
type Owner interface {
	Handle(ctx context.Context, op string, payload map[string]any) (map[string]any, error)
}

// OwnerFunc adapts a function to the Owner interface.
type OwnerFunc func(ctx context.Context, op string, payload map[string]any) (map[string]any, error)

// Handle implements Owner.
func (f OwnerFunc) Handle(ctx context.Context, op string, payload map[string]any) (map[string]any, error) {
	return f(ctx, op, payload)
}

// Proxy sits in front of a resource owner and forwards only the allowed
// operation tags. Everything else, unknown and malformed operations
// included, is denied without reaching the owner.
type Proxy struct {
	tenant   string
	resource string
	allowed  map[string]struct{}
	owner    Owner
	events   events.Emitter
}

// NewProxy builds an attenuated front for owner, restricted to allowedOps.
func NewProxy(tenant, resource string, allowedOps []string, owner Owner, emitter events.Emitter) *Proxy {
	allowed := make(map[string]struct{}, len(allowedOps))
	for _, op := range allowedOps {
		allowed[op] = struct{}{}
	}
	return &Proxy{
		tenant:   tenant,
		resource: resource,
		allowed:  allowed,
		owner:    owner,
		events:   emitter,
	}
}

// Resource returns the resource this proxy guards.
func (p *Proxy) Resource() string { return p.resource }

// Forward relays op to the owner when op is in the allowed set. A denied,
// empty, or unrecognized op answers PermissionDenied and emits
// capability_denied.
func (p *Proxy) Forward(ctx context.Context, op string, payload map[string]any) (map[string]any, error) {
	if _, ok := p.allowed[op]; op == "" || !ok {
		metrics.CapabilityChecks.WithLabelValues("denied").Inc()
		p.events.Emit(types.EventCapabilityDenied, p.tenant, p.tenant, map[string]any{
			"resource":   p.resource,
			"permission": op,
			"reason":     "op_not_allowed",
		})
		return nil, errdefs.Wrapf(errdefs.ErrPermissionDenied, "operation %q not allowed on %s", op, p.resource)
	}
	return p.owner.Handle(ctx, op, payload)
}
