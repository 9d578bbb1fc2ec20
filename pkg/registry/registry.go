package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/types"
)

// key is the registry's composite index. A struct key keeps tenants with
// separator bytes in their ids from colliding.
type key struct {
	tenant  string
	service string
}

type regEntry struct {
	handle  types.Handle
	pending bool
}

// Entry is one lookup result. While a deploy is in flight the entry is
// Pending and carries no worker identity yet.
type Entry struct {
	Handle  types.Handle
	Pending bool
}

// Registry maps (tenant, service) to the worker owning that name. Uniqueness
// is enforced at the key: at most one entry, pending or live, per pair. All
// operations on a single pair are linearizable.
type Registry struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[key]*regEntry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		logger:  log.WithComponent("registry"),
		entries: make(map[key]*regEntry),
	}
}

// Reserve inserts a placeholder for a deploy in flight. The name is taken
// from this moment on: a concurrent deploy of the same pair loses the race
// with AlreadyExists.
func (r *Registry) Reserve(tenant, service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{tenant, service}
	if cur, ok := r.entries[k]; ok {
		return alreadyRegistered(tenant, service, cur)
	}
	r.entries[k] = &regEntry{pending: true}
	return nil
}

// Bind replaces a reservation, or a previous live handle after a restart,
// with h. Binding a name that is not present is NotFound; the worker behind
// h is then not tracked and the caller should put it down.
func (r *Registry) Bind(tenant, service string, h types.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{tenant, service}
	cur, ok := r.entries[k]
	if !ok {
		return errdefs.Wrapf(errdefs.ErrNotFound, "no entry for %s/%s", tenant, service)
	}
	cur.handle = h
	cur.pending = false
	r.logger.Debug().Str("tenant", tenant).Str("service", service).Str("worker_id", h.ID).Msg("handle bound")
	return nil
}

// Register is the one-step variant: atomic check-and-insert of a live
// handle.
func (r *Registry) Register(tenant, service string, h types.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{tenant, service}
	if cur, ok := r.entries[k]; ok {
		return alreadyRegistered(tenant, service, cur)
	}
	r.entries[k] = &regEntry{handle: h}
	return nil
}

// Lookup returns the entry for (tenant, service): zero or one results.
func (r *Registry) Lookup(tenant, service string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.entries[key{tenant, service}]
	if !ok {
		return Entry{}, false
	}
	return Entry{Handle: cur.handle, Pending: cur.pending}, true
}

// Unregister removes the entry. Idempotent.
func (r *Registry) Unregister(tenant, service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key{tenant, service}]; !ok {
		return
	}
	delete(r.entries, key{tenant, service})
	r.logger.Debug().Str("tenant", tenant).Str("service", service).Msg("entry removed")
}

// UnregisterIf removes the entry only while it is still bound to the given
// worker. Death notifications arrive asynchronously; carrying the dead
// incarnation's id keeps a late one from evicting a successor. An empty
// workerID matches any non-pending entry.
func (r *Registry) UnregisterIf(tenant, service, workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[key{tenant, service}]
	if !ok || cur.pending {
		return false
	}
	if workerID != "" && cur.handle.ID != workerID {
		return false
	}
	delete(r.entries, key{tenant, service})
	r.logger.Debug().Str("tenant", tenant).Str("service", service).Str("worker", workerID).Msg("entry removed")
	return true
}

// ListForTenant snapshots the tenant's entries sorted by service name.
// Pending reservations appear with Alive false.
func (r *Registry) ListForTenant(tenant string) []types.ServiceEntry {
	r.mu.RLock()
	out := make([]types.ServiceEntry, 0, 8)
	for k, e := range r.entries {
		if k.tenant != tenant {
			continue
		}
		out = append(out, types.ServiceEntry{
			Service: k.service,
			Handle:  e.handle,
			Alive:   !e.pending,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Count reports the number of entries, pending included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func alreadyRegistered(tenant, service string, cur *regEntry) error {
	if cur.pending {
		return errdefs.Wrapf(errdefs.ErrAlreadyExists, "service %s/%s has a deploy in flight", tenant, service)
	}
	return errdefs.Wrapf(errdefs.ErrAlreadyExists, "service %s/%s already registered to worker %s", tenant, service, cur.handle.ID)
}
