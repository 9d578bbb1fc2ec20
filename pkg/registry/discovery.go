package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/types"
)

// Discovery is the tenant-scoped announcement table. A deploy announces the
// service under its own name; operators and workers may announce additional
// names with tags, and one name may point at several services. Names never
// resolve across tenants.
type Discovery struct {
	logger zerolog.Logger

	mu sync.RWMutex
	// tenant → name → service → announcement
	tables map[string]map[string]map[string]types.Announcement
}

// NewDiscovery creates an empty announcement table.
func NewDiscovery() *Discovery {
	return &Discovery{
		logger: log.WithComponent("discovery"),
		tables: make(map[string]map[string]map[string]types.Announcement),
	}
}

// Announce publishes name → service for the announcement's tenant,
// overwriting a previous announcement of the same (name, service) pair.
// AnnouncedAt is stamped here.
func (d *Discovery) Announce(a types.Announcement) error {
	if a.Tenant == "" || a.Name == "" || a.Service == "" {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "announcement needs tenant, name, and service")
	}
	a.AnnouncedAt = time.Now().UTC()

	d.mu.Lock()
	names, ok := d.tables[a.Tenant]
	if !ok {
		names = make(map[string]map[string]types.Announcement)
		d.tables[a.Tenant] = names
	}
	services, ok := names[a.Name]
	if !ok {
		services = make(map[string]types.Announcement)
		names[a.Name] = services
	}
	services[a.Service] = a
	d.mu.Unlock()

	d.logger.Debug().Str("tenant", a.Tenant).Str("name", a.Name).Str("service", a.Service).Msg("announced")
	return nil
}

// Withdraw removes every announcement under name for the tenant. Idempotent.
func (d *Discovery) Withdraw(tenant, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names, ok := d.tables[tenant]
	if !ok {
		return
	}
	delete(names, name)
	if len(names) == 0 {
		delete(d.tables, tenant)
	}
}

// WithdrawService removes the service from every name it is announced
// under. Called when the service dies so stale names stop resolving.
func (d *Discovery) WithdrawService(tenant, service string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names, ok := d.tables[tenant]
	if !ok {
		return
	}
	for name, services := range names {
		delete(services, service)
		if len(services) == 0 {
			delete(names, name)
		}
	}
	if len(names) == 0 {
		delete(d.tables, tenant)
	}
}

// Discover returns the announcements under the exact name whose tags contain
// every filter pair, sorted by service.
func (d *Discovery) Discover(tenant, name string, filters map[string]string) []types.Announcement {
	d.mu.RLock()
	var out []types.Announcement
	if services, ok := d.tables[tenant][name]; ok {
		for _, a := range services {
			if matchesTags(a.Tags, filters) {
				out = append(out, a)
			}
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Services lists the tenant's announcements sorted by (name, service). An
// empty name lists everything.
func (d *Discovery) Services(tenant, name string) []types.Announcement {
	d.mu.RLock()
	var out []types.Announcement
	for n, services := range d.tables[tenant] {
		if name != "" && n != name {
			continue
		}
		for _, a := range services {
			out = append(out, a)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Service < out[j].Service
	})
	return out
}

func matchesTags(tags, filters map[string]string) bool {
	for k, v := range filters {
		if tags[k] != v {
			return false
		}
	}
	return true
}
