package types

import (
	"time"
)

// EventType identifies one kind of kernel event. The set is closed; gateways
// and subscribers may rely on exhaustive switches over these values.
type EventType string

const (
	EventSystemStarted          EventType = "system_started"
	EventServiceDeployed        EventType = "service_deployed"
	EventServiceStarted         EventType = "service_started"
	EventServiceKilled          EventType = "service_killed"
	EventServiceCrashed         EventType = "service_crashed"
	EventAtomUsageHigh          EventType = "atom_usage_high"
	EventResourceViolation      EventType = "resource_violation"
	EventCapabilityGranted      EventType = "capability_granted"
	EventCapabilityRevoked      EventType = "capability_revoked"
	EventCapabilityDenied       EventType = "capability_denied"
	EventHotSwapStarted         EventType = "hot_swap_started"
	EventHotSwapSucceeded       EventType = "hot_swap_succeeded"
	EventHotSwapRolledBack      EventType = "hot_swap_rolled_back"
	EventHotSwapFailed          EventType = "hot_swap_failed"
	EventSecretStored           EventType = "secret_stored"
	EventSecretAccessed         EventType = "secret_accessed"
	EventSecretAccessDenied     EventType = "secret_access_denied"
	EventSecretRevoked          EventType = "secret_revoked"
	EventCircuitBreakerOpened   EventType = "circuit_breaker_opened"
	EventCircuitBreakerClosed   EventType = "circuit_breaker_closed"
	EventSystemShutdownStarted  EventType = "system_shutdown_started"
	EventSystemShutdownComplete EventType = "system_shutdown_complete"
)

// SubjectSystem is the subject of events not scoped to any tenant.
const SubjectSystem = ":system"

// ServiceSubject builds the subject string for a tenant-scoped service event.
func ServiceSubject(tenant, service string) string {
	return tenant + "/" + service
}

// Event is an immutable record of one significant state change. IDs are
// assigned by the event store, strictly increasing and gap-free. Timestamp is
// a monotonic reading used only for ordering; WallClock is display-only and
// never compared.
type Event struct {
	ID          uint64         `json:"id"`
	Timestamp   int64          `json:"timestamp"`
	WallClock   time.Time      `json:"wall_clock"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Type        EventType      `json:"event_type"`
	Subject     string         `json:"subject"`
	Payload     map[string]any `json:"payload,omitempty"`
	CausationID *uint64        `json:"causation_id,omitempty"`
}

// Handle identifies one live worker incarnation. Holders treat it as opaque:
// liveness questions go to the registry, never to the handle itself. A
// restarted service gets a fresh Handle (new ID and PID).
type Handle struct {
	Tenant       string    `json:"tenant"`
	Service      string    `json:"service"`
	ID           string    `json:"id"`
	PID          uint64    `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	StartEventID uint64    `json:"start_event_id,omitempty"`
}

// ServiceStatus is a point-in-time sample of one worker. Reductions counts
// dispatched messages; Memory is a tracked estimate, not an OS measurement.
type ServiceStatus struct {
	Handle     Handle `json:"handle"`
	Alive      bool   `json:"alive"`
	Memory     uint64 `json:"memory_bytes"`
	QueueLen   int    `json:"queue_len"`
	Reductions uint64 `json:"reductions"`
}

// ServiceEntry is one row of a tenant service listing.
type ServiceEntry struct {
	Service string `json:"service"`
	Handle  Handle `json:"handle"`
	Alive   bool   `json:"alive"`
}

// Capability is a stored access grant. Only the SHA-256 digest of the bearer
// token is kept; the token itself is returned exactly once at grant time.
// Revoked records are retained so a revoked token stays distinguishable from
// one that never existed.
type Capability struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	Resource    string    `json:"resource"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
	Revoked     bool      `json:"revoked"`
	TokenHash   string    `json:"token_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Valid reports whether the capability is currently usable.
func (c *Capability) Valid(now time.Time) bool {
	return !c.Revoked && now.Before(c.ExpiresAt)
}

// SecretRecord is the persisted form of one vault entry. Plaintext never
// appears here; Salt feeds key derivation and Nonce/Tag belong to the
// authenticated cipher.
type SecretRecord struct {
	Tenant     string    `json:"tenant"`
	Name       string    `json:"name"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	Tag        []byte    `json:"auth_tag"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Announcement is one discovery table row. Deploys announce the service under
// its own name; additional names with tags may be announced explicitly.
type Announcement struct {
	Tenant      string            `json:"tenant"`
	Name        string            `json:"name"`
	Service     string            `json:"service"`
	Tags        map[string]string `json:"tags,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	AnnouncedAt time.Time         `json:"announced_at"`
}

// ShedderStats is a snapshot of admission-control state.
type ShedderStats struct {
	PerTenant     map[string]int `json:"per_tenant"`
	TotalInFlight int            `json:"total_in_flight"`
	NumTenants    int            `json:"num_tenants"`
	MaxPerTenant  int            `json:"max_per_tenant"`
	MaxTotal      int            `json:"max_total"`
}

// BreakerState is the observable circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a point-in-time view of one service's breaker.
type BreakerSnapshot struct {
	Tenant               string       `json:"tenant"`
	Service              string       `json:"service"`
	State                BreakerState `json:"state"`
	ConsecutiveFailures  uint32       `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32       `json:"consecutive_successes"`
	Requests             uint32       `json:"requests"`
}

// MetricsSnapshot is the kernel-level counters view returned by the Metrics
// operation. The Prometheus endpoint is the richer surface; this snapshot is
// for programmatic callers.
type MetricsSnapshot struct {
	LastEventID    uint64            `json:"last_event_id"`
	EventsRetained int               `json:"events_retained"`
	WorkersRunning int               `json:"workers_running"`
	TenantsActive  int               `json:"tenants_active"`
	Namespaces     int               `json:"namespaces"`
	Shedder        ShedderStats      `json:"shedder"`
	Breakers       []BreakerSnapshot `json:"breakers,omitempty"`
}
