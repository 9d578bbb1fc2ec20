package api

import (
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/health"
	"github.com/hutchhq/hutch/pkg/hotswap"
	"github.com/hutchhq/hutch/pkg/types"
)

// ServiceName is the fully-qualified gRPC service.
const ServiceName = "hutch.v1.Kernel"

// Wire messages for the Kernel service. The tenant never travels in a body;
// the interceptor resolves it from metadata or the client certificate.

// Empty is the reply of operations with nothing to report.
type Empty struct{}

// DeployRequest submits service source code.
type DeployRequest struct {
	Service string `json:"service"`
	Code    string `json:"code"`
	Format  string `json:"format,omitempty"`
}

// HandleResponse returns the live worker handle of a deploy or replace.
type HandleResponse struct {
	Handle types.Handle `json:"handle"`
}

// ServiceRequest names one service of the caller's tenant.
type ServiceRequest struct {
	Service string `json:"service"`
}

// StatusResponse is a point-in-time worker sample.
type StatusResponse struct {
	Status types.ServiceStatus `json:"status"`
}

// KillRequest stops a service. A zero grace takes the server default.
type KillRequest struct {
	Service string `json:"service"`
	GraceMs int64  `json:"grace_ms,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

// ListResponse carries the tenant's service listing.
type ListResponse struct {
	Services []types.ServiceEntry `json:"services"`
}

// SwapRequest replaces a running service's code in place.
type SwapRequest struct {
	Service          string `json:"service"`
	Code             string `json:"code"`
	RollbackWindowMs int64  `json:"rollback_window_ms,omitempty"`
}

// SwapResponse reports an applied swap.
type SwapResponse struct {
	Result hotswap.Result `json:"result"`
}

// InvokeRequest sends one request to a service's worker.
type InvokeRequest struct {
	Service   string         `json:"service"`
	Op        string         `json:"op"`
	Payload   map[string]any `json:"payload,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

// InvokeResponse carries the worker's reply.
type InvokeResponse struct {
	Reply map[string]any `json:"reply,omitempty"`
}

// WatchRequest opens an event stream. SinceID replays the stored backlog
// first; the stream then follows live emits matching the filter.
type WatchRequest struct {
	Filter events.Filter `json:"filter"`
}

// EventResponse is one streamed event.
type EventResponse struct {
	Event *types.Event `json:"event"`
}

// ShutdownRequest asks the daemon to stop.
type ShutdownRequest struct {
	GraceMs int64 `json:"grace_ms,omitempty"`
}

// AnnounceRequest publishes a discovery name for one of the tenant's
// services.
type AnnounceRequest struct {
	Name     string            `json:"name"`
	Service  string            `json:"service"`
	Tags     map[string]string `json:"tags,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
}

// DiscoverRequest resolves a name, narrowed by tag filters.
type DiscoverRequest struct {
	Name    string            `json:"name"`
	Filters map[string]string `json:"filters,omitempty"`
}

// ServicesRequest lists announcements, optionally for one name.
type ServicesRequest struct {
	Name string `json:"name,omitempty"`
}

// AnnouncementsResponse carries discovery rows.
type AnnouncementsResponse struct {
	Announcements []types.Announcement `json:"announcements"`
}

// SetSecretRequest stores one vault entry. The master key never persists.
type SetSecretRequest struct {
	Name      string `json:"name"`
	Value     []byte `json:"value"`
	MasterKey []byte `json:"master_key"`
}

// GetSecretRequest reads one vault entry.
type GetSecretRequest struct {
	Name      string `json:"name"`
	MasterKey []byte `json:"master_key"`
}

// SecretResponse carries decrypted secret bytes.
type SecretResponse struct {
	Value []byte `json:"value"`
}

// SecretNameRequest names one vault entry.
type SecretNameRequest struct {
	Name string `json:"name"`
}

// SecretListResponse carries the tenant's secret names, sorted.
type SecretListResponse struct {
	Names []string `json:"names"`
}

// GrantRequest mints a capability token.
type GrantRequest struct {
	Resource    string   `json:"resource"`
	Permissions []string `json:"permissions"`
	TTLSeconds  int64    `json:"ttl_seconds"`
}

// GrantResponse carries the bearer token, returned exactly once, and the
// stored grant.
type GrantResponse struct {
	Token      string           `json:"token"`
	Capability types.Capability `json:"capability"`
}

// VerifyRequest checks a presented token.
type VerifyRequest struct {
	Token      string `json:"token"`
	Resource   string `json:"resource"`
	Permission string `json:"permission"`
}

// RevokeRequest revokes by stored token hash.
type RevokeRequest struct {
	TokenHash string `json:"token_hash"`
}

// HealthResponse aggregates the component probes.
type HealthResponse struct {
	Report health.Report `json:"report"`
}

// MetricsResponse is the programmatic counters snapshot.
type MetricsResponse struct {
	Metrics types.MetricsSnapshot `json:"metrics"`
}

// ShedderStatsResponse reports admission-control state.
type ShedderStatsResponse struct {
	Stats types.ShedderStats `json:"stats"`
}
