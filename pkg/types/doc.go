// Package types defines the shared data model of the hutch kernel: events,
// worker handles, capabilities, secret records, discovery announcements, and
// the snapshot structs returned by observability operations.
//
// The package is intentionally dependency-free so every other package can
// import it without cycles. Behavior lives with the owning component; types
// here carry only data and trivial accessors.
//
// # Identity model
//
// Everything in the kernel is tenant-scoped. A service is addressed by the
// pair (tenant, service) where the service id matches [A-Za-z0-9_-]+ and the
// tenant id is an opaque non-empty string. At most one live worker exists per
// pair at any instant; each incarnation of that worker is identified by a
// Handle carrying a fresh uuid and kernel-local pid.
//
// # Events
//
// Event is the system-of-record entry. The EventType enumeration is closed:
// components never invent event names at runtime, and the monitor, gateways
// and tests can switch over the full set. Causation ids chain events into
// operation histories (a service_started caused by its service_deployed, a
// hot_swap_rolled_back caused by its hot_swap_started).
package types
