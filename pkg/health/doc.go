// Package health aggregates component probes for the gateways. The kernel
// registers a probe per component (event store, vault database, the peer
// gateway's listener); both /healthz and the gRPC health service answer from
// one Check pass.
//
// Probes run concurrently under individual timeouts. A failing probe turns
// the aggregate status degraded but never blocks the report: a wedged
// component is exactly what the endpoint exists to expose.
package health
