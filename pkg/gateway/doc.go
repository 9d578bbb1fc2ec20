// Package gateway is the HTTP surface: a REST mapping of the kernel under
// /v1, server-sent events and websocket fan-out for the event log, the
// Prometheus endpoint, and the liveness probe. Tenants identify with the
// X-Tenant-Id header; vault calls carry the master key base64-encoded in
// X-Vault-Key. Errors leave as the standard envelope
// {error_code, message, timestamp}.
//
// The gateway performs per-tenant rate limiting at the edge; admission
// control proper (the load shedder) lives behind it in the kernel.
package gateway
