// Package metrics defines the kernel's Prometheus collectors. All metrics
// live in the hutch_ namespace, are declared as package-level variables and
// registered once in init; components set or increment them directly at the
// point where the measured thing happens. Handler exposes the standard
// promhttp endpoint, mounted by the HTTP gateway at /metrics.
package metrics
