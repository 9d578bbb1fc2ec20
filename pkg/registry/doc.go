// Package registry tracks which worker owns each (tenant, service) name and
// what the tenant has announced for discovery.
//
// The registry half enforces at-most-one naming: an entry is either a pending
// reservation placed by a deploy in flight or a live handle, and both take
// the name. The discovery half is a per-tenant announcement table; names
// resolve only inside their own tenant.
package registry
