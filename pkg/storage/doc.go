// Package storage is the kernel's embedded persistence layer: one BoltDB
// file (vault.db under the vault directory) holding encrypted secret records
// in per-tenant nested buckets and the capability ledger keyed by token
// hash.
//
// Values are JSON-marshaled records from pkg/types. Only owning components
// call in here (the vault for secrets, the capability manager for grants),
// and every read path maps absence to errdefs.ErrNotFound so tenants cannot
// distinguish "foreign tenant" from "no such record".
//
// Worker state is deliberately absent: services are not replayed across a
// kernel restart, so there is nothing to persist for them.
package storage
