// Package runtime turns tenant-supplied source text into runnable service
// modules.
//
// Service code is Lua. Compile parses and compiles a chunk for one
// namespace, then probes it in a throwaway sandboxed state: the chunk must
// load cleanly and define a global start(opts) function or the deploy is
// rejected before any worker exists. Sandboxed states open only base, table,
// string, and math; whatever the host wants a worker to reach arrives
// through the hutch table, never through io or os.
//
// The engine's module table maps interned namespaces to their current
// module. Namespaces derive from (tenant, service) via Namespace, which
// sanitizes both parts and appends a digest so distinct raw pairs can never
// share a namespace. Installs bump a per-namespace version; a hot swap
// installs the new module, a rollback reinstalls the old one, and workers
// restarted by the supervisor always boot whatever is current. Interned
// namespaces are never released, which is why the monitor tracks their
// count.
package runtime
