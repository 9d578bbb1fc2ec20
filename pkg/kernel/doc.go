// Package kernel is the composition root: it wires the event store, the
// supervision tree, the deploy and hot-swap pipelines, the capability and
// vault subsystems, and the admission layer into one process, and exposes
// the core operations both gateways translate into.
//
// Every unary operation passes through the load shedder before touching any
// other component; event subscriptions and health checks are exempt. The
// kernel also owns shutdown ordering: tenants drain first, the shutdown
// events are emitted while the store still runs, and the critical components
// close last in reverse registration order.
package kernel
