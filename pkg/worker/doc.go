// Package worker runs one deployed service as an isolated actor. A single
// goroutine owns a sandboxed Lua state and drains a bounded mailbox, so
// service code never observes concurrency and no interpreter is ever shared
// between services.
//
// Control traffic outranks data: the run loop drains stop, swap, and
// force-kill signals before touching the mailbox, and a force-kill cancels
// the in-flight execution context mid-handler. Any error raised by service
// code crashes the worker. Whether a replacement comes back is the
// supervisor's call, and a replacement always means a fresh state.
package worker
