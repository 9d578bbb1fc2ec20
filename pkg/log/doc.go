// Package log wraps zerolog behind a small bootstrap surface: Init configures
// the process-wide logger once at startup (level, JSON or console output) and
// components derive child loggers with WithComponent, WithTenant, WithService
// or WithWorker so every line carries its scope.
//
// Free-form logging is advisory only. The event store is the system of
// record; nothing may depend on a log line for correctness.
package log
