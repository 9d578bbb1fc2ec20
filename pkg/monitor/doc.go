// Package monitor samples the runtime on a fixed interval and turns
// threshold crossings into advisory events. Growth of the module namespace
// table becomes atom_usage_high; per-worker queue depth and memory estimates
// become resource_violation. Alarms are edge-triggered: a condition that
// persists across ticks emits once. Worker alarms re-arm when the sample
// falls back under the limit; the namespace alarm latches because the table
// never shrinks.
//
// The monitor observes and reports but never intervenes. Supervisors,
// watchdogs and operators act on what it emits. The capability prune pass
// rides the same tick because it is the only other periodic housekeeping the
// kernel needs.
package monitor
