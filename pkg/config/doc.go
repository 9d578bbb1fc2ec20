// Package config loads the kernel configuration: built-in defaults, merged
// with an optional TOML or JSON file named by $HUTCH_CONFIG, merged with
// HUTCH_* environment overrides. The result is an immutable snapshot;
// components receive their slice at construction time and per-tenant
// overrides are resolved at lookup, never by mutation.
package config
