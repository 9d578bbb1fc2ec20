// Package dns serves the discovery table over plain DNS as an operator
// diagnostic. Queries of the form <name>.<tenant>.<domain> resolve to A
// records built from announcement endpoints, so dig works against a running
// host without going through the API surface.
//
// The server is authoritative for its domain and nothing else: there is no
// upstream forwarding, only A records are answered, and announcements whose
// endpoint is not an IPv4 address are skipped. It listens on loopback and
// stays disabled unless a port is configured.
package dns
