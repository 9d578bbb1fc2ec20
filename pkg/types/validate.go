package types

import "regexp"

var serviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidServiceID reports whether s is an acceptable service identifier.
func ValidServiceID(s string) bool {
	return serviceIDPattern.MatchString(s)
}

// ValidTenantID reports whether t can act as a tenant id. Tenant ids are
// opaque; the only structural requirement is non-emptiness.
func ValidTenantID(t string) bool {
	return t != ""
}
