package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// namespaceSep joins the sanitized tenant, service, and digest segments. It
// sits outside the sanitized alphabet so segment boundaries stay unambiguous.
const namespaceSep = "@"

// Namespace derives the module namespace for (tenant, service). The readable
// prefix replaces every non-alphanumeric byte with '_'; the trailing digest
// over the raw pair keeps namespaces disjoint even when two distinct
// identifiers sanitize to the same text (tenant-1 vs tenant_1).
func Namespace(tenant, service string) string {
	raw := tenant + "\x00" + service
	sum := sha256.Sum256([]byte(raw))
	digest := hex.EncodeToString(sum[:])[:8]
	return sanitize(tenant) + namespaceSep + sanitize(service) + namespaceSep + digest
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
