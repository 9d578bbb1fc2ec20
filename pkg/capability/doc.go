// Package capability implements token-based access control for named
// resources.
//
// A grant mints a 32-byte random token, returned to the caller exactly once;
// the manager keeps only its SHA-256 digest, in memory and in the bbolt
// ledger, so a stolen database cannot forge tokens. Verification recomputes
// the digest, resolves the record, and confirms the match in constant time.
//
// The four denial outcomes are disjoint and checked in a fixed order:
//
//	unknown token        NotFound
//	expired or revoked   ErrExpiredOrRevoked
//	resource mismatch    ErrWrongResource
//	missing permission   PermissionDenied
//
// Revocation flags the record instead of deleting it, which is what keeps
// "revoked" distinguishable from "never existed". Every denial lands in the
// event log as capability_denied.
//
// Proxy provides attenuation: a wrapper around a resource owner that
// forwards only an allow-listed set of operation tags and denies the rest.
package capability
