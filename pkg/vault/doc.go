// Package vault implements the per-tenant encrypted secret store.
//
// Records are sealed with AES-256-GCM under keys derived via HKDF-SHA256
// from the caller's master key and a per-secret random salt. The kernel
// persists only {salt, nonce, ciphertext, tag}; plaintext and master keys
// never touch disk. Wrong keys and corrupted records are deliberately
// indistinguishable, and every store, access, denial, and revocation lands
// in the event log.
package vault
