// Package security provides the kernel's certificate authority and TLS
// plumbing.
//
// A single self-signed root CA lives as a PEM pair (ca.pem, ca-key.pem)
// under the configured cert dir. At bootstrap the kernel ensures the root
// pair exists and issues a serving pair (server.pem, server-key.pem) signed
// by it. Both gateways share that serving pair.
//
// Tenant identity can ride on mTLS: IssueTenantCertificate mints a client
// certificate whose CommonName is the tenant id, and gateways fall back to
// the verified peer CN when a request carries no explicit tenant header.
//
// Layout under cert_dir:
//
//	ca-key.pem       root CA private key
//	ca.pem           root CA certificate
//	server-key.pem   serving private key
//	server.pem       serving certificate
//	<tenant>.pem     client certificate for a tenant (issued on request)
//	<tenant>-key.pem matching client private key
//
// Key material uses RSA: 4096-bit roots valid for 10 years, 2048-bit leaves
// valid for 90 days. CertNeedsRotation flags leaves within 30 days of
// expiry.
package security
