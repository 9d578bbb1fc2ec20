package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File names under the cert dir. The CA pair and the server pair use fixed
// names; tenant client pairs are named after the tenant id.
const (
	CAKeyFile      = "ca-key.pem"
	CACertFile     = "ca.pem"
	ServerKeyFile  = "server-key.pem"
	ServerCertFile = "server.pem"

	// Certificate rotation threshold: rotate when less than 30 days remaining
	certRotationThreshold = 30 * 24 * time.Hour
)

// CAExists reports whether a persisted CA pair is present in dir.
func CAExists(dir string) bool {
	_, errCert := os.Stat(filepath.Join(dir, CACertFile))
	_, errKey := os.Stat(filepath.Join(dir, CAKeyFile))
	return errCert == nil && errKey == nil
}

// ServerCertExists reports whether a persisted server pair is present in dir.
func ServerCertExists(dir string) bool {
	_, errCert := os.Stat(filepath.Join(dir, ServerCertFile))
	_, errKey := os.Stat(filepath.Join(dir, ServerKeyFile))
	return errCert == nil && errKey == nil
}

// saveCA persists the root pair as ca.pem and ca-key.pem.
func saveCA(dir string, cert *x509.Certificate, key *rsa.PrivateKey) error {
	if err := writeKeyPair(dir, CACertFile, CAKeyFile, cert.Raw, key); err != nil {
		return err
	}
	return nil
}

// loadCA reads the root pair back from disk.
func loadCA(dir string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, CACertFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, CAKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, nil, fmt.Errorf("failed to decode CA key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	return cert, key, nil
}

// SaveCertPair saves a leaf certificate under dir using the given file names.
func SaveCertPair(cert *tls.Certificate, dir, certFile, keyFile string) error {
	key, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is not RSA")
	}
	return writeKeyPair(dir, certFile, keyFile, cert.Certificate[0], key)
}

// SaveServerCert saves the server pair as server.pem and server-key.pem.
func SaveServerCert(cert *tls.Certificate, dir string) error {
	return SaveCertPair(cert, dir, ServerCertFile, ServerKeyFile)
}

// SaveTenantCert saves a tenant client pair as <tenant>.pem and <tenant>-key.pem.
func SaveTenantCert(cert *tls.Certificate, dir, tenant string) error {
	return SaveCertPair(cert, dir, tenant+".pem", tenant+"-key.pem")
}

func writeKeyPair(dir, certFile, keyFile string, certDER []byte, key *rsa.PrivateKey) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if err := os.WriteFile(filepath.Join(dir, certFile), certPEM, 0600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(filepath.Join(dir, keyFile), keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// LoadCertPair loads a leaf certificate pair from dir and populates Leaf.
func LoadCertPair(dir, certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, certFile), filepath.Join(dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	if cert.Leaf == nil {
		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = x509Cert
	}
	return &cert, nil
}

// Bootstrap ensures the full serving layout exists under dir: a root CA pair
// plus a server pair signed by it. Existing files are reused as-is.
func Bootstrap(dir string, hosts []string) (*CertAuthority, error) {
	ca := NewCertAuthority(dir)
	if err := ca.Ensure(); err != nil {
		return nil, err
	}

	if !ServerCertExists(dir) {
		serverCert, err := ca.IssueServerCertificate(hosts)
		if err != nil {
			return nil, err
		}
		if err := SaveServerCert(serverCert, dir); err != nil {
			return nil, err
		}
	}
	return ca, nil
}

// ServerTLSConfig builds the gateway-side TLS config from the cert dir. With
// requireClientCert the handshake rejects peers without a CA-signed client
// certificate; otherwise client certificates are verified only when offered.
func ServerTLSConfig(dir string, requireClientCert bool) (*tls.Config, error) {
	serverCert, err := LoadCertPair(dir, ServerCertFile, ServerKeyFile)
	if err != nil {
		return nil, err
	}
	caCert, _, err := loadCA(dir)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	clientAuth := tls.VerifyClientCertIfGiven
	if requireClientCert {
		clientAuth = tls.RequireAndVerifyClientCert
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*serverCert},
		ClientCAs:    pool,
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds a client-side TLS config trusting the CA in dir,
// optionally presenting the named client pair.
func ClientTLSConfig(dir, certFile, keyFile string) (*tls.Config, error) {
	caCert, _, err := loadCA(dir)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	cfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}
	if certFile != "" && keyFile != "" {
		cert, err := LoadCertPair(dir, certFile, keyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg, nil
}

// TenantFromTLS extracts the tenant identity from a verified client
// certificate, or "" when the peer presented none.
func TenantFromTLS(state *tls.ConnectionState) string {
	if state == nil || len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}

// CertNeedsRotation returns true if the certificate should be rotated.
// This happens when less than 30 days remain until expiry.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain validates that a certificate is signed by the CA.
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}
