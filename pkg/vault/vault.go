package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

const (
	// Per-secret random salt feeding the KDF.
	saltSize = 16
	// AES-256 key size.
	keySize = 32
	// Domain separation for the key schedule.
	kdfInfo = "hutch/vault/v1"
)

// Vault is the per-tenant encrypted secret store. Every record is sealed
// with a key derived from the caller-supplied master key and a per-secret
// salt, so the kernel itself never holds a decryption key at rest. All
// accesses land in the event log.
type Vault struct {
	store  *storage.BoltStore
	events events.Emitter
	logger zerolog.Logger
}

// New creates a vault over the given persistent store.
func New(store *storage.BoltStore, emitter events.Emitter) *Vault {
	return &Vault{
		store:  store,
		events: emitter,
		logger: log.WithComponent("vault"),
	}
}

// Store encrypts value under the tenant's namespace and persists it. A fresh
// salt and nonce are drawn on every call, so storing the same value twice
// yields different ciphertexts. Emits secret_stored.
func (v *Vault) Store(tenant, name string, value, masterKey []byte) error {
	if err := validateRef(tenant, name); err != nil {
		return err
	}
	if len(masterKey) == 0 {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "master key required")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newSealer(masterKey, salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, value, additionalData(tenant, name))
	split := len(sealed) - gcm.Overhead()

	now := time.Now().UTC()
	rec := &types.SecretRecord{
		Tenant:     tenant,
		Name:       name,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev, err := v.store.GetSecret(tenant, name); err == nil {
		rec.CreatedAt = prev.CreatedAt
	}

	if err := v.store.PutSecret(rec); err != nil {
		metrics.VaultOps.WithLabelValues("store", "error").Inc()
		return fmt.Errorf("failed to persist secret: %w", err)
	}

	v.events.Emit(types.EventSecretStored, tenant, tenant, map[string]any{"name": name})
	metrics.VaultOps.WithLabelValues("store", "ok").Inc()
	v.logger.Debug().Str("tenant", tenant).Str("name", name).Msg("secret stored")
	return nil
}

// Retrieve decrypts and returns the named secret. A record stored by another
// tenant is NotFound before any cryptography runs. A wrong master key is
// indistinguishable from a corrupted record: both fail authentication and
// emit secret_access_denied. Success emits secret_accessed.
func (v *Vault) Retrieve(tenant, name string, masterKey []byte) ([]byte, error) {
	if err := validateRef(tenant, name); err != nil {
		return nil, err
	}

	rec, err := v.store.GetSecret(tenant, name)
	if err != nil {
		metrics.VaultOps.WithLabelValues("retrieve", "miss").Inc()
		return nil, err
	}

	gcm, err := newSealer(masterKey, rec.Salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(rec.Ciphertext)+len(rec.Tag))
	sealed = append(sealed, rec.Ciphertext...)
	sealed = append(sealed, rec.Tag...)

	plaintext, err := gcm.Open(nil, rec.Nonce, sealed, additionalData(tenant, name))
	if err != nil {
		v.events.Emit(types.EventSecretAccessDenied, tenant, tenant, map[string]any{"name": name})
		metrics.VaultOps.WithLabelValues("retrieve", "denied").Inc()
		v.logger.Warn().Str("tenant", tenant).Str("name", name).Msg("secret authentication failed")
		return nil, errdefs.Wrapf(errdefs.ErrUnauthorized, "vault: authentication failed")
	}

	v.events.Emit(types.EventSecretAccessed, tenant, tenant, map[string]any{"name": name})
	metrics.VaultOps.WithLabelValues("retrieve", "ok").Inc()
	return plaintext, nil
}

// Revoke removes the named secret. Idempotent; emits secret_revoked when a
// record was actually removed.
func (v *Vault) Revoke(tenant, name string) error {
	if err := validateRef(tenant, name); err != nil {
		return err
	}

	removed, err := v.store.DeleteSecret(tenant, name)
	if err != nil {
		metrics.VaultOps.WithLabelValues("revoke", "error").Inc()
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	if removed {
		v.events.Emit(types.EventSecretRevoked, tenant, tenant, map[string]any{"name": name})
	}
	metrics.VaultOps.WithLabelValues("revoke", "ok").Inc()
	return nil
}

// ListSecrets returns the tenant's secret names sorted lexicographically.
func (v *Vault) ListSecrets(tenant string) ([]string, error) {
	if !types.ValidTenantID(tenant) {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "tenant id required")
	}
	names, err := v.store.ListSecretNames(tenant)
	if err != nil {
		metrics.VaultOps.WithLabelValues("list", "error").Inc()
		return nil, err
	}
	metrics.VaultOps.WithLabelValues("list", "ok").Inc()
	return names, nil
}

func validateRef(tenant, name string) error {
	if !types.ValidTenantID(tenant) {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "tenant id required")
	}
	if name == "" {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "secret name required")
	}
	return nil
}

// newSealer derives the per-secret AES-256 key and wraps it in GCM.
func newSealer(masterKey, salt []byte) (cipher.AEAD, error) {
	if len(masterKey) == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "master key required")
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, masterKey, salt, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// additionalData binds ciphertexts to their tenant and name so a record
// copied between buckets fails authentication.
func additionalData(tenant, name string) []byte {
	aad := make([]byte, 0, len(tenant)+1+len(name))
	aad = append(aad, tenant...)
	aad = append(aad, 0)
	aad = append(aad, name...)
	return aad
}
