package capability

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

// Token size in raw bytes; tokens travel as the hex encoding.
const tokenSize = 32

// Denial reasons are disjoint: a caller can always tell which check failed.
// All three carry the PermissionDenied kind for transport mapping.
var (
	// ErrWrongResource rejects a live token presented for a different resource.
	ErrWrongResource = fmt.Errorf("capability bound to a different resource: %w", errdefs.ErrPermissionDenied)
	// ErrExpiredOrRevoked rejects a token past its expiry or explicitly revoked.
	ErrExpiredOrRevoked = fmt.Errorf("capability expired or revoked: %w", errdefs.ErrPermissionDenied)
)

// Manager issues, verifies, and revokes capability tokens. The raw token is
// returned exactly once at grant time; only its SHA-256 digest is retained,
// in memory and in the persistent ledger. Revocation flags the record rather
// than deleting it, so a revoked token never degrades into "unknown".
type Manager struct {
	store  *storage.BoltStore
	events events.Emitter
	logger zerolog.Logger

	mu     sync.RWMutex
	byHash map[string]*types.Capability
}

// NewManager creates a manager and reloads the persisted ledger.
func NewManager(store *storage.BoltStore, emitter events.Emitter) (*Manager, error) {
	m := &Manager{
		store:  store,
		events: emitter,
		logger: log.WithComponent("capability"),
		byHash: make(map[string]*types.Capability),
	}

	persisted, err := store.ListCapabilities()
	if err != nil {
		return nil, fmt.Errorf("failed to load capability ledger: %w", err)
	}
	for _, c := range persisted {
		m.byHash[c.TokenHash] = c
	}
	if len(persisted) > 0 {
		m.logger.Info().Int("capabilities", len(persisted)).Msg("capability ledger reloaded")
	}
	return m, nil
}

// Grant mints a fresh token for operations on a resource. The returned token
// is the only copy; the manager keeps its hash. Emits capability_granted.
func (m *Manager) Grant(tenant, resource string, permissions []string, ttl time.Duration) (string, *types.Capability, error) {
	if !types.ValidTenantID(tenant) {
		return "", nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "tenant id required")
	}
	if resource == "" {
		return "", nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "resource required")
	}
	if ttl <= 0 {
		return "", nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "ttl must be positive")
	}

	raw := make([]byte, tokenSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	now := time.Now().UTC()
	c := &types.Capability{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		Resource:    resource,
		Permissions: append([]string(nil), permissions...),
		ExpiresAt:   now.Add(ttl),
		TokenHash:   hashToken(token),
		CreatedAt:   now,
	}

	if err := m.store.PutCapability(c); err != nil {
		return "", nil, fmt.Errorf("failed to persist capability: %w", err)
	}

	// The map owns its record; the caller gets a private one. Revoke flips
	// Revoked on map records under the write lock, so they are never shared
	// outside it.
	m.mu.Lock()
	rec := *c
	m.byHash[c.TokenHash] = &rec
	m.mu.Unlock()

	m.events.Emit(types.EventCapabilityGranted, tenant, tenant, map[string]any{
		"capability_id": c.ID,
		"resource":      resource,
		"permissions":   c.Permissions,
		"expires_at":    c.ExpiresAt.Format(time.RFC3339),
	})
	m.logger.Info().
		Str("tenant", tenant).
		Str("resource", resource).
		Str("capability_id", c.ID).
		Msg("capability granted")
	return token, c, nil
}

// Verify checks a presented token against (resource, permission). Checks run
// in a fixed order and the failures are disjoint: unknown token, expired or
// revoked, wrong resource, missing permission. Every denial emits
// capability_denied; success emits nothing.
func (m *Manager) Verify(token, resource, permission string) (*types.Capability, error) {
	digest := hashToken(token)

	// Copy the record out under the lock: Revoke mutates map records, and
	// every check below must read a consistent snapshot.
	m.mu.RLock()
	rec, ok := m.byHash[digest]
	var snap types.Capability
	if ok {
		snap = *rec
	}
	m.mu.RUnlock()

	if !ok {
		m.deny("", resource, permission, "not_found")
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "capability")
	}
	c := &snap

	// The map already matched on the digest; the explicit comparison keeps
	// the final accept independent of lookup timing.
	if subtle.ConstantTimeCompare([]byte(c.TokenHash), []byte(digest)) != 1 {
		m.deny(c.Tenant, resource, permission, "not_found")
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "capability")
	}

	if !c.Valid(time.Now().UTC()) {
		m.deny(c.Tenant, resource, permission, "expired_or_revoked")
		return nil, ErrExpiredOrRevoked
	}
	if c.Resource != resource {
		m.deny(c.Tenant, resource, permission, "wrong_resource")
		return nil, ErrWrongResource
	}
	if !hasPermission(c.Permissions, permission) {
		m.deny(c.Tenant, resource, permission, "permission_denied")
		return nil, errdefs.Wrapf(errdefs.ErrPermissionDenied, "capability does not allow %q", permission)
	}

	metrics.CapabilityChecks.WithLabelValues("ok").Inc()
	return c, nil
}

// Revoke marks the capability with the given token hash revoked. Idempotent;
// capability_revoked is emitted only on the transition.
func (m *Manager) Revoke(tokenHash string) error {
	m.mu.Lock()
	rec, ok := m.byHash[tokenHash]
	if !ok || rec.Revoked {
		m.mu.Unlock()
		return nil
	}
	rec.Revoked = true
	// Snapshot while still locked; persistence and the emit below run on the
	// copy so concurrent readers never share a record outside the lock.
	c := *rec
	m.mu.Unlock()

	if err := m.store.PutCapability(&c); err != nil {
		return fmt.Errorf("failed to persist revocation: %w", err)
	}

	m.events.Emit(types.EventCapabilityRevoked, c.Tenant, c.Tenant, map[string]any{
		"capability_id": c.ID,
		"resource":      c.Resource,
	})
	m.logger.Info().Str("tenant", c.Tenant).Str("capability_id", c.ID).Msg("capability revoked")
	return nil
}

// RevokeToken revokes by the raw token rather than its hash.
func (m *Manager) RevokeToken(token string) error {
	return m.Revoke(hashToken(token))
}

// List returns the tenant's capabilities, revoked ones included.
func (m *Manager) List(tenant string) []*types.Capability {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Capability
	for _, rec := range m.byHash {
		if rec.Tenant == tenant {
			c := *rec
			out = append(out, &c)
		}
	}
	return out
}

// PruneExpired drops records whose expiry lies more than olderThan in the
// past. Recently expired tokens keep answering ExpiredOrRevoked; only stale
// history decays into NotFound.
func (m *Manager) PruneExpired(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed, err := m.store.PruneExpiredCapabilities(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune capabilities: %w", err)
	}
	if removed > 0 {
		m.mu.Lock()
		for hash, c := range m.byHash {
			if c.ExpiresAt.Before(cutoff) {
				delete(m.byHash, hash)
			}
		}
		m.mu.Unlock()
		m.logger.Info().Int("removed", removed).Msg("expired capabilities pruned")
	}
	return removed, nil
}

func (m *Manager) deny(tenant, resource, permission, reason string) {
	subject := tenant
	if subject == "" {
		subject = types.SubjectSystem
	}
	metrics.CapabilityChecks.WithLabelValues("denied").Inc()
	m.events.Emit(types.EventCapabilityDenied, tenant, subject, map[string]any{
		"resource":   resource,
		"permission": permission,
		"reason":     reason,
	})
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
