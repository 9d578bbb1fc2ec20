package capability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

type fakeEmitter struct {
	mu     sync.Mutex
	nextID uint64
	seen   []types.Event
}

func (f *fakeEmitter) Emit(et types.EventType, tenant, subject string, payload map[string]any) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.seen = append(f.seen, types.Event{ID: f.nextID, Type: et, TenantID: tenant, Subject: subject, Payload: payload})
	return f.nextID
}

func (f *fakeEmitter) EmitCaused(et types.EventType, tenant, subject string, payload map[string]any, causation uint64) uint64 {
	return f.Emit(et, tenant, subject, payload)
}

func (f *fakeEmitter) count(et types.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.seen {
		if e.Type == et {
			n++
		}
	}
	return n
}

func (f *fakeEmitter) lastReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.seen) - 1; i >= 0; i-- {
		if f.seen[i].Type == types.EventCapabilityDenied {
			reason, _ := f.seen[i].Payload["reason"].(string)
			return reason
		}
	}
	return ""
}

func newTestManager(t *testing.T) (*Manager, *storage.BoltStore, *fakeEmitter) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	emitter := &fakeEmitter{}
	m, err := NewManager(store, emitter)
	require.NoError(t, err)
	return m, store, emitter
}

func TestGrantAndVerify(t *testing.T) {
	m, _, emitter := newTestManager(t)

	token, c, err := m.Grant("acme", "vault/acme", []string{"retrieve", "list"}, time.Hour)
	require.NoError(t, err)
	assert.Len(t, token, 64, "token should be 32 bytes hex encoded")
	assert.NotEqual(t, token, c.TokenHash, "raw token must not be stored")

	got, err := m.Verify(token, "vault/acme", "retrieve")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	assert.Equal(t, 1, emitter.count(types.EventCapabilityGranted))
	assert.Equal(t, 0, emitter.count(types.EventCapabilityDenied), "success should not emit a denial")
}

func TestVerifyDenialsAreDisjoint(t *testing.T) {
	m, _, emitter := newTestManager(t)

	token, _, err := m.Grant("acme", "vault/acme", []string{"retrieve"}, time.Hour)
	require.NoError(t, err)

	// Unknown token.
	_, err = m.Verify("0000", "vault/acme", "retrieve")
	assert.True(t, errdefs.IsNotFound(err))
	assert.False(t, errors.Is(err, ErrExpiredOrRevoked))
	assert.False(t, errors.Is(err, ErrWrongResource))
	assert.Equal(t, "not_found", emitter.lastReason())

	// Wrong resource.
	_, err = m.Verify(token, "vault/other", "retrieve")
	assert.True(t, errors.Is(err, ErrWrongResource))
	assert.False(t, errors.Is(err, ErrExpiredOrRevoked))
	assert.True(t, errdefs.IsPermissionDenied(err))
	assert.Equal(t, "wrong_resource", emitter.lastReason())

	// Missing permission.
	_, err = m.Verify(token, "vault/acme", "store")
	assert.True(t, errdefs.IsPermissionDenied(err))
	assert.False(t, errors.Is(err, ErrWrongResource))
	assert.False(t, errors.Is(err, ErrExpiredOrRevoked))
	assert.Equal(t, "permission_denied", emitter.lastReason())

	// Revoked.
	require.NoError(t, m.RevokeToken(token))
	_, err = m.Verify(token, "vault/acme", "retrieve")
	assert.True(t, errors.Is(err, ErrExpiredOrRevoked))
	assert.False(t, errdefs.IsNotFound(err), "revoked must stay distinguishable from unknown")
	assert.Equal(t, "expired_or_revoked", emitter.lastReason())

	assert.Equal(t, 4, emitter.count(types.EventCapabilityDenied))
}

func TestVerifyExpired(t *testing.T) {
	m, _, _ := newTestManager(t)

	token, _, err := m.Grant("acme", "res", []string{"op"}, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = m.Verify(token, "res", "op")
	assert.True(t, errors.Is(err, ErrExpiredOrRevoked))
}

// Verify reads records that Revoke mutates; the interleaving below trips the
// race detector if either side leaves the lock too early.
func TestVerifyRevokeConcurrent(t *testing.T) {
	m, _, _ := newTestManager(t)

	const n = 64
	tokens := make([]string, n)
	hashes := make([]string, n)
	for i := range tokens {
		token, c, err := m.Grant("acme", "res", []string{"op"}, time.Hour)
		require.NoError(t, err)
		tokens[i] = token
		hashes[i] = c.TokenHash
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			for _, token := range tokens {
				_, _ = m.Verify(token, "res", "op")
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			for _, c := range m.List("acme") {
				_ = c.Revoked
			}
		}
	}()
	go func() {
		defer wg.Done()
		for _, h := range hashes {
			_ = m.Revoke(h)
		}
	}()
	wg.Wait()

	for _, token := range tokens {
		_, err := m.Verify(token, "res", "op")
		assert.True(t, errors.Is(err, ErrExpiredOrRevoked))
	}
}

func TestRevokeIdempotent(t *testing.T) {
	m, _, emitter := newTestManager(t)

	token, _, err := m.Grant("acme", "res", []string{"op"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.RevokeToken(token))
	require.NoError(t, m.RevokeToken(token))
	require.NoError(t, m.Revoke("not-a-known-hash"))

	assert.Equal(t, 1, emitter.count(types.EventCapabilityRevoked), "only the transition emits")
}

func TestLedgerSurvivesRestart(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first, err := NewManager(store, &fakeEmitter{})
	require.NoError(t, err)
	token, _, err := first.Grant("acme", "res", []string{"op"}, time.Hour)
	require.NoError(t, err)
	revokedToken, _, err := first.Grant("acme", "res", []string{"op"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, first.RevokeToken(revokedToken))

	// A fresh manager over the same store sees both records.
	second, err := NewManager(store, &fakeEmitter{})
	require.NoError(t, err)

	_, err = second.Verify(token, "res", "op")
	assert.NoError(t, err)

	_, err = second.Verify(revokedToken, "res", "op")
	assert.True(t, errors.Is(err, ErrExpiredOrRevoked))

	assert.Len(t, second.List("acme"), 2)
}

func TestGrantValidation(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, _, err := m.Grant("", "res", []string{"op"}, time.Hour)
	assert.True(t, errdefs.IsInvalidInput(err))

	_, _, err = m.Grant("acme", "", []string{"op"}, time.Hour)
	assert.True(t, errdefs.IsInvalidInput(err))

	_, _, err = m.Grant("acme", "res", []string{"op"}, 0)
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestPruneExpired(t *testing.T) {
	m, _, _ := newTestManager(t)

	stale, _, err := m.Grant("acme", "res", []string{"op"}, time.Millisecond)
	require.NoError(t, err)
	live, _, err := m.Grant("acme", "res", []string{"op"}, time.Hour)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	removed, err := m.PruneExpired(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// Pruned history decays into NotFound; live grants are untouched.
	_, err = m.Verify(stale, "res", "op")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = m.Verify(live, "res", "op")
	assert.NoError(t, err)
}

func TestProxyForwardsAllowedOps(t *testing.T) {
	emitter := &fakeEmitter{}

	var gotOp string
	owner := OwnerFunc(func(ctx context.Context, op string, payload map[string]any) (map[string]any, error) {
		gotOp = op
		return map[string]any{"echo": payload["v"]}, nil
	})

	p := NewProxy("acme", "vault/acme", []string{"retrieve"}, owner, emitter)

	out, err := p.Forward(context.Background(), "retrieve", map[string]any{"v": "x"})
	require.NoError(t, err)
	assert.Equal(t, "retrieve", gotOp)
	assert.Equal(t, "x", out["echo"])
	assert.Equal(t, 0, emitter.count(types.EventCapabilityDenied))
}

func TestProxyDeniesEverythingElse(t *testing.T) {
	emitter := &fakeEmitter{}

	called := false
	owner := OwnerFunc(func(ctx context.Context, op string, payload map[string]any) (map[string]any, error) {
		called = true
		return nil, nil
	})

	p := NewProxy("acme", "vault/acme", []string{"retrieve"}, owner, emitter)

	// Disallowed, unknown, and malformed ops all count as denials.
	for _, op := range []string{"store", "no-such-op", ""} {
		_, err := p.Forward(context.Background(), op, nil)
		assert.True(t, errdefs.IsPermissionDenied(err), "op %q should be denied", op)
	}

	assert.False(t, called, "owner must never see denied operations")
	assert.Equal(t, 3, emitter.count(types.EventCapabilityDenied))
}
