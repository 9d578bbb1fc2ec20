package vault

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

// fakeEmitter records emitted events for assertions.
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
	id := f.Emit(et, tenant, subject, payload)
	f.mu.Lock()
	f.seen[len(f.seen)-1].CausationID = &causation
	f.mu.Unlock()
	return id
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

func newTestVault(t *testing.T) (*Vault, *storage.BoltStore, *fakeEmitter) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	emitter := &fakeEmitter{}
	return New(store, emitter), store, emitter
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	v, _, emitter := newTestVault(t)
	key := []byte("correct horse battery staple")

	require.NoError(t, v.Store("acme", "db-pass", []byte("s3cret"), key))

	got, err := v.Retrieve("acme", "db-pass", key)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)

	assert.Equal(t, 1, emitter.count(types.EventSecretStored))
	assert.Equal(t, 1, emitter.count(types.EventSecretAccessed))
}

func TestRetrieveWrongKeyIsUnauthorized(t *testing.T) {
	v, _, emitter := newTestVault(t)

	require.NoError(t, v.Store("acme", "db-pass", []byte("s3cret"), []byte("right key")))

	_, err := v.Retrieve("acme", "db-pass", []byte("wrong key"))
	assert.True(t, errdefs.IsUnauthorized(err))
	assert.Equal(t, 1, emitter.count(types.EventSecretAccessDenied))
}

func TestRetrieveTamperedRecordIsUnauthorized(t *testing.T) {
	v, store, emitter := newTestVault(t)
	key := []byte("master key")

	require.NoError(t, v.Store("acme", "db-pass", []byte("s3cret"), key))

	// Flip one ciphertext byte behind the vault's back.
	rec, err := store.GetSecret("acme", "db-pass")
	require.NoError(t, err)
	rec.Ciphertext[0] ^= 0xff
	require.NoError(t, store.PutSecret(rec))

	_, err = v.Retrieve("acme", "db-pass", key)
	assert.True(t, errdefs.IsUnauthorized(err), "corruption must look exactly like a wrong key")
	assert.Equal(t, 1, emitter.count(types.EventSecretAccessDenied))
}

func TestRetrieveRecordCopiedToOtherNameIsUnauthorized(t *testing.T) {
	v, store, _ := newTestVault(t)
	key := []byte("master key")

	require.NoError(t, v.Store("acme", "original", []byte("s3cret"), key))

	rec, err := store.GetSecret("acme", "original")
	require.NoError(t, err)
	rec.Name = "copied"
	require.NoError(t, store.PutSecret(rec))

	// The AAD binds tenant and name, so the copy fails authentication.
	_, err = v.Retrieve("acme", "copied", key)
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestRetrieveCrossTenantIsNotFound(t *testing.T) {
	v, _, emitter := newTestVault(t)
	key := []byte("master key")

	require.NoError(t, v.Store("tenant-1", "shared-name", []byte("s3cret"), key))

	_, err := v.Retrieve("tenant-2", "shared-name", key)
	assert.True(t, errdefs.IsNotFound(err))

	// NotFound short-circuits before cryptography: no denial event.
	assert.Equal(t, 0, emitter.count(types.EventSecretAccessDenied))
}

func TestStoreFreshSaltAndNoncePerCall(t *testing.T) {
	v, store, _ := newTestVault(t)
	key := []byte("master key")

	require.NoError(t, v.Store("acme", "name", []byte("same value"), key))
	first, err := store.GetSecret("acme", "name")
	require.NoError(t, err)

	require.NoError(t, v.Store("acme", "name", []byte("same value"), key))
	second, err := store.GetSecret("acme", "name")
	require.NoError(t, err)

	assert.NotEqual(t, first.Salt, second.Salt)
	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)

	// The overwrite keeps the original creation time.
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestRevokeIdempotent(t *testing.T) {
	v, _, emitter := newTestVault(t)
	key := []byte("master key")

	require.NoError(t, v.Store("acme", "doomed", []byte("bye"), key))
	require.NoError(t, v.Revoke("acme", "doomed"))
	require.NoError(t, v.Revoke("acme", "doomed"))
	require.NoError(t, v.Revoke("acme", "never-existed"))

	_, err := v.Retrieve("acme", "doomed", key)
	assert.True(t, errdefs.IsNotFound(err))

	// Only the removal that actually deleted something is logged.
	assert.Equal(t, 1, emitter.count(types.EventSecretRevoked))
}

func TestListSecretsSorted(t *testing.T) {
	v, _, _ := newTestVault(t)
	key := []byte("master key")

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, v.Store("acme", name, []byte("v"), key))
	}

	names, err := v.ListSecrets("acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)

	empty, err := v.ListSecrets("ghost")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStoreValidatesInput(t *testing.T) {
	v, _, _ := newTestVault(t)

	assert.True(t, errdefs.IsInvalidInput(v.Store("", "name", []byte("v"), []byte("k"))))
	assert.True(t, errdefs.IsInvalidInput(v.Store("t", "", []byte("v"), []byte("k"))))
	assert.True(t, errdefs.IsInvalidInput(v.Store("t", "name", []byte("v"), nil)))

	_, err := v.Retrieve("t", "", []byte("k"))
	assert.True(t, errdefs.IsInvalidInput(err))
	_, err = v.ListSecrets("")
	assert.True(t, errdefs.IsInvalidInput(err))
}
