package shedder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/errdefs"
)

func TestAcquireRelease(t *testing.T) {
	s := New(Limits{MaxPerTenant: 2, MaxTotal: 10})

	tok1, err := s.Acquire("acme")
	require.NoError(t, err)
	tok2, err := s.Acquire("acme")
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2)

	// Third acquire hits the per-tenant ceiling.
	_, err = s.Acquire("acme")
	assert.True(t, errdefs.IsOverloaded(err))

	// Check agrees without mutating.
	assert.True(t, errdefs.IsOverloaded(s.Check("acme")))
	assert.NoError(t, s.Check("other"))

	s.Release(tok1)
	_, err = s.Acquire("acme")
	assert.NoError(t, err)
}

func TestGlobalLimit(t *testing.T) {
	s := New(Limits{MaxPerTenant: 10, MaxTotal: 3})

	for i, tenant := range []string{"a", "b", "c"} {
		_, err := s.Acquire(tenant)
		require.NoError(t, err, "acquire %d", i)
	}

	_, err := s.Acquire("d")
	assert.True(t, errdefs.IsOverloaded(err), "global ceiling applies across tenants")
}

func TestReleaseIdempotent(t *testing.T) {
	s := New(Limits{MaxPerTenant: 1, MaxTotal: 10})

	tok, err := s.Acquire("acme")
	require.NoError(t, err)

	s.Release(tok)
	s.Release(tok)
	s.Release("never-issued")

	// Double release must not create phantom headroom.
	_, err = s.Acquire("acme")
	require.NoError(t, err)
	_, err = s.Acquire("acme")
	assert.True(t, errdefs.IsOverloaded(err))
}

func TestTenantEntryRemovedAtZero(t *testing.T) {
	s := New(Limits{MaxPerTenant: 5, MaxTotal: 10})

	tok, err := s.Acquire("acme")
	require.NoError(t, err)

	assert.Equal(t, 1, s.Stats().NumTenants)
	s.Release(tok)

	stats := s.Stats()
	assert.Equal(t, 0, stats.NumTenants)
	assert.NotContains(t, stats.PerTenant, "acme")
	assert.Equal(t, 0, stats.TotalInFlight)
}

func TestPerTenantOverride(t *testing.T) {
	s := New(Limits{
		MaxPerTenant: 1,
		MaxTotal:     100,
		PerTenantFor: func(tenant string) int {
			if tenant == "vip" {
				return 3
			}
			return 0
		},
	})

	// Default tenant gets the flat limit.
	_, err := s.Acquire("basic")
	require.NoError(t, err)
	_, err = s.Acquire("basic")
	assert.True(t, errdefs.IsOverloaded(err))

	// Override tenant gets its own ceiling.
	for i := 0; i < 3; i++ {
		_, err := s.Acquire("vip")
		require.NoError(t, err, "vip acquire %d", i)
	}
	_, err = s.Acquire("vip")
	assert.True(t, errdefs.IsOverloaded(err))
}

func TestAcquireAtomicUnderConcurrency(t *testing.T) {
	const limit = 50
	s := New(Limits{MaxPerTenant: limit, MaxTotal: limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Acquire("acme"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, granted, "exactly the limit may be admitted")
	assert.Equal(t, limit, s.Stats().TotalInFlight)
}

func TestStatsSnapshotIsolated(t *testing.T) {
	s := New(Limits{MaxPerTenant: 5, MaxTotal: 10})
	_, err := s.Acquire("acme")
	require.NoError(t, err)

	stats := s.Stats()
	stats.PerTenant["acme"] = 99

	// Mutating the snapshot must not leak back.
	assert.Equal(t, 1, s.Stats().PerTenant["acme"])
}
