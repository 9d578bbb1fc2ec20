package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/types"
)

func TestAnnounceAndDiscover(t *testing.T) {
	d := NewDiscovery()
	require.NoError(t, d.Announce(types.Announcement{
		Tenant: "acme", Name: "payments", Service: "billing",
		Tags: map[string]string{"region": "eu"}, Endpoint: "10.0.0.7:9000",
	}))

	got := d.Discover("acme", "payments", nil)
	require.Len(t, got, 1)
	assert.Equal(t, "billing", got[0].Service)
	assert.Equal(t, "10.0.0.7:9000", got[0].Endpoint)
	assert.False(t, got[0].AnnouncedAt.IsZero(), "announce stamps the time")
}

func TestAnnounceRejectsIncomplete(t *testing.T) {
	d := NewDiscovery()
	for _, a := range []types.Announcement{
		{Name: "payments", Service: "billing"},
		{Tenant: "acme", Service: "billing"},
		{Tenant: "acme", Name: "payments"},
	} {
		err := d.Announce(a)
		require.Error(t, err)
		assert.True(t, errdefs.IsInvalidInput(err))
	}
}

func TestDiscoverIsTenantScoped(t *testing.T) {
	d := NewDiscovery()
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "payments", Service: "billing"}))

	assert.Empty(t, d.Discover("globex", "payments", nil))
	assert.Empty(t, d.Discover("acme", "refunds", nil))
}

func TestDiscoverManyServicesOneName(t *testing.T) {
	d := NewDiscovery()
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "payments", Service: "billing-b"}))
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "payments", Service: "billing-a"}))

	got := d.Discover("acme", "payments", nil)
	require.Len(t, got, 2)
	assert.Equal(t, "billing-a", got[0].Service)
	assert.Equal(t, "billing-b", got[1].Service)
}

func TestDiscoverTagFilters(t *testing.T) {
	d := NewDiscovery()
	require.NoError(t, d.Announce(types.Announcement{
		Tenant: "acme", Name: "payments", Service: "billing-eu",
		Tags: map[string]string{"region": "eu", "tier": "gold"},
	}))
	require.NoError(t, d.Announce(types.Announcement{
		Tenant: "acme", Name: "payments", Service: "billing-us",
		Tags: map[string]string{"region": "us"},
	}))

	eu := d.Discover("acme", "payments", map[string]string{"region": "eu"})
	require.Len(t, eu, 1)
	assert.Equal(t, "billing-eu", eu[0].Service)

	// Every filter pair must match; a missing tag fails the subset test.
	assert.Empty(t, d.Discover("acme", "payments", map[string]string{"region": "eu", "tier": "silver"}))
	assert.Empty(t, d.Discover("acme", "payments", map[string]string{"tier": "gold", "region": "us"}))
	assert.Len(t, d.Discover("acme", "payments", nil), 2)
}

func TestReannounceOverwrites(t *testing.T) {
	d := NewDiscovery()
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "payments", Service: "billing", Endpoint: "old:1"}))
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "payments", Service: "billing", Endpoint: "new:2"}))

	got := d.Discover("acme", "payments", nil)
	require.Len(t, got, 1)
	assert.Equal(t, "new:2", got[0].Endpoint)
}

func TestWithdrawIdempotent(t *testing.T) {
	d := NewDiscovery()
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "payments", Service: "billing"}))

	d.Withdraw("acme", "payments")
	assert.Empty(t, d.Discover("acme", "payments", nil))

	d.Withdraw("acme", "payments")
	d.Withdraw("ghost", "nothing")
}

func TestWithdrawServiceDropsEveryName(t *testing.T) {
	d := NewDiscovery()
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "payments", Service: "billing"}))
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "invoicing", Service: "billing"}))
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "payments", Service: "other"}))

	d.WithdrawService("acme", "billing")

	got := d.Discover("acme", "payments", nil)
	require.Len(t, got, 1)
	assert.Equal(t, "other", got[0].Service)
	assert.Empty(t, d.Discover("acme", "invoicing", nil))
}

func TestServicesListing(t *testing.T) {
	d := NewDiscovery()
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "zeta", Service: "s1"}))
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "alpha", Service: "s2"}))
	require.NoError(t, d.Announce(types.Announcement{Tenant: "acme", Name: "alpha", Service: "s1"}))
	require.NoError(t, d.Announce(types.Announcement{Tenant: "globex", Name: "alpha", Service: "s9"}))

	all := d.Services("acme", "")
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "s1", all[0].Service)
	assert.Equal(t, "alpha", all[1].Name)
	assert.Equal(t, "s2", all[1].Service)
	assert.Equal(t, "zeta", all[2].Name)

	named := d.Services("acme", "alpha")
	require.Len(t, named, 2)
	assert.Equal(t, "s1", named[0].Service)
	assert.Equal(t, "s2", named[1].Service)
}
