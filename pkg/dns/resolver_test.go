package dns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/types"
)

func announce(t *testing.T, d *registry.Discovery, tenant, name, service, endpoint string) {
	t.Helper()
	require.NoError(t, d.Announce(types.Announcement{
		Tenant: tenant, Name: name, Service: service, Endpoint: endpoint,
	}))
}

func TestResolveAnnouncedName(t *testing.T) {
	disc := registry.NewDiscovery()
	announce(t, disc, "acme", "payments", "billing", "10.1.2.3:8080")
	r := NewResolver(disc, "hutch")

	rrs, err := r.Resolve("payments.acme.hutch.")
	require.NoError(t, err)
	require.Len(t, rrs, 1)

	a, ok := rrs[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", a.A.String())
	assert.Equal(t, "payments.acme.hutch.", a.Hdr.Name)
	assert.EqualValues(t, answerTTL, a.Hdr.Ttl)
}

func TestResolveReturnsEveryEndpoint(t *testing.T) {
	disc := registry.NewDiscovery()
	announce(t, disc, "acme", "payments", "billing-a", "10.0.0.1:80")
	announce(t, disc, "acme", "payments", "billing-b", "10.0.0.2:80")
	r := NewResolver(disc, "hutch")

	rrs, err := r.Resolve("payments.acme.hutch.")
	require.NoError(t, err)

	var ips []string
	for _, rr := range rrs {
		ips = append(ips, rr.(*dns.A).A.String())
	}
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, ips)
}

func TestResolveSkipsUnaddressableEndpoints(t *testing.T) {
	disc := registry.NewDiscovery()
	announce(t, disc, "acme", "payments", "sock", "unix:///tmp/pay.sock")
	announce(t, disc, "acme", "payments", "six", "[::1]:8080")
	announce(t, disc, "acme", "payments", "bare", "10.0.0.5")
	r := NewResolver(disc, "hutch")

	rrs, err := r.Resolve("payments.acme.hutch.")
	require.NoError(t, err)
	require.Len(t, rrs, 1)
	assert.Equal(t, "10.0.0.5", rrs[0].(*dns.A).A.String())
}

func TestResolveNoAddressableEndpoints(t *testing.T) {
	disc := registry.NewDiscovery()
	announce(t, disc, "acme", "payments", "billing", "billing.internal:8080")
	r := NewResolver(disc, "hutch")

	_, err := r.Resolve("payments.acme.hutch.")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestResolveOutsideDomain(t *testing.T) {
	disc := registry.NewDiscovery()
	announce(t, disc, "acme", "payments", "billing", "10.1.2.3:80")
	r := NewResolver(disc, "hutch")

	_, err := r.Resolve("payments.acme.lan.")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestResolveIsTenantScoped(t *testing.T) {
	disc := registry.NewDiscovery()
	announce(t, disc, "acme", "payments", "billing", "10.1.2.3:80")
	r := NewResolver(disc, "hutch")

	_, err := r.Resolve("payments.globex.hutch.")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSplitQuery(t *testing.T) {
	r := NewResolver(registry.NewDiscovery(), "hutch")

	tests := []struct {
		query  string
		tenant string
		name   string
		ok     bool
	}{
		{"payments.acme.hutch.", "acme", "payments", true},
		{"payments.acme.hutch", "acme", "payments", true},
		{"api.v2.acme.hutch.", "acme", "api.v2", true},
		{"acme.hutch.", "", "", false},
		{"hutch.", "", "", false},
		{"payments.acme.other.", "", "", false},
		{".acme.hutch.", "", "", false},
	}
	for _, tt := range tests {
		tenant, name, ok := r.splitQuery(tt.query)
		assert.Equal(t, tt.ok, ok, "query %q", tt.query)
		if tt.ok {
			assert.Equal(t, tt.tenant, tenant, "query %q", tt.query)
			assert.Equal(t, tt.name, name, "query %q", tt.query)
		}
	}
}

func TestEndpointIPv4(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"10.0.0.1:8080", "10.0.0.1"},
		{"10.0.0.1", "10.0.0.1"},
		{"billing.internal:8080", ""},
		{"[::1]:8080", ""},
		{"2001:db8::1", ""},
		{"", ""},
	}
	for _, tt := range tests {
		ip := endpointIPv4(tt.endpoint)
		if tt.want == "" {
			assert.Nil(t, ip, "endpoint %q", tt.endpoint)
		} else {
			require.NotNil(t, ip, "endpoint %q", tt.endpoint)
			assert.Equal(t, tt.want, ip.String())
		}
	}
}
