package dns

import (
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/registry"
)

// answerTTL is deliberately short; announcements churn with deploys.
const answerTTL = 10

// Resolver turns query names into A records backed by the discovery table.
type Resolver struct {
	logger zerolog.Logger
	disc   *registry.Discovery
	domain string
	rnd    *rand.Rand
}

// NewResolver creates a resolver answering for the given search domain.
func NewResolver(disc *registry.Discovery, domain string) *Resolver {
	return &Resolver{
		logger: log.WithComponent("dns"),
		disc:   disc,
		domain: domain,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Resolve answers an A query for <name>.<tenant>.<domain>. All announcements
// under the name whose endpoint carries an IPv4 address become answers,
// shuffled so repeated queries round-robin across services.
func (r *Resolver) Resolve(queryName string) ([]dns.RR, error) {
	tenant, name, ok := r.splitQuery(queryName)
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "query %s is outside domain %s", queryName, r.domain)
	}

	var ips []net.IP
	for _, a := range r.disc.Discover(tenant, name, nil) {
		if ip := endpointIPv4(a.Endpoint); ip != nil {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "no addressable announcements for %s in tenant %s", name, tenant)
	}

	r.rnd.Shuffle(len(ips), func(i, j int) {
		ips[i], ips[j] = ips[j], ips[i]
	})

	fqdn := dns.Fqdn(queryName)
	records := make([]dns.RR, 0, len(ips))
	for _, ip := range ips {
		records = append(records, &dns.A{
			Hdr: dns.RR_Header{
				Name:   fqdn,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    answerTTL,
			},
			A: ip,
		})
	}

	r.logger.Debug().Str("tenant", tenant).Str("name", name).Int("answers", len(records)).Msg("resolved query")
	return records, nil
}

// splitQuery takes <name>.<tenant>.<domain> apart. The tenant is the label
// right before the domain, so tenants whose id contains a dot cannot be
// queried through this facade.
func (r *Resolver) splitQuery(queryName string) (tenant, name string, ok bool) {
	q := strings.TrimSuffix(queryName, ".")
	rest, found := strings.CutSuffix(q, "."+r.domain)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, ".")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[i+1:], rest[:i], true
}

// endpointIPv4 extracts an IPv4 address from an announcement endpoint,
// accepting both host:port and a bare address. Anything else, hostnames and
// IPv6 included, yields nil.
func endpointIPv4(endpoint string) net.IP {
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return ip.To4()
}
