package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// DNSResolver resolves names by querying A and AAAA records directly
// against a configured DNS server with github.com/miekg/dns, instead of
// relying on net.Resolver's platform-dependent (and often v4-first)
// ordering. This matters when a connection's preferred address family
// must be honored: SelectAddress needs the *full* candidate set, not
// whatever subset and order the OS resolver decided to hand back first.
type DNSResolver struct {
	// Server is the DNS server to query, e.g. "1.1.1.1:53". Required.
	Server string
	Client *dns.Client
}

// NewDNSResolver returns a DNSResolver querying server with default
// dns.Client timeouts.
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{Server: server, Client: new(dns.Client)}
}

// LookupIPAddr implements Resolver by issuing sequential A and AAAA
// queries and merging the results, A first.
func (r *DNSResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	var out []net.IPAddr

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, _, err := r.Client.ExchangeContext(ctx, msg, r.Server)
		if err != nil {
			continue // try the other record type before failing outright
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				out = append(out, net.IPAddr{IP: rec.A})
			case *dns.AAAA:
				out = append(out, net.IPAddr{IP: rec.AAAA})
			}
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("dns: no A/AAAA records for %q from %s", host, r.Server)
	}
	return out, nil
}
