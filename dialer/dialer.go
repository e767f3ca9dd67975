// Package dialer resolves a target host and opens a direct TCP connection
// to it, honoring an optional address-family preference (§4.C).
package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quietwire/localproxy/perrors"
)

// Family identifies a preferred address family for dialing.
type Family int

const (
	FamilyAny Family = iota
	FamilyV4
	FamilyV6
)

// DefaultDialTimeout bounds the connect attempt when no deadline is
// already present on ctx (§5: "implementers SHOULD apply a bounded
// connect deadline and document it").
const DefaultDialTimeout = 10 * time.Second

// Resolver resolves names to addresses. *net.Resolver satisfies this;
// tests can substitute a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Dialer opens direct TCP connections to (host, port), preferring a given
// address family when the host is a name rather than a literal (§4.C).
type Dialer struct {
	Resolver Resolver
	Timeout  time.Duration
}

// New returns a Dialer using net.DefaultResolver and DefaultDialTimeout.
func New() *Dialer {
	return &Dialer{Resolver: net.DefaultResolver, Timeout: DefaultDialTimeout}
}

// NewWithResolver returns a Dialer using the given Resolver (e.g. a
// DNSResolver pointed at a configured DNS server) and DefaultDialTimeout.
func NewWithResolver(r Resolver) *Dialer {
	return &Dialer{Resolver: r, Timeout: DefaultDialTimeout}
}

// Dial connects to host:port. If host is a literal IP, it dials that
// address's family directly. Otherwise, with no family preference, it
// dials by name and lets the OS resolver prefer a dual-stack v6 socket
// where available. With a preference, it resolves explicitly and picks
// the first address of the preferred family, falling back to the first
// of the opposite family, falling back to the first address returned.
func (d *Dialer) Dial(ctx context.Context, host string, port int, pref Family) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: d.timeout()}

	if ip := net.ParseIP(host); ip != nil {
		network := "tcp4"
		if ip.To4() == nil {
			network = "tcp6"
		}
		addr := net.JoinHostPort(host, fmt.Sprint(port))
		conn, err := netDialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, perrors.New(perrors.HostResolutionFailure, "dial literal IP "+addr, err)
		}
		return conn, nil
	}

	if pref == FamilyAny {
		addr := net.JoinHostPort(host, fmt.Sprint(port))
		conn, err := netDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, perrors.New(perrors.HostResolutionFailure, "dial "+addr, err)
		}
		return conn, nil
	}

	addrs, err := d.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, perrors.New(perrors.HostResolutionFailure, "resolve "+host, err)
	}
	chosen, err := SelectAddress(addrs, pref)
	if err != nil {
		return nil, perrors.New(perrors.NoAddresses, "select address for "+host, err)
	}

	network := "tcp4"
	if chosen.IP.To4() == nil {
		network = "tcp6"
	}
	addr := net.JoinHostPort(chosen.IP.String(), fmt.Sprint(port))
	conn, err := netDialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, perrors.New(perrors.HostResolutionFailure, "dial "+addr, err)
	}
	return conn, nil
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultDialTimeout
	}
	return d.Timeout
}

// SelectAddress picks the first address matching pref, falling back to
// the first of the opposite family, falling back to the first address in
// the list (§4.C). Returns an error if addrs is empty; Dial reports that
// error as NoAddresses.
func SelectAddress(addrs []net.IPAddr, pref Family) (net.IPAddr, error) {
	if len(addrs) == 0 {
		return net.IPAddr{}, fmt.Errorf("no addresses to select from")
	}

	isV4 := func(a net.IPAddr) bool { return a.IP.To4() != nil }

	var opposite net.IPAddr
	haveOpposite := false

	for _, a := range addrs {
		switch pref {
		case FamilyV4:
			if isV4(a) {
				return a, nil
			}
		case FamilyV6:
			if !isV4(a) {
				return a, nil
			}
		}
		if !haveOpposite {
			opposite = a
			haveOpposite = true
		}
	}

	if haveOpposite {
		return opposite, nil
	}
	return addrs[0], nil
}
