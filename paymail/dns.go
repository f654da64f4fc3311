package paymail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// DNSResolver defines the interface for SRV lookups. *net.Resolver
// satisfies it.
type DNSResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// DefaultDNSResolver is the system resolver.
var DefaultDNSResolver DNSResolver = net.DefaultResolver

// SRVPaymail is the paymail SRV service: _bsvalias._tcp.{domain}.
const SRVPaymail = "bsvalias"

// ResolveEndpoints resolves SRV records for a domain and returns host:port
// endpoints sorted by priority, then weight.
func ResolveEndpoints(ctx context.Context, resolver DNSResolver, domain, service string) ([]string, error) {
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrDNSLookupFailed)
	}
	if service == "" {
		return nil, fmt.Errorf("%w: empty service", ErrDNSLookupFailed)
	}

	_, addrs, err := resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, fmt.Errorf("%w: _%s._tcp.%s", ErrNoEndpoints, service, domain)
		}
		if errors.Is(err, ErrNoEndpoints) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: SRV lookup for _%s._tcp.%s: %w", ErrDNSLookupFailed, service, domain, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no SRV records for _%s._tcp.%s", ErrNoEndpoints, service, domain)
	}

	sort.SliceStable(addrs, func(i, j int) bool {
		if addrs[i].Priority != addrs[j].Priority {
			return addrs[i].Priority < addrs[j].Priority
		}
		return addrs[i].Weight > addrs[j].Weight
	})

	endpoints := make([]string, len(addrs))
	for i, srv := range addrs {
		host := strings.TrimSuffix(srv.Target, ".")
		endpoints[i] = net.JoinHostPort(host, fmt.Sprint(srv.Port))
	}
	return endpoints, nil
}
