package upstream

import (
	"context"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/dnsfence/dnsfence/internal/cerrors"
	"github.com/dnsfence/dnsfence/internal/log"
)

const (
	// Cache lifetime for resolved names. The DoH answers carry their own
	// TTLs but those are routinely sub-minute; a longer floor keeps the
	// disk cache useful across restarts.
	resolveCacheTTL = 10 * time.Minute

	resolveTimeout = 10 * time.Second
)

// Resolver resolves hostnames through a single upstream, with an on-disk
// TTL cache. Only IPv4 answers are returned: handing an IPv6 address to a
// client whose network has no v6 route breaks more than it fixes.
type Resolver struct {
	upstream Upstream
	cache    *diskCache
}

// NewResolver creates a resolver over the given upstream. cachePath can be
// empty for an in-memory cache.
func NewResolver(up Upstream, cachePath string) *Resolver {
	return &Resolver{
		upstream: up,
		cache:    loadCache(cachePath),
	}
}

// Lookup resolves name to its IPv4 addresses. A name with no usable
// answers is an UPSTREAM_ERROR ("no address found"), matching a resolution
// failure from the caller's point of view.
func (r *Resolver) Lookup(ctx context.Context, name string) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(name)

	if addrs, ok := r.cache.Get(fqdn); ok {
		log.Debugf("Resolve cache hit for %s", name)
		return addrs, nil
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	req := new(dns.Msg)
	req.SetQuestion(fqdn, dns.TypeA)

	resp, err := r.upstream.Query(ctx, req)
	if err != nil {
		return nil, cerrors.NewUpstreamError("no address found", err)
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		}
	}

	if len(addrs) == 0 {
		return nil, cerrors.NewUpstreamError("no address found", nil)
	}

	r.cache.Put(fqdn, addrs, resolveCacheTTL)
	return addrs, nil
}

// Flush persists any pending cache entries.
func (r *Resolver) Flush() {
	r.cache.Flush()
}

// Close releases the underlying upstream and persists the cache.
func (r *Resolver) Close() error {
	r.cache.Flush()
	return r.upstream.Close()
}
