package dialer

import (
	"context"
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Resolver resolves host names with a TTL cache in front of the system
// resolver. Proxy workloads hit the same handful of origins over and over;
// caching keeps connect latency down and takes load off the resolver.
//
// Only successful lookups are cached. Negative answers always go back to the
// system resolver so transient failures recover as fast as the resolver
// does.
type Resolver struct {
	resolver *net.Resolver
	cache    *gocache.Cache
}

// NewResolver returns a Resolver that caches successful lookups for ttl.
func NewResolver(ttl time.Duration) *Resolver {
	return &Resolver{
		resolver: net.DefaultResolver,
		cache:    gocache.New(ttl, 2*ttl),
	}
}

// LookupHost resolves host, preferring cached addresses.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if v, ok := r.cache.Get(host); ok {
		return v.([]string), nil
	}

	addrs, err := r.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	r.cache.SetDefault(host, addrs)
	return addrs, nil
}
