package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/kkowa/proxy/internal/conn"
)

type directDialer struct {
	cfg      Config
	resolver *Resolver // nil when DNS caching is disabled
}

// NewDirectDialer returns a Dialer that connects straight to the target
// address, resolving names through the cached resolver when configured.
func NewDirectDialer(cfg Config) Dialer {
	d := &directDialer{cfg: cfg}
	if cfg.DNSCacheTTL > 0 {
		d.resolver = NewResolver(cfg.DNSCacheTTL)
	}
	return d
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.DialTimeout}

	c, err := d.dial(ctx, &nd, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(d.cfg.KeepAlive)
		_ = conn.SetTCPUserTimeout(tc, d.cfg.TCPUserTimeout)
	}

	return c, nil
}

// dial resolves address through the cache when one is configured and the
// host is a name, then connects to the resolved addresses in order.
func (d *directDialer) dial(ctx context.Context, nd *net.Dialer, network, address string) (net.Conn, error) {
	if d.resolver == nil {
		return nd.DialContext(ctx, network, address)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil || net.ParseIP(host) != nil {
		return nd.DialContext(ctx, network, address)
	}

	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var firstErr error
	for _, a := range addrs {
		c, err := nd.DialContext(ctx, network, net.JoinHostPort(a, port))
		if err == nil {
			return c, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no addresses resolved")
	}
	return nil, firstErr
}
