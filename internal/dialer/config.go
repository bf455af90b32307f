package dialer

import (
	"net"
	"time"
)

// Config carries the knobs shared by every dialer implementation.
type Config struct {
	// DialTimeout bounds DNS resolution plus TCP connect for one dial.
	DialTimeout time.Duration

	// NegotiationTimeout bounds protocol negotiation with an upstream proxy
	// (TLS, CONNECT, SOCKS5 handshake).
	NegotiationTimeout time.Duration

	// DNSCacheTTL enables caching of successful name lookups when positive.
	DNSCacheTTL time.Duration

	// KeepAlive is applied to outbound TCP connections.
	KeepAlive net.KeepAliveConfig

	// TCPUserTimeout is applied to outbound TCP connections on platforms
	// that support it.
	TCPUserTimeout time.Duration
}
