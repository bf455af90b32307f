// Package socks5 provides the shared SOCKS5 handshake implementation used by
// the proxy.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 to
// keep handshake behavior in one place and avoid duplicating negotiation and
// CONNECT parsing/writing logic across internal/proxy and internal/dialer.
// The server side plugs into the internal/auth authenticator chain so SOCKS5
// username/password clients are validated against the same backends as HTTP
// clients.
//
// This package is not intended to be a full SOCKS5 server/client
// implementation; it is a thin layer around the library primitives.
package socks5
