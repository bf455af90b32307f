// Package dialer provides the outbound dialing implementations used by the
// proxy.
//
// Dialers implement a small interface (DialContext) and are used by the
// proxy listener to establish outbound connections either directly or via an
// upstream proxy (HTTP CONNECT or SOCKS5), so proxies can be chained.
package dialer
