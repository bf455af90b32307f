package proxy

// Package proxy implements the dual-protocol proxy server.
//
// One listener serves both SOCKS5 and HTTP clients: the first byte of each
// connection selects the protocol. Both paths authenticate against a shared
// authenticator chain, dial the target through a configurable upstream
// dialer, and hand established tunnels to the relay engine.
