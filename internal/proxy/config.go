package proxy

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kkowa/proxy/internal/auth"
	"github.com/kkowa/proxy/internal/dialer"
)

type Config struct {
	// NegotiationTimeout bounds protocol detection and handshakes on new
	// connections.
	NegotiationTimeout time.Duration

	// IdleTimeout terminates sessions with no traffic in either direction.
	// Zero disables the idle check.
	IdleTimeout time.Duration

	// HTTPIdleTimeout and HTTPMaxIdleConns tune the pooled transport used
	// for plain (non-CONNECT) forwarding.
	HTTPIdleTimeout  time.Duration
	HTTPMaxIdleConns int

	// Authenticators is the proxy authentication chain. Empty means no
	// authentication is required.
	Authenticators []auth.Authenticator

	// Handlers observe plain HTTP requests and responses as they pass
	// through.
	Handlers []Handler

	Dialer dialer.Dialer

	Logger zerolog.Logger
}
