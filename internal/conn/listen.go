package conn

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAlive and userTimeout to accepted TCP connections.
func ListenTCP(network, addr string, keepAlive net.KeepAliveConfig, userTimeout time.Duration) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &Listener{Listener: ln, KeepAlive: keepAlive, UserTimeout: userTimeout}, nil
}

// Listener wraps a net.Listener and configures any accepted *net.TCPConn.
type Listener struct {
	net.Listener
	KeepAlive   net.KeepAliveConfig
	UserTimeout time.Duration
}

// Accept accepts the next connection and applies the configured socket
// options if the connection is a *net.TCPConn.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAlive)
		_ = SetTCPUserTimeout(tc, l.UserTimeout)
	}

	return c, nil
}
