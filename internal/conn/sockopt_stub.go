//go:build !linux

package conn

import (
	"net"
	"time"
)

// SetTCPUserTimeout is a no-op on platforms without TCP_USER_TIMEOUT.
func SetTCPUserTimeout(_ *net.TCPConn, _ time.Duration) error {
	return nil
}
