//go:build linux

package conn

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// SetTCPUserTimeout sets TCP_USER_TIMEOUT on tc so the kernel aborts the
// connection when transmitted data stays unacknowledged for d. This catches
// dead peers holding unsent data, which keepalive probes alone miss. A zero
// or negative d leaves the kernel default in place.
func SetTCPUserTimeout(tc *net.TCPConn, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}

	var optErr error
	if err := raw.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(d.Milliseconds()))
	}); err != nil {
		return err
	}
	return optErr
}
