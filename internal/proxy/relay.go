package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// errIdleTimeout ends a relay in which neither direction moved bytes for
// the configured duration.
var errIdleTimeout = errors.New("idle timeout exceeded")

// closeWriter is the half-close seam; *net.TCPConn and *tls.Conn both
// implement it.
type closeWriter interface {
	CloseWrite() error
}

// RelayConfig tunes a single Relay call.
type RelayConfig struct {
	// IdleTimeout ends the relay when no bytes flow in either direction for
	// this long. Zero disables the idle check.
	IdleTimeout time.Duration

	// Sent and Received, when non-nil, accumulate byte counts as data
	// moves client-to-upstream and upstream-to-client respectively.
	Sent     *atomic.Int64
	Received *atomic.Int64
}

// Relay pumps bytes between client and upstream until both directions reach
// EOF, an error occurs, the idle timeout expires, or ctx is canceled. A
// clean EOF in one direction half-closes the other side so in-flight bytes
// still drain. Both connections are closed before Relay returns.
//
// Within each direction bytes are delivered in order; the two directions
// are independent.
func Relay(ctx context.Context, client, upstream net.Conn, cfg RelayConfig) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	// Cancellation must unblock reads and writes already in flight.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	clock := newIdleClock(cfg.IdleTimeout)

	g := new(errgroup.Group)
	g.Go(func() error {
		err := copyDirection(upstream, client, clock, cfg.Sent, closeBoth)
		if err != nil {
			closeBoth()
		}
		return err
	})
	g.Go(func() error {
		err := copyDirection(client, upstream, clock, cfg.Received, closeBoth)
		if err != nil {
			closeBoth()
		}
		return err
	})
	err := g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// idleClock tracks the last moment either direction made progress. Each
// direction derives read/write deadlines from it, so a deadline that fires
// while the other direction was busy just re-arms instead of ending the
// session.
type idleClock struct {
	timeout time.Duration
	last    atomic.Int64 // UnixNano of the most recent activity
}

func newIdleClock(timeout time.Duration) *idleClock {
	c := &idleClock{timeout: timeout}
	c.touch()
	return c
}

func (c *idleClock) touch() { c.last.Store(time.Now().UnixNano()) }

func (c *idleClock) deadline() time.Time {
	return time.Unix(0, c.last.Load()).Add(c.timeout)
}

func (c *idleClock) expired() bool { return time.Now().After(c.deadline()) }

// copyDirection moves bytes src to dst until EOF or error. On clean EOF it
// half-closes dst when dst supports that, and otherwise closes both sides;
// either way it returns nil so the reverse direction may finish.
func copyDirection(dst, src net.Conn, clock *idleClock, count *atomic.Int64, closeBoth func()) error {
	buf := getBuffer()
	defer putBuffer(buf)

	for {
		if clock.timeout > 0 {
			if clock.expired() {
				return errIdleTimeout
			}
			_ = src.SetReadDeadline(clock.deadline())
		}

		n, err := src.Read(buf)
		if n > 0 {
			clock.touch()
			if count != nil {
				count.Add(int64(n))
			}
			if werr := writeAll(dst, buf[:n], clock); werr != nil {
				return werr
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if cw, ok := dst.(closeWriter); ok && cw.CloseWrite() == nil {
				return nil
			}
			closeBoth()
			return nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			// The deadline may predate activity on the other direction;
			// only a genuinely idle session ends here.
			if clock.expired() {
				return errIdleTimeout
			}
		default:
			return err
		}
	}
}

// writeAll writes buf to dst, retrying after deadline wakeups as long as the
// session is not idle.
func writeAll(dst net.Conn, buf []byte, clock *idleClock) error {
	for len(buf) > 0 {
		if clock.timeout > 0 {
			_ = dst.SetWriteDeadline(clock.deadline())
		}

		n, err := dst.Write(buf)
		if n > 0 {
			clock.touch()
		}
		buf = buf[n:]

		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			if clock.expired() {
				return errIdleTimeout
			}
		default:
			return err
		}
	}
	return nil
}
