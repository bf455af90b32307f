package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kkowa/proxy/internal/dialer"
	"github.com/kkowa/proxy/internal/testutil"
)

func testConfig() Config {
	return Config{
		NegotiationTimeout: 2 * time.Second,
		HTTPIdleTimeout:    time.Minute,
		HTTPMaxIdleConns:   16,
		Dialer:             dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
		Logger:             zerolog.Nop(),
	}
}

// startServer runs a Server on a loopback listener and tears it down with
// the test.
func startServer(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(context.Background(), cfg)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = ln.Close()
		_ = srv.Close()
	})

	return srv, ln.Addr().String()
}

// connectTunnel establishes a CONNECT tunnel to target through the proxy at
// addr and returns the client side once the 200 has been read.
func connectTunnel(t *testing.T, addr, target string, header http.Header) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if header == nil {
		header = make(http.Header)
	}
	req := &http.Request{
		Method: http.MethodConnect,
		Host:   target,
		URL:    &url.URL{Opaque: target},
		Header: header,
	}
	if err := req.Write(c); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	return c, br, resp
}

func TestMalformedHandshakeIsolation(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoServer(t)
	_, addr := startServer(t, func(cfg *Config) {
		cfg.NegotiationTimeout = 500 * time.Millisecond
	})

	// A client speaking neither protocol gets dropped...
	bad, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Close()
	if _, err := bad.Write([]byte{0x16, 0x03, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}

	// ...while a concurrent well-formed session is unaffected.
	c, br, resp := connectTunnel(t, addr, echoLn.Addr().String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tunnel status=%d want 200", resp.StatusCode)
	}
	testutil.AssertEcho(t, c, br, []byte("still here"))

	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bad.Read(make([]byte, 1)); err == nil {
		t.Error("malformed connection still open")
	}
}

func TestServeStopsOnListenerClose(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(context.Background(), testConfig())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	_ = ln.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v on closed listener, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after listener close")
	}
}

func TestShutdownDrains(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(context.Background(), testConfig())
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = ln.Close()
		_ = srv.Close()
	})

	c, br, resp := connectTunnel(t, addrOf(t, ln), echoLn.Addr().String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tunnel status=%d want 200", resp.StatusCode)
	}
	testutil.AssertEcho(t, c, br, []byte("before shutdown"))

	_ = ln.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- srv.Shutdown(ctx)
	}()

	// The in-flight session must keep the shutdown waiting and keep
	// relaying while it drains.
	select {
	case err := <-done:
		t.Fatalf("Shutdown returned %v before the session ended", err)
	case <-time.After(100 * time.Millisecond):
	}
	testutil.AssertEcho(t, c, br, []byte("during drain"))

	_ = c.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after the session ended")
	}
}

func TestShutdownForcesAfterDeadline(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(context.Background(), testConfig())
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = ln.Close()
		_ = srv.Close()
	})

	c, _, resp := connectTunnel(t, addrOf(t, ln), echoLn.Addr().String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tunnel status=%d want 200", resp.StatusCode)
	}

	_ = ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err=%v want deadline exceeded", err)
	}

	// The lingering session was cut.
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("session still open after forced shutdown")
	}
}

func addrOf(t *testing.T, ln net.Listener) string {
	t.Helper()
	return ln.Addr().String()
}
