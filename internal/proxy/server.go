package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kkowa/proxy/internal/dialer"
	"github.com/kkowa/proxy/internal/metrics"
)

// Server accepts proxy connections and serves both protocols on one
// listener.
type Server struct {
	cfg       Config
	transport *http.Transport

	// ctx is the base context for sessions; canceling it force-closes
	// every open session.
	ctx    context.Context
	cancel context.CancelFunc

	sessions sync.WaitGroup
}

// NewServer constructs a Server with the given config. ctx bounds the
// lifetime of all sessions the server will handle.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}

	s := &Server{cfg: cfg, transport: newTransport(cfg)}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Serve accepts connections on ln until the listener is closed, handling
// each in its own goroutine. A closed listener is the normal way to stop
// and returns nil.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown waits for in-flight sessions to drain. When ctx expires first,
// the remaining sessions are force-closed and ctx's error is returned.
// Callers close the listener before calling Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.cancel()
	<-done
	s.transport.CloseIdleConnections()
	return err
}

// Close force-closes every open session without waiting.
func (s *Server) Close() error {
	s.cancel()
	s.transport.CloseIdleConnections()
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Force-close unblocks any pending I/O when the server shuts down.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	br := bufio.NewReader(conn)
	proto, err := DetectProtocol(br)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeProtocol).Inc()
		s.cfg.Logger.Debug().Err(err).Stringer("client", conn.RemoteAddr()).
			Msg("protocol detection failed")
		return
	}

	flow := newFlow(conn.RemoteAddr(), proto)
	metrics.SessionsTotal.WithLabelValues(proto.String()).Inc()

	client := &bufferedConn{Conn: conn, br: br}

	switch proto {
	case ProtocolSOCKS5:
		err = s.handleSOCKS5(ctx, client, flow)
	case ProtocolHTTP:
		err = s.handleHTTP(ctx, client, flow)
	}
	flow.SetState(StateClosed)

	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.cfg.Logger.Debug().Err(err).
			Uint64("flow", flow.ID).
			Stringer("client", flow.Client).
			Stringer("protocol", flow.Protocol).
			Msg("session ended with error")
	}
}

// relay hands an established tunnel to the relay engine and records the
// outcome.
func (s *Server) relay(ctx context.Context, client, upstream net.Conn, flow *Flow) error {
	flow.SetState(StateRelaying)
	start := time.Now()

	err := Relay(ctx, client, upstream, RelayConfig{
		IdleTimeout: s.cfg.IdleTimeout,
		Sent:        &flow.Sent,
		Received:    &flow.Received,
	})

	sent, received := flow.Sent.Load(), flow.Received.Load()
	metrics.BytesTotal.WithLabelValues("out").Add(float64(sent))
	metrics.BytesTotal.WithLabelValues("in").Add(float64(received))

	switch {
	case err == nil:
	case errors.Is(err, errIdleTimeout), errors.Is(err, net.ErrClosed):
		// Reaping an idle session is the timeout doing its job, and a
		// closed connection is how force-shutdown looks from here.
		err = nil
	case errors.Is(err, context.Canceled):
		err = nil
	default:
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeRelay).Inc()
	}

	s.cfg.Logger.Debug().
		Uint64("flow", flow.ID).
		Stringer("protocol", flow.Protocol).
		Str("target", flow.Target).
		Int64("sent", sent).
		Int64("received", received).
		Dur("duration", time.Since(start)).
		Msg("session closed")

	return err
}

// bufferedConn reunites a connection with bytes its bufio.Reader has
// already buffered, and preserves half-close support of the underlying
// connection.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.br.Read(p) }

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

func newTransport(cfg Config) *http.Transport {
	t := &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTPMaxIdleConns / 2,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// Plain proxying through an HTTP upstream uses the standard library
	// proxy support; DialContext then connects to the proxy itself.
	if up, ok := cfg.Dialer.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		t.DialContext = up.Direct().DialContext
	}

	return t
}
