package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kkowa/proxy/internal/auth"
	"github.com/kkowa/proxy/internal/httpx"
	"github.com/kkowa/proxy/internal/metrics"
)

// maxBodyDrain bounds how much of a request body gets discarded to keep a
// connection reusable; anything larger closes the connection instead.
const maxBodyDrain = 256 << 10

// handleHTTP serves proxy requests on a persistent client connection until
// either side closes it, a tunnel takes over, or an error occurs.
func (s *Server) handleHTTP(ctx context.Context, client *bufferedConn, flow *Flow) error {
	for i := 0; ; i++ {
		if i > 0 && s.cfg.IdleTimeout > 0 {
			// Between requests the idle timeout applies.
			_ = client.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		req, err := http.ReadRequest(client.br)
		switch {
		case err == nil:
		case i > 0 && isClosedForRead(err):
			return nil
		default:
			metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeProtocol).Inc()
			return fmt.Errorf("read request: %w", err)
		}

		_ = client.SetDeadline(time.Time{})
		metrics.HTTPRequestsTotal.Inc()
		req = req.WithContext(ctx)

		if req.Method == http.MethodConnect {
			tunneled, err := s.handleConnect(ctx, client, flow, req)
			if err != nil || tunneled {
				return err
			}
			continue
		}

		done, err := s.forward(ctx, client, flow, req)
		if err != nil || done {
			return err
		}
	}
}

// handleConnect authenticates and establishes a CONNECT tunnel. It reports
// whether the connection was consumed by a tunnel (or a fatal error); when
// it returns false the client was refused authentication and may retry on
// the same connection.
func (s *Server) handleConnect(ctx context.Context, client *bufferedConn, flow *Flow, req *http.Request) (bool, error) {
	start := time.Now()

	ok, err := s.authenticate(ctx, client, flow, req)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	flow.Target = target
	flow.SetState(StateConnecting)

	upstream, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeUpstreamConnect).Inc()
		_ = writeStatus(client, req, connectFailureStatus(err), nil, err.Error())
		return true, fmt.Errorf("dial %s: %w", target, err)
	}

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = upstream.Close()
		return true, fmt.Errorf("write connect response: %w", err)
	}
	metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())

	// From here the payload is opaque; the relay owns the deadlines.
	_ = client.SetDeadline(time.Time{})

	return true, s.relay(ctx, client, upstream, flow)
}

// forward proxies one plain HTTP request through the pooled transport and
// writes the response back. It reports whether the client connection must
// be closed afterwards.
func (s *Server) forward(ctx context.Context, client *bufferedConn, flow *Flow, req *http.Request) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	}()

	ok, err := s.authenticate(ctx, client, flow, req)
	if err != nil {
		return true, err
	}
	if !ok {
		return !discardBody(req), nil
	}

	outReq := req.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		// The transport closes the body it is handed; keep the original
		// open so leftovers can still be drained for connection reuse.
		outReq.Body = io.NopCloser(req.Body)
	}

	// Forward-proxy requests carry an absolute URL; fall back to the Host
	// header for clients that send an origin-form request anyway. The
	// scheme can be overridden through a non-standard header.
	if v := outReq.Header.Get("X-Proxy-Scheme"); v != "" {
		outReq.Header.Del("X-Proxy-Scheme")
		outReq.URL.Scheme = strings.ToLower(v)
	} else if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = outReq.Host
	}
	outReq.Host = outReq.URL.Host
	flow.Target = outReq.URL.Host

	var early *http.Response
	for _, h := range s.cfg.Handlers {
		var modified *http.Request
		modified, early = h.OnRequest(flow, outReq)
		if modified != nil {
			outReq = modified
		}
		if early != nil {
			break
		}
	}
	if early != nil {
		drained := discardBody(req)
		if err := s.writeResponse(client, early); err != nil {
			return true, err
		}
		return req.Close || early.Close || !drained, nil
	}

	outReq.RequestURI = ""
	httpx.RemoveHopByHopHeaders(outReq.Header)

	flow.SetState(StateConnecting)
	resp, err := s.transport.RoundTrip(outReq)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeUpstreamConnect).Inc()
		drained := discardBody(req)
		if werr := writeStatus(client, req, connectFailureStatus(err), nil, err.Error()); werr != nil {
			return true, fmt.Errorf("write error response: %w", werr)
		}
		s.cfg.Logger.Debug().Err(err).Uint64("flow", flow.ID).Str("target", flow.Target).
			Msg("upstream request failed")
		return req.Close || !drained, nil
	}

	for _, h := range s.cfg.Handlers {
		if r := h.OnResponse(flow, resp); r != nil {
			resp = r
		}
	}

	if err := s.writeResponse(client, resp); err != nil {
		return true, err
	}

	drained := discardBody(req)
	return req.Close || resp.Close || !drained, nil
}

// authenticate checks proxy credentials on req against the configured
// chain. On failure it answers the client (407 with challenges, or 400 for
// a malformed header) and returns ok=false; err is only non-nil when that
// answer could not be written.
func (s *Server) authenticate(ctx context.Context, client *bufferedConn, flow *Flow, req *http.Request) (bool, error) {
	if len(s.cfg.Authenticators) == 0 {
		return true, nil
	}

	creds, err := auth.FromRequest(req)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrNoCredentials):
		// First contact without credentials is the normal challenge round,
		// not an authentication failure.
		return false, s.writeChallenge(client, req)
	default:
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeAuth).Inc()
		return false, writeStatus(client, req, http.StatusBadRequest, nil, "malformed proxy authorization")
	}

	if err := auth.Authenticate(ctx, s.cfg.Authenticators, creds); err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeAuth).Inc()
		return false, s.writeChallenge(client, req)
	}

	flow.Credentials = &creds
	return true, nil
}

// writeChallenge answers a request that lacked acceptable credentials with
// 407 and one Proxy-Authenticate header per configured authenticator.
func (s *Server) writeChallenge(client *bufferedConn, req *http.Request) error {
	h := make(http.Header)
	for _, a := range s.cfg.Authenticators {
		h.Add("Proxy-Authenticate", a.Challenge())
	}
	return writeStatus(client, req, http.StatusProxyAuthRequired, h, "proxy authentication required")
}

// writeResponse sends resp to the client as HTTP/1.1, stripping hop-by-hop
// headers. Responses that arrived over HTTP/2 or without a declared length
// are converted to close-delimited HTTP/1.1, marking resp.Close.
func (s *Server) writeResponse(client *bufferedConn, resp *http.Response) error {
	defer resp.Body.Close()

	httpx.RemoveHopByHopHeaders(resp.Header)

	resp.Proto = "HTTP/1.1"
	resp.ProtoMajor = 1
	resp.ProtoMinor = 1

	if resp.ContentLength < 0 && len(resp.TransferEncoding) == 0 {
		// Length unknown; the client learns the end from the close.
		resp.Close = true
	}

	if err := resp.Write(client); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// writeStatus writes a minimal text response directly to the client,
// outside of any http.Server machinery.
func writeStatus(w io.Writer, req *http.Request, code int, header http.Header, body string) error {
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Type", "text/plain; charset=utf-8")

	resp := &http.Response{
		StatusCode:    code,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	if err := resp.Write(w); err != nil {
		return fmt.Errorf("write status %d: %w", code, err)
	}
	return nil
}

// connectFailureStatus maps an upstream dial or roundtrip error to the
// status reported to the client.
func connectFailureStatus(err error) int {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// discardBody drains what remains of a request body so the connection can
// carry another request, and reports whether that succeeded. Oversized
// bodies are not worth draining; those connections get closed instead.
func discardBody(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	defer req.Body.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(req.Body, maxBodyDrain+1))
	return err == nil && n <= maxBodyDrain
}

// isClosedForRead reports whether err is one of the ways a well-behaved
// client ends a persistent connection between requests.
func isClosedForRead(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
