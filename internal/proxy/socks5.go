package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kkowa/proxy/internal/metrics"
	"github.com/kkowa/proxy/internal/socks5"
)

// handleSOCKS5 walks a client through negotiation, authentication, and the
// CONNECT request, then relays. Failures are answered with the closest
// SOCKS5 reply code before the session closes.
func (s *Server) handleSOCKS5(ctx context.Context, client *bufferedConn, flow *Flow) error {
	creds, err := socks5.ServerNegotiate(ctx, client, s.cfg.Authenticators)
	if err != nil {
		if errors.Is(err, socks5.ErrAuthFailed) {
			metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeAuth).Inc()
		} else {
			metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeProtocol).Inc()
		}
		return fmt.Errorf("negotiate: %w", err)
	}
	flow.Credentials = creds

	req, err := socks5.ServerReadRequest(client)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeProtocol).Inc()
		return fmt.Errorf("read request: %w", err)
	}

	if req.Cmd != socks5.CmdConnect {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeProtocol).Inc()
		socks5.WriteCommandNotSupportedReply(client, req.Atyp)
		return fmt.Errorf("unsupported command 0x%02x", req.Cmd)
	}

	flow.Target = req.Address()
	flow.SetState(StateConnecting)

	upstream, err := s.cfg.Dialer.DialContext(ctx, "tcp", flow.Target)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(metrics.ErrorTypeUpstreamConnect).Inc()
		socks5.WriteDialErrorReply(client, req.Atyp, err)
		return fmt.Errorf("dial %s: %w", flow.Target, err)
	}

	if err := socks5.WriteSuccessReply(client, upstream.LocalAddr()); err != nil {
		_ = upstream.Close()
		return fmt.Errorf("write reply: %w", err)
	}

	// Negotiation is over; from here the relay owns the deadlines.
	_ = client.SetDeadline(time.Time{})

	return s.relay(ctx, client, upstream, flow)
}
