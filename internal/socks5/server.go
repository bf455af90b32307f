package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/kkowa/proxy/internal/auth"
)

// ErrAuthFailed is returned when the client's username/password is rejected
// by every authenticator.
var ErrAuthFailed = errors.New("socks5: authentication failed")

// ServerNegotiate performs the SOCKS5 method negotiation on conn.
//
// With a non-empty authenticator chain, username/password authentication
// (RFC 1929) is required: the submitted pair is converted to Basic
// credentials and validated against the chain, and the accepted credentials
// are returned. With an empty chain only the no-auth method is offered and
// the returned credentials are nil.
func ServerNegotiate(ctx context.Context, conn net.Conn, chain []auth.Authenticator) (*auth.Credentials, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("negotiation request: %w", err)
	}

	if len(chain) == 0 {
		if !containsMethod(neg.Methods, txsocks5.MethodNone) {
			writeNoAcceptableMethods(conn)
			return nil, errors.New("client does not support no-auth")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
			return nil, fmt.Errorf("negotiation reply: %w", err)
		}
		return nil, nil
	}

	if !containsMethod(neg.Methods, txsocks5.MethodUsernamePassword) {
		writeNoAcceptableMethods(conn)
		return nil, errors.New("client does not support username/password")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
		return nil, fmt.Errorf("negotiation reply: %w", err)
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("read userpass: %w", err)
	}

	creds := auth.Basic(string(urq.Uname), string(urq.Passwd))
	if err := auth.Authenticate(ctx, chain, creds); err != nil {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return nil, ErrAuthFailed
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
		return nil, fmt.Errorf("write userpass: %w", err)
	}
	return &creds, nil
}

// ServerReadRequest reads the client's command request following a
// successful negotiation. An unsupported address type is answered with an
// address-not-supported reply before the error is returned.
func ServerReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		if errors.Is(err, txsocks5.ErrBadRequest) {
			// NewRequestFrom returns ErrBadRequest only for an unknown ATYP.
			writeAddressNotSupportedReply(conn)
		}
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
