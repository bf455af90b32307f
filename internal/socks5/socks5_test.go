package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/kkowa/proxy/internal/auth"
)

func TestClientDialToServer(t *testing.T) {
	tests := []struct {
		name  string
		chain []auth.Authenticator
		auth  Auth
	}{
		{name: "no_auth"},
		{
			name:  "user_pass",
			chain: []auth.Authenticator{auth.NewBasic("user", "pass")},
			auth:  Auth{Username: "user", Password: "pass"},
		},
		{
			// The bearer authenticator never matches Basic credentials, so the
			// chain has to fall through to the basic one.
			name: "user_pass_chain",
			chain: []auth.Authenticator{
				auth.NewBearer("token"),
				auth.NewBasic("user", "pass"),
			},
			auth: Auth{Username: "user", Password: "pass"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			wantCreds := len(tt.chain) > 0

			g := errgroup.Group{}
			g.Go(func() error {
				creds, err := ServerNegotiate(context.Background(), serverConn, tt.chain)
				if err != nil {
					return err
				}
				if wantCreds != (creds != nil) {
					return fmt.Errorf("creds=%v, wantCreds=%v", creds, wantCreds)
				}
				if creds != nil && creds.Scheme != "Basic" {
					return fmt.Errorf("creds scheme=%q, want Basic", creds.Scheme)
				}

				req, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != CmdConnect {
					return fmt.Errorf("unexpected command: %d", req.Cmd)
				}
				if req.Address() != "127.0.0.1:80" {
					return fmt.Errorf("unexpected address: %s", req.Address())
				}

				return WriteSuccessReply(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			if err := ClientDial(clientConn, tt.auth, "127.0.0.1:80"); err != nil {
				t.Fatal(err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestServerReadRequestBadAddressType(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverErr := make(chan error, 1)
	go func() {
		_, err := ServerReadRequest(serverConn)
		serverErr <- err
	}()

	// VER CMD RSV ATYP, with an address type nothing supports.
	if _, err := clientConn.Write([]byte{0x05, 0x01, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(clientConn, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != txsocks5.RepAddressNotSupported {
		t.Fatalf("rep=0x%02x, want 0x%02x", reply[1], txsocks5.RepAddressNotSupported)
	}

	if err := <-serverErr; err == nil {
		t.Fatal("expected request error")
	}
}

func TestServerNegotiateRejectsBadPassword(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	chain := []auth.Authenticator{auth.NewBasic("user", "pass")}

	serverErr := make(chan error, 1)
	go func() {
		_, err := ServerNegotiate(context.Background(), serverConn, chain)
		serverErr <- err
	}()

	err := ClientDial(clientConn, Auth{Username: "user", Password: "wrong"}, "127.0.0.1:80")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("client err=%v, want ErrAuthFailed", err)
	}

	if err := <-serverErr; !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("server err=%v, want ErrAuthFailed", err)
	}
}

func TestServerNegotiateRequiresUserPass(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	chain := []auth.Authenticator{auth.NewBasic("user", "pass")}

	serverErr := make(chan error, 1)
	go func() {
		_, err := ServerNegotiate(context.Background(), serverConn, chain)
		serverErr <- err
	}()

	// A client offering only no-auth must be turned away with 0xFF.
	if err := ClientNegotiate(clientConn, Auth{}); err == nil {
		t.Fatal("expected negotiation error")
	}

	if err := <-serverErr; err == nil {
		t.Fatal("expected server error")
	}
}
