package socks5

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect
)

// Auth configures optional username/password credentials for client-side
// SOCKS5 negotiation with an upstream proxy.
type Auth struct {
	Username string
	Password string
}

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported.
func WriteCommandNotSupportedReply(conn net.Conn, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepCommandNotSupported, atyp).WriteTo(conn)
}

// WriteDialErrorReply maps err from a failed upstream dial to the closest
// SOCKS5 reply code and writes it: name resolution failures and timeouts map
// to host-unreachable, refused connections to connection-refused, and
// unreachable networks to network-unreachable. Anything else is a general
// server failure.
func WriteDialErrorReply(conn net.Conn, atyp byte, err error) {
	rep := txsocks5.RepServerFailure

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		rep = txsocks5.RepHostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		rep = txsocks5.RepConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		rep = txsocks5.RepHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		rep = txsocks5.RepNetworkUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		rep = txsocks5.RepHostUnreachable
	}

	_, _ = newZeroAddrReply(rep, atyp).WriteTo(conn)
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the
// bound address.
func WriteSuccessReply(conn net.Conn, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}

func writeAddressNotSupportedReply(conn net.Conn) {
	_, _ = newZeroAddrReply(txsocks5.RepAddressNotSupported, txsocks5.ATYPIPv4).WriteTo(conn)
}
