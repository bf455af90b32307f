package proxy

import (
	"bufio"
	"fmt"
)

// Protocol identifies the wire protocol spoken by a client connection.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolSOCKS5
	ProtocolHTTP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSOCKS5:
		return "socks5"
	case ProtocolHTTP:
		return "http"
	default:
		return "unknown"
	}
}

const socks5Version = 0x05

// DetectProtocol classifies a connection by peeking at its first byte
// without consuming it: 0x05 is the SOCKS5 version prefix, and HTTP methods
// start with an ASCII uppercase letter. Anything else is an error, including
// 0x04 (SOCKS4 is not a supported version).
func DetectProtocol(br *bufio.Reader) (Protocol, error) {
	b, err := br.Peek(1)
	if err != nil {
		return ProtocolUnknown, fmt.Errorf("peek: %w", err)
	}

	switch {
	case b[0] == socks5Version:
		return ProtocolSOCKS5, nil
	case b[0] >= 'A' && b[0] <= 'Z':
		return ProtocolHTTP, nil
	default:
		return ProtocolUnknown, fmt.Errorf("unrecognized protocol prefix 0x%02x", b[0])
	}
}
