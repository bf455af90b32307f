package proxy

import (
	"net"
	"sync/atomic"

	"github.com/kkowa/proxy/internal/auth"
)

// SessionState tracks where a flow is in its lifecycle.
type SessionState int32

const (
	StateNegotiating SessionState = iota
	StateConnecting
	StateRelaying
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var flowSeq atomic.Uint64

// Flow is the per-session context shared by handlers and logs: a
// process-unique id, the client address, and whatever has been negotiated
// so far. A flow is owned by the goroutine handling its connection; only
// the byte counters and state are updated concurrently.
type Flow struct {
	ID       uint64
	Client   net.Addr
	Protocol Protocol

	// Target is the negotiated destination, host:port.
	Target string

	// Credentials the client authenticated with, nil when no authenticators
	// are configured.
	Credentials *auth.Credentials

	// Sent counts bytes moved client-to-upstream, Received the reverse.
	Sent     atomic.Int64
	Received atomic.Int64

	state atomic.Int32
}

func newFlow(client net.Addr, proto Protocol) *Flow {
	return &Flow{
		ID:       flowSeq.Add(1),
		Client:   client,
		Protocol: proto,
	}
}

func (f *Flow) SetState(s SessionState) { f.state.Store(int32(s)) }

func (f *Flow) State() SessionState { return SessionState(f.state.Load()) }
