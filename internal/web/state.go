package web

import "sync/atomic"

// Status describes where the process is in its lifecycle, for health
// reporting.
type Status int32

const (
	// StatusStarting means listeners are binding; no traffic yet.
	StatusStarting Status = iota
	// StatusReady means the proxy is accepting sessions.
	StatusReady
	// StatusShuttingDown means shutdown has begun and in-flight sessions are
	// draining; new work should go elsewhere.
	StatusShuttingDown
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// State is the process-wide readiness flag. The process lifecycle is the
// single writer; the health endpoint reads it on every probe.
type State struct {
	v atomic.Int32
}

// NewState returns a State in StatusStarting.
func NewState() *State {
	return &State{}
}

// Set moves the state to st. Transitions are one-way in practice
// (starting -> ready -> shutting-down) but not enforced here.
func (s *State) Set(st Status) {
	s.v.Store(int32(st))
}

// Get returns the current status.
func (s *State) Get() Status {
	return Status(s.v.Load())
}

// Ready reports whether the process should receive new work.
func (s *State) Ready() bool {
	return s.Get() == StatusReady
}
