package proxy

import (
	"sort"
	"sync"
	"testing"
)

func TestFlowIDsUnique(t *testing.T) {
	t.Parallel()

	const n = 100
	ids := make([]uint64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = newFlow(nil, ProtocolHTTP).ID
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < n; i++ {
		if ids[i] == ids[i-1] {
			t.Fatalf("duplicate flow id %d", ids[i])
		}
	}
}

func TestFlowState(t *testing.T) {
	t.Parallel()

	f := newFlow(nil, ProtocolSOCKS5)
	if got := f.State(); got != StateNegotiating {
		t.Fatalf("initial state=%v want %v", got, StateNegotiating)
	}

	for _, s := range []SessionState{StateConnecting, StateRelaying, StateClosed} {
		f.SetState(s)
		if got := f.State(); got != s {
			t.Errorf("state=%v want %v", got, s)
		}
	}
}

func TestSessionStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state SessionState
		want  string
	}{
		{StateNegotiating, "negotiating"},
		{StateConnecting, "connecting"},
		{StateRelaying, "relaying"},
		{StateClosed, "closed"},
		{SessionState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String()=%q want %q", tt.state, got, tt.want)
		}
	}
}
