package proxy

import "sync"

const relayBufferSize = 32 << 10

var relayBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

func getBuffer() []byte { return *(relayBuffers.Get().(*[]byte)) }

func putBuffer(b []byte) {
	// Pooling *[]byte instead of []byte avoids an allocation per Get; the
	// one here on Put is unavoidable when boxing into an interface.
	relayBuffers.Put(&b)
}
