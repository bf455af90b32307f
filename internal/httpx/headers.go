// Package httpx provides HTTP header helpers shared by the proxy's forward
// path.
package httpx

import (
	"net/http"
	"strings"
)

// Hop-by-hop headers as listed in RFC 2616 section 13.5.1. They are
// meaningful only for a single transport-level connection and must not be
// forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Non-standard hop-by-hop headers still sent by some clients.
var hopByHopHeadersNonStd = []string{
	"Keep-Alive",
	"Proxy-Connection",
}

// RemoveHopByHopHeaders strips hop-by-hop headers from h in place, including
// any connection options named by the Connection header (RFC 7230 section
// 6.1).
func RemoveHopByHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, opt := range strings.Split(f, ",") {
			if opt = strings.TrimSpace(opt); opt != "" {
				h.Del(opt)
			}
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
	for _, k := range hopByHopHeadersNonStd {
		h.Del(k)
	}
}
