package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Handler observes and may rewrite plain HTTP requests and responses as they
// pass through the proxy. Handlers run in configuration order; they are not
// consulted for CONNECT tunnels, whose payload is opaque.
//
// OnRequest may return a replacement request (nil keeps req unchanged) and
// an optional early response. A non-nil response is written to the client
// immediately and the request never reaches upstream. OnResponse may return
// a replacement response (nil keeps resp unchanged).
type Handler interface {
	OnRequest(f *Flow, req *http.Request) (*http.Request, *http.Response)
	OnResponse(f *Flow, resp *http.Response) *http.Response
}

// Dummy is a Handler that passes everything through unchanged.
type Dummy struct{}

func (Dummy) OnRequest(*Flow, *http.Request) (*http.Request, *http.Response) { return nil, nil }

func (Dummy) OnResponse(*Flow, *http.Response) *http.Response { return nil }

// NewResponse builds a response suitable for replying early from OnRequest.
func NewResponse(req *http.Request, status int, contentType, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
