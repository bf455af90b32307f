package proxy

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kkowa/proxy/internal/auth"
	"github.com/kkowa/proxy/internal/testutil"
)

func TestHTTPConnectTunnel(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoServer(t)
	_, addr := startServer(t, nil)

	c, br, resp := connectTunnel(t, addr, echoLn.Addr().String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}

	testutil.AssertEcho(t, c, br, []byte("opaque tunnel bytes"))
}

func TestHTTPConnectDialFailure(t *testing.T) {
	t.Parallel()

	_, addr := startServer(t, nil)

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := probe.Addr().String()
	_ = probe.Close()

	_, _, resp := connectTunnel(t, addr, target, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status=%d want 502", resp.StatusCode)
	}
}

func TestHTTPConnectAuthRetry(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoServer(t)
	_, addr := startServer(t, func(cfg *Config) {
		cfg.Authenticators = []auth.Authenticator{auth.NewBasic("alice", "secret")}
	})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(c)
	target := echoLn.Addr().String()

	// First attempt carries no credentials and must be challenged.
	req := &http.Request{
		Method: http.MethodConnect,
		Host:   target,
		URL:    &url.URL{Opaque: target},
		Header: make(http.Header),
	}
	if err := req.Write(c); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("status=%d want 407", resp.StatusCode)
	}
	if got := resp.Header.Get("Proxy-Authenticate"); got != "Basic" {
		t.Fatalf("Proxy-Authenticate=%q want %q", got, "Basic")
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	// Retry on the same connection with credentials.
	req.Header.Set("Proxy-Authorization",
		"Basic "+base64.StdEncoding.EncodeToString([]byte("alice:secret")))
	if err := req.Write(c); err != nil {
		t.Fatal(err)
	}
	resp, err = http.ReadResponse(br, req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}

	testutil.AssertEcho(t, c, br, []byte("tunnel after retry"))
}

func proxyClient(t *testing.T, addr, userinfo string) *http.Client {
	t.Helper()

	raw := "http://" + addr
	if userinfo != "" {
		raw = "http://" + userinfo + "@" + addr
	}
	proxyURL, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	tr := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: 5 * time.Second}
}

func TestHTTPForward(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s:%s", r.Method, b)
	}))
	defer origin.Close()

	_, addr := startServer(t, nil)
	client := proxyClient(t, addr, "")

	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "GET:" {
		t.Fatalf("GET: status=%d body=%q", resp.StatusCode, body)
	}

	// A request with a body, then another request, proves the client
	// connection stays usable across requests.
	resp, err = client.Post(origin.URL, "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "POST:payload" {
		t.Fatalf("POST: status=%d body=%q", resp.StatusCode, body)
	}

	resp, err = client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "GET:" {
		t.Fatalf("second GET: status=%d body=%q", resp.StatusCode, body)
	}
}

func TestHTTPForwardStripsHopByHop(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, name := range []string{"Proxy-Connection", "X-Drop-Me", "X-Proxy-Scheme"} {
			if r.Header.Get(name) != "" {
				http.Error(w, name+" leaked through", http.StatusBadRequest)
				return
			}
		}
		if r.Header.Get("X-Keep-Me") == "" {
			http.Error(w, "X-Keep-Me missing", http.StatusExpectationFailed)
			return
		}
		fmt.Fprint(w, "clean")
	}))
	defer origin.Close()
	originHost := strings.TrimPrefix(origin.URL, "http://")

	_, addr := startServer(t, nil)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	// Origin-form request: the host comes from the Host header and the
	// scheme from the override header, which must not reach the origin.
	fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: %s\r\nX-Proxy-Scheme: http\r\n"+
		"Proxy-Connection: keep-alive\r\nConnection: X-Drop-Me\r\nX-Drop-Me: 1\r\n"+
		"X-Keep-Me: 1\r\n\r\n", originHost)

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "clean" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}

	// Same connection, absolute-form this time.
	fmt.Fprintf(c, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\nX-Keep-Me: 1\r\n\r\n", originHost, originHost)
	resp, err = http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "clean" {
		t.Fatalf("second request: status=%d body=%q", resp.StatusCode, body)
	}
}

func TestHTTPForwardAuth(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Authorization") != "" {
			http.Error(w, "credentials leaked upstream", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "authorized")
	}))
	defer origin.Close()

	_, addr := startServer(t, func(cfg *Config) {
		cfg.Authenticators = []auth.Authenticator{
			auth.NewBasic("alice", "secret"),
			auth.NewBearer("tok123"),
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		resp, err := proxyClient(t, addr, "").Get(origin.URL)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusProxyAuthRequired {
			t.Fatalf("status=%d want 407", resp.StatusCode)
		}
		if got := resp.Header.Values("Proxy-Authenticate"); len(got) != 2 {
			t.Fatalf("Proxy-Authenticate=%v want both challenges", got)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		resp, err := proxyClient(t, addr, "alice:wrong").Get(origin.URL)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusProxyAuthRequired {
			t.Fatalf("status=%d want 407", resp.StatusCode)
		}
	})

	t.Run("valid", func(t *testing.T) {
		resp, err := proxyClient(t, addr, "alice:secret").Get(origin.URL)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || string(body) != "authorized" {
			t.Fatalf("status=%d body=%q", resp.StatusCode, body)
		}
	})
}

func TestHTTPForwardUpstreamError(t *testing.T) {
	t.Parallel()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadURL := "http://" + probe.Addr().String() + "/"
	_ = probe.Close()

	_, addr := startServer(t, nil)

	resp, err := proxyClient(t, addr, "").Get(deadURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status=%d want 502", resp.StatusCode)
	}
}

type requestTagger struct{ Dummy }

func (requestTagger) OnRequest(_ *Flow, req *http.Request) (*http.Request, *http.Response) {
	req.Header.Set("X-Tagged", "yes")
	return req, nil
}

type earlyReplier struct{ Dummy }

func (earlyReplier) OnRequest(_ *Flow, req *http.Request) (*http.Request, *http.Response) {
	if req.URL.Path == "/blocked" {
		return nil, NewResponse(req, http.StatusForbidden, "text/plain; charset=utf-8", "blocked")
	}
	return nil, nil
}

type responseStamper struct{ Dummy }

func (responseStamper) OnResponse(_ *Flow, resp *http.Response) *http.Response {
	resp.Header.Set("X-Proxied", "1")
	return resp
}

func TestHTTPForwardHandlerChain(t *testing.T) {
	t.Parallel()

	var originHits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits.Add(1)
		if r.Header.Get("X-Tagged") != "yes" {
			http.Error(w, "tag missing", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "from origin")
	}))
	defer origin.Close()

	_, addr := startServer(t, func(cfg *Config) {
		cfg.Handlers = []Handler{requestTagger{}, earlyReplier{}, responseStamper{}}
	})
	client := proxyClient(t, addr, "")

	resp, err := client.Get(origin.URL + "/tagged")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "from origin" {
		t.Fatalf("tagged: status=%d body=%q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Proxied") != "1" {
		t.Error("response handler did not run")
	}

	resp, err = client.Get(origin.URL + "/blocked")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden || string(body) != "blocked" {
		t.Fatalf("blocked: status=%d body=%q", resp.StatusCode, body)
	}
	if got := originHits.Load(); got != 1 {
		t.Errorf("origin hits=%d want 1 (early reply must not reach upstream)", got)
	}
}
