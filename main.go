package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kkowa/proxy/internal/auth"
	"github.com/kkowa/proxy/internal/config"
	"github.com/kkowa/proxy/internal/conn"
	"github.com/kkowa/proxy/internal/dialer"
	"github.com/kkowa/proxy/internal/proxy"
	"github.com/kkowa/proxy/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen    = pflag.String("listen", ":1080", "Proxy listen address serving both SOCKS5 and HTTP")
		webListen = pflag.String("web-listen", ":8080", "Internal HTTP listen address serving /ht, /healthz and /metrics. Empty disables.")

		upstream = pflag.String("upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		authSpecs = pflag.StringArray("auth", nil, "Required proxy credentials, repeatable: basic:user:pass | bearer:token. Empty disables authentication.")

		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		idleTimeout        = pflag.Duration("idle-timeout", 5*time.Minute, "Terminate sessions with no traffic in either direction for this long. 0 disables.")
		shutdownGrace      = pflag.Duration("shutdown-grace", 30*time.Second, "How long to let in-flight sessions drain at shutdown before cutting them")
		httpIdleTimeout    = pflag.Duration("http-idle-timeout", 4*time.Minute, "Timeout for idle upstream HTTP connections")
		httpMaxIdleConns   = pflag.Int("http-max-idle-conns", 100, "Maximum number of idle upstream HTTP connections")
		dnsCache           = pflag.Duration("dns-cache", time.Minute, "TTL for caching successful DNS lookups on direct dials. 0 disables.")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		tcpUserTimeout     = pflag.Duration("tcp-user-timeout", 0, "TCP_USER_TIMEOUT for proxy connections on Linux. 0 disables.")

		configPath  = pflag.String("config", "", "Path to a YAML config file; explicit flags win over file values")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		logFormat   = pflag.String("log-format", "console", "Log output format: console|json")
		verbose     = pflag.Bool("verbose", false, "Enable debug logging, including per-session errors")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *configPath != "" {
		if err := applyConfigFile(pflag.CommandLine, *configPath); err != nil {
			return fmt.Errorf("invalid --config: %w", err)
		}
	}

	logger, err := newLogger(*logFormat, *verbose)
	if err != nil {
		return err
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *listen == "" {
		return errors.New("no proxy listener (set --listen)")
	}

	authenticators := make([]auth.Authenticator, 0, len(*authSpecs))
	for _, s := range *authSpecs {
		a, err := auth.ParseSpec(s)
		if err != nil {
			return fmt.Errorf("invalid --auth: %w", err)
		}
		authenticators = append(authenticators, a)
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		DNSCacheTTL:        *dnsCache,
		KeepAlive:          ka,
		TCPUserTimeout:     *tcpUserTimeout,
	}

	outbound, err := dialer.New(dialCfg, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		IdleTimeout:        *idleTimeout,
		HTTPIdleTimeout:    *httpIdleTimeout,
		HTTPMaxIdleConns:   *httpMaxIdleConns,
		Authenticators:     authenticators,
		Dialer:             outbound,
		Logger:             logger,
	}

	state := web.NewState()

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", *debugListen).Msg("debug listening")
	}

	// The web server stays up through the drain so health keeps answering
	// 503 while sessions finish; it is closed last, outside the group.
	var webSrv *web.Server
	webErr := make(chan error, 1)
	if *webListen != "" {
		webLn, err := conn.ListenTCP("tcp", *webListen, ka, 0)
		if err != nil {
			return fmt.Errorf("web listen: %w", err)
		}
		webSrv = web.NewServer(state, logger)
		go func() { webErr <- webSrv.Serve(webLn) }()
		logger.Info().Str("addr", *webListen).Msg("web listening")
	}

	proxyLn, err := conn.ListenTCP("tcp", *listen, ka, *tcpUserTimeout)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	srv := proxy.NewServer(context.Background(), cfg)
	context.AfterFunc(ctx, func() {
		_ = proxyLn.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(proxyLn); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	logger.Info().Str("addr", *listen).Str("upstream", *upstream).Msg("proxy listening")

	g.Go(func() error {
		<-ctx.Done()
		state.Set(web.StatusShuttingDown)
		return nil
	})

	state.Set(web.StatusReady)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	state.Set(web.StatusShuttingDown)
	logger.Info().Dur("grace", *shutdownGrace).Msg("draining sessions")

	drainCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	derr := srv.Shutdown(drainCtx)

	if webSrv != nil {
		_ = webSrv.Close()
		if werr := <-webErr; werr != nil && !errors.Is(werr, http.ErrServerClosed) {
			logger.Error().Err(werr).Msg("web server error")
		}
	}

	if derr != nil {
		return fmt.Errorf("forced shutdown after %s grace: %w", *shutdownGrace, derr)
	}

	logger.Info().Msg("shutdown complete")
	return err
}

func applyConfigFile(fs *pflag.FlagSet, path string) error {
	f, err := config.Load(path)
	if err != nil {
		return err
	}

	for name, values := range f.FlagOverrides() {
		if fs.Changed(name) {
			continue
		}
		for _, v := range values {
			if err := fs.Set(name, v); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

func newLogger(format string, verbose bool) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	var out io.Writer = os.Stderr
	switch format {
	case "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	case "json":
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid --log-format %q (want console or json)", format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
