// Package web serves the internal HTTP listener: health checks for load
// balancers and orchestrators, and the Prometheus metrics endpoint. It never
// shares a listener with proxy traffic, so health stays answerable while the
// proxy port drains.
package web

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the internal HTTP server.
type Server struct {
	state   *State
	logger  zerolog.Logger
	metrics http.Handler
	srv     *http.Server
}

// NewServer builds the internal server around state.
//
// Routes: GET /ht and GET /healthz answer 200 "OK" while ready and 503
// otherwise; GET /metrics serves Prometheus metrics; everything else is 404.
func NewServer(state *State, logger zerolog.Logger) *Server {
	s := &Server{
		state:   state,
		logger:  logger,
		metrics: promhttp.Handler(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ht", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/", s.handleNotFound)

	s.srv = &http.Server{
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve serves HTTP on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close immediately closes the server and any active connections.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}

	if !s.state.Ready() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(s.state.Get().String()))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not found"))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("web request")
		next.ServeHTTP(w, r)
	})
}
