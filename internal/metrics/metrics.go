// Package metrics defines the Prometheus collectors exposed on the web
// listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts HTTP requests received on the proxy listener,
	// CONNECT included.
	HTTPRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Number of HTTP requests received by the proxy.",
	})

	// HTTPRequestDuration observes wall time per proxied HTTP request. For
	// CONNECT the observation covers tunnel establishment, not the tunnel
	// lifetime.
	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of proxied HTTP requests in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// SessionsActive tracks currently open proxy sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_sessions_active",
		Help: "Number of currently open proxy sessions.",
	})

	// SessionsTotal counts sessions by negotiated protocol.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_sessions_total",
		Help: "Number of proxy sessions by negotiated protocol.",
	}, []string{"protocol"})

	// BytesTotal counts relayed payload bytes. Direction "out" is
	// client-to-upstream, "in" is upstream-to-client.
	BytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_bytes_total",
		Help: "Number of bytes relayed, by direction.",
	}, []string{"direction"})

	// ErrorsTotal counts session errors by coarse type.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_errors_total",
		Help: "Number of session errors by type.",
	}, []string{"type"})
)

// Error types used as ErrorsTotal label values.
const (
	ErrorTypeProtocol        = "protocol"
	ErrorTypeAuth            = "auth"
	ErrorTypeUpstreamConnect = "upstream_connect"
	ErrorTypeRelay           = "relay"
)
