// Package conn provides TCP listener and socket helpers shared by the proxy
// and web listeners: keepalive configuration for accepted connections and
// platform socket options for dead-peer detection.
package conn
