// Package config loads the optional YAML configuration file. Values
// from the file act as defaults: flags given explicitly on the command
// line always win.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// File mirrors the YAML configuration schema. Durations are kept as
// strings so the file accepts the same "30s" / "5m" values the flags
// do; validation happens when the value is applied to its flag.
type File struct {
	Listen             string   `yaml:"listen"`
	WebListen          string   `yaml:"web_listen"`
	Upstream           string   `yaml:"upstream"`
	Auth               []string `yaml:"auth"`
	DialTimeout        string   `yaml:"dial_timeout"`
	NegotiationTimeout string   `yaml:"negotiation_timeout"`
	IdleTimeout        string   `yaml:"idle_timeout"`
	ShutdownGrace      string   `yaml:"shutdown_grace"`
	DNSCache           string   `yaml:"dns_cache"`
	TCPKeepAlive       string   `yaml:"tcp_keepalive"`
	LogFormat          string   `yaml:"log_format"`
	Verbose            *bool    `yaml:"verbose"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// FlagOverrides maps flag names to the values the file provides for
// them. Fields left empty in the file are omitted, so callers can
// apply the result to any flag the user did not set themselves.
func (f *File) FlagOverrides() map[string][]string {
	out := make(map[string][]string)
	set := func(name, value string) {
		if value != "" {
			out[name] = []string{value}
		}
	}

	set("listen", f.Listen)
	set("web-listen", f.WebListen)
	set("upstream", f.Upstream)
	if len(f.Auth) > 0 {
		out["auth"] = append([]string(nil), f.Auth...)
	}
	set("dial-timeout", f.DialTimeout)
	set("negotiation-timeout", f.NegotiationTimeout)
	set("idle-timeout", f.IdleTimeout)
	set("shutdown-grace", f.ShutdownGrace)
	set("dns-cache", f.DNSCache)
	set("tcp-keepalive", f.TCPKeepAlive)
	set("log-format", f.LogFormat)
	if f.Verbose != nil {
		set("verbose", fmt.Sprintf("%t", *f.Verbose))
	}
	return out
}
