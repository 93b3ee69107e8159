// Package agentexec implements the client side of the tunnel: the executor
// that dials the server's control channel, answers inbound WireRequest
// frames by fetching the local service, and reconnects with backoff when
// the channel drops (spec §4.8).
package agentexec

import "time"

// Config bundles the executor's tunables.
type Config struct {
	// LocalURL is the base URL of the service being tunneled, e.g.
	// "http://localhost:3000".
	LocalURL string

	// TunnelURL is the server's control endpoint, e.g. "ws://localhost:4444"
	// or "wss://tunnel.example.com".
	TunnelURL string

	// InsecureSkipVerify permits self-signed TLS on TunnelURL (the
	// CLI's -s/--self-signed flag). It never affects requests to LocalURL.
	InsecureSkipVerify bool

	// ProbeTimeout bounds the local-service availability probe performed
	// before dialing the tunnel (spec §4.8, default 5s).
	ProbeTimeout time.Duration

	// ForwardTimeout bounds a single local HTTP fetch performed in
	// response to an inbound WireRequest.
	ForwardTimeout time.Duration

	// MaxBodyBytes bounds how much of the local service's response body the
	// executor will buffer before translating it into a WireResponse
	// (SPEC_FULL.md's max-body-size supplement applies symmetrically on the
	// agent side, mirroring tunnelserver.Config.MaxBodyBytes on the
	// server). Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

const (
	DefaultProbeTimeout   = 5 * time.Second
	DefaultForwardTimeout = 30 * time.Second
	DefaultMaxBodyBytes   = 10 << 20 // 10 MiB
)

// Normalize fills zero-valued fields with documented defaults.
func (c *Config) Normalize() *Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = DefaultForwardTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return c
}
