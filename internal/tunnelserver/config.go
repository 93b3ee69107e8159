package tunnelserver

import "time"

// Config bundles every tunable the tunnel server needs (spec §4.5-§4.8,
// SPEC_FULL.md ambient config section). Zero-value fields are replaced with
// sane defaults by Normalize so callers assembling a Config from flags or
// viper bindings only need to set what they want to override.
type Config struct {
	// RootHost is the apex domain tunneled traffic is routed under, e.g.
	// "tunnel.example.com". A bare request to this host (or any
	// single-label host, for local development against "localhost") is
	// treated as the agent control endpoint rather than tunneled traffic.
	RootHost string

	// RequestTimeout bounds how long a tunneled HTTP exchange waits for a
	// WireResponse before failing with 504 (spec §4.5, default 30s).
	RequestTimeout time.Duration

	// GraceWindow is how long a disconnected agent may reattach before its
	// subdomain is reaped (spec §4.6, default 1s).
	GraceWindow time.Duration

	// IdleTimeout reaps an Online tunnel that has carried no traffic for
	// this long (spec §4.7, default 5m).
	IdleTimeout time.Duration

	// SweepInterval is how often the idle monitor scans for expired
	// tunnels (spec §4.7, default 60s).
	SweepInterval time.Duration

	// MaxBodyBytes bounds how much of an inbound request body the listener
	// will buffer before constructing a WireRequest (spec §4.5 "bounded by
	// a configurable max"). Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// SubdomainLength is the length, in characters, of generated
	// subdomains (spec §4.2).
	SubdomainLength int

	// ReconnectTokenSecret signs and verifies reconnect capability tokens
	// (SPEC_FULL.md Open Question 1). Required; the server refuses to
	// start without one.
	ReconnectTokenSecret []byte

	// ReconnectTTLSlack is added on top of GraceWindow when computing how
	// long a reconnect token remains valid. Zero means
	// DefaultReconnectTTLPad.
	ReconnectTTLSlack time.Duration
}

const (
	DefaultRootHost        = "localhost"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultGraceWindow     = time.Second
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultSweepInterval   = 60 * time.Second
	DefaultMaxBodyBytes    = 10 << 20 // 10 MiB
	DefaultReconnectTTLPad = 10 * time.Second
)

// Normalize fills in zero-valued fields with their documented defaults. It
// mutates and returns c for convenient chaining.
func (c *Config) Normalize() *Config {
	if c.RootHost == "" {
		c.RootHost = DefaultRootHost
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.SubdomainLength <= 0 {
		c.SubdomainLength = 12
	}
	if c.ReconnectTTLSlack <= 0 {
		c.ReconnectTTLSlack = DefaultReconnectTTLPad
	}
	return c
}

// ReconnectTokenTTL derives the reconnect token lifetime from the grace
// window plus a fixed slack, per SPEC_FULL.md Open Question 1: the token
// must outlive the grace timer it is meant to race against, but not by
// much, since it authorizes reattaching to a specific subdomain.
func (c *Config) ReconnectTokenTTL() time.Duration {
	return c.GraceWindow + c.ReconnectTTLSlack
}
