package ftp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Option is a functional option for configuring a Client at Connect
// time.
type Option func(*Client) error

// WithTimeout sets the uniform deadline applied to the control
// connection and any data connections (§4.E, §4.B).
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.timeout = timeout
		return nil
	}
}

// WithExplicitTLS records config as the default used by a later call to
// UseTLS(nil) — the client still connects in the clear and upgrades via
// AUTH TLS (§4.B). A nil config is replaced with an empty one; a
// missing ClientSessionCache is filled in so data connections can
// resume the control session (§4.E step 3).
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeImplicit {
			return fmt.Errorf("explicit TLS cannot be combined with implicit TLS")
		}
		c.tlsConfig = withSessionCache(config)
		c.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS makes Connect dial straight into a TLS handshake
// instead of a plain-text greeting, the legacy mode some servers still
// expect on port 990.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeExplicit {
			return fmt.Errorf("implicit TLS cannot be combined with explicit TLS")
		}
		c.tlsConfig = withSessionCache(config)
		c.tlsMode = tlsModeImplicit
		return nil
	}
}

func withSessionCache(config *tls.Config) *tls.Config {
	cfg := config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ClientSessionCache == nil {
		clone := cfg.Clone()
		clone.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		cfg = clone
	}
	return cfg
}

// WithLogger sets the structured logger that receives command and reply
// logging. Nothing is logged unless WithVerbose is also set.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithVerbose turns on Debug-level logging of every outgoing command
// (PASS redacted, §3 invariant 5) and every parsed reply.
func WithVerbose(verbose bool) Option {
	return func(c *Client) error {
		c.verbose = verbose
		return nil
	}
}

// WithDialer sets a custom net.Dialer used for both the control
// connection and passive-mode data connections.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		c.dialer = dialer
		return nil
	}
}

// WithRateLimit caps Upload/Download throughput to bytesPerSecond on
// average (§6). Zero (the default) disables throttling.
func WithRateLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.rateLimit = bytesPerSecond
		return nil
	}
}

// WithPassiveEndpointParser overrides the function used to extract a
// data-connection endpoint from the 227 reply to PASV (§4.E step 1). The
// command sent is always PASV and any other reply code is rejected
// before the parser runs, so EPSV is not available through this option.
func WithPassiveEndpointParser(parse EndpointParser) Option {
	return func(c *Client) error {
		c.endpointParser = parse
		return nil
	}
}
