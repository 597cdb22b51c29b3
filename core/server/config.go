package server

import (
	"context"
	"net"
	"net/url"
	"runtime"
	"time"

	"github.com/masqtun/masqtun/core/errors"
	"github.com/masqtun/masqtun/core/internal/pipeline"
	"github.com/masqtun/masqtun/core/internal/relay"
	"github.com/masqtun/masqtun/core/protocol"
)

const (
	defaultMultiplier   = 16
	defaultDecoyTimeout = 4 * time.Second
)

type Config struct {
	Listener    net.Listener
	Cipher      protocol.Cipher
	Masquerader protocol.Masquerader
	Outbound    Outbound
	TLSFallback string
	DecoyURL    string
	RelayConfig RelayConfig
	Threads     int
	Multiplier  int
	EventLogger EventLogger

	filled bool // whether the fields have been verified and filled
}

// fill fills the fields that are not set by the user with default values when possible,
// and returns an error if the user has not set a required field or has set an invalid value.
func (c *Config) fill() error {
	if c.filled {
		return nil
	}
	if c.Listener == nil {
		return errors.ConfigError{Field: "Listener", Reason: "must be set"}
	}
	if c.Cipher == nil {
		return errors.ConfigError{Field: "Cipher", Reason: "must be set"}
	}
	if c.Masquerader == nil {
		return errors.ConfigError{Field: "Masquerader", Reason: "must be set"}
	}
	if c.Outbound == nil {
		c.Outbound = &defaultOutbound{}
	}
	if c.TLSFallback != "" {
		if _, _, err := net.SplitHostPort(c.TLSFallback); err != nil {
			return errors.ConfigError{Field: "TLSFallback", Reason: "must be host:port"}
		}
	}
	if c.DecoyURL != "" {
		u, err := url.Parse(c.DecoyURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.ConfigError{Field: "DecoyURL", Reason: "must be an http or https url"}
		}
	}
	if err := c.RelayConfig.Verify(); err != nil {
		return err
	}
	if c.Threads == 0 {
		c.Threads = runtime.GOMAXPROCS(0)
	} else if c.Threads < 0 {
		return errors.ConfigError{Field: "Threads", Reason: "must be positive"}
	}
	if c.Multiplier == 0 {
		c.Multiplier = defaultMultiplier
	} else if c.Multiplier < 0 {
		return errors.ConfigError{Field: "Multiplier", Reason: "must be positive"}
	}
	c.filled = true
	return nil
}

// Outbound provides the implementation of how the server should connect to remote servers.
// reqAddr is host:port as the client asked for it; resolving and filtering it is up to the
// implementation. The default implementation simply uses net.Dialer.
type Outbound interface {
	TCP(ctx context.Context, reqAddr string) (net.Conn, error)
}

type defaultOutbound struct {
	dialer net.Dialer
}

func (o *defaultOutbound) TCP(ctx context.Context, reqAddr string) (net.Conn, error) {
	return o.dialer.DialContext(ctx, "tcp", reqAddr)
}

// outboundDialer lets the relay dial through an Outbound.
type outboundDialer struct {
	ob Outbound
}

func (d outboundDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	return d.ob.TCP(ctx, addr)
}

// RelayConfig bounds every blocking step of a session. Zero values pick
// the defaults.
type RelayConfig = relay.Config

// EventLogger receives session events. kind is a label such as "http",
// "connect" or "tls/handshake"; dir is "up" or "down".
type EventLogger = pipeline.EventLogger
