package client

import (
	"context"
	"net"
	"runtime"
	"time"

	"github.com/database64128/tfo-go/v2"

	"github.com/masqtun/masqtun/core/errors"
	"github.com/masqtun/masqtun/core/internal/pipeline"
	"github.com/masqtun/masqtun/core/internal/relay"
	"github.com/masqtun/masqtun/core/protocol"
)

const (
	defaultMultiplier     = 32
	defaultServerPort     = "8443"
	defaultTCPKeepAlive   = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

type Config struct {
	Listener    net.Listener
	ServerAddr  string
	Cipher      protocol.Cipher
	Masquerader protocol.Masquerader
	Dialer      Dialer
	FastOpen    bool
	RelayConfig RelayConfig
	Threads     int
	Multiplier  int
	EventLogger EventLogger

	filled bool // whether the fields have been verified and filled
}

func (c *Config) verifyAndFill() error {
	if c.filled {
		return nil
	}
	if c.Listener == nil {
		return errors.ConfigError{Field: "Listener", Reason: "must be set"}
	}
	if c.ServerAddr == "" {
		return errors.ConfigError{Field: "ServerAddr", Reason: "must be set"}
	}
	if _, _, err := net.SplitHostPort(c.ServerAddr); err != nil {
		c.ServerAddr = net.JoinHostPort(c.ServerAddr, defaultServerPort)
	}
	if c.Cipher == nil {
		return errors.ConfigError{Field: "Cipher", Reason: "must be set"}
	}
	if c.Masquerader == nil {
		return errors.ConfigError{Field: "Masquerader", Reason: "must be set"}
	}
	if err := c.RelayConfig.Verify(); err != nil {
		return err
	}
	if c.Dialer == nil {
		c.Dialer = &tcpDialer{tfo.Dialer{
			Dialer: net.Dialer{
				Timeout:   defaultConnectTimeout,
				KeepAlive: defaultTCPKeepAlive,
			},
			DisableTFO: !c.FastOpen,
			Fallback:   true,
		}}
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

// Dialer opens connections to the server.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// tcpDialer dials the server, with TCP Fast Open where the system allows it.
type tcpDialer struct {
	d tfo.Dialer
}

func (d *tcpDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.d.DialContext(ctx, network, addr, nil)
}

// RelayConfig bounds every blocking step of a session. Zero values pick
// the defaults.
type RelayConfig = relay.Config

// EventLogger receives session events. kind is a label such as "http",
// "connect" or "tls/handshake"; dir is "up" or "down".
type EventLogger = pipeline.EventLogger
