package relay

import (
	"time"

	coreErrs "github.com/masqtun/masqtun/core/errors"
)

// Config is the user-facing form of Options, shared by the client and
// server configs. Zero values pick the defaults.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryInterval  time.Duration
	Retries        int
	IdleTimeout    time.Duration
}

// Verify rejects values Fill would otherwise silently replace.
func (r Config) Verify() error {
	if r.ConnectTimeout < 0 || r.ReadTimeout < 0 || r.IdleTimeout < 0 {
		return coreErrs.ConfigError{Field: "RelayConfig", Reason: "timeouts must not be negative"}
	}
	if r.RetryInterval < 0 || r.RetryInterval > MaxCoalesce {
		return coreErrs.ConfigError{Field: "RelayConfig.RetryInterval", Reason: "must be between 0 and 1s"}
	}
	if r.Retries < 0 || r.Retries > MaxRetries {
		return coreErrs.ConfigError{Field: "RelayConfig.Retries", Reason: "must be between 0 and 50"}
	}
	return nil
}

// Options returns the filled connection options.
func (r Config) Options() Options {
	o := Options{
		ConnectTimeout: r.ConnectTimeout,
		ReadTimeout:    r.ReadTimeout,
		RetryInterval:  r.RetryInterval,
		Retries:        r.Retries,
		IdleTimeout:    r.IdleTimeout,
	}
	o.Fill()
	return o
}
