package errors

import (
	"fmt"
	"strconv"
)

// ConfigError is returned when a configuration field is invalid.
type ConfigError struct {
	Field  string
	Reason string
}

func (c ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", c.Field, c.Reason)
}

// ClassificationError means the inbound bytes are neither a TLS record
// nor an HTTP request we know how to route.
type ClassificationError struct {
	Reason string
}

func (c ClassificationError) Error() string {
	return "unrecognized traffic: " + c.Reason
}

// DecryptError means an envelope could not be opened with the shared secret.
type DecryptError struct {
	Reason string
}

func (d DecryptError) Error() string {
	return "decrypt failed: " + d.Reason
}

// ConnectError is returned when an upstream could not be reached.
type ConnectError struct {
	Addr string
	Err  error
}

func (c ConnectError) Error() string {
	return "connect error: " + c.Addr + ": " + c.Err.Error()
}

func (c ConnectError) Unwrap() error {
	return c.Err
}

// RouteError means no destination could be derived for a classified message.
type RouteError struct {
	Reason string
}

func (r RouteError) Error() string {
	return "no route: " + r.Reason
}

// TimeoutError is returned when a peer stays silent (or keeps streaming)
// past the configured read bounds.
type TimeoutError struct {
	Op         string
	Iterations int
}

func (t TimeoutError) Error() string {
	if t.Iterations > 0 {
		return t.Op + " timed out after " + strconv.Itoa(t.Iterations) + " reads"
	}
	return t.Op + " timed out"
}

func (t TimeoutError) Timeout() bool {
	return true
}
