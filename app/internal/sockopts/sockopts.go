// Package sockopts opens listeners with optional socket options.
package sockopts

import (
	"context"
	"net"
)

// SocketOptions are applied to a listening socket before bind.
type SocketOptions struct {
	// ReusePort lets several processes listen on the same address, so a
	// new instance can start before the old one exits.
	ReusePort bool
}

// Listen opens a TCP listener on addr.
func (o *SocketOptions) Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{}
	if o.ReusePort {
		if err := checkReusePortSupported(); err != nil {
			return nil, err
		}
		lc.Control = controlReusePort
	}
	return lc.Listen(ctx, "tcp", addr)
}

type UnsupportedError struct {
	Field string
}

func (e *UnsupportedError) Error() string {
	return e.Field + " is not supported on this platform"
}
