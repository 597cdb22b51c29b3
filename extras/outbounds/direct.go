package outbounds

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/database64128/tfo-go/v2"
)

type DirectOutboundMode int

const (
	DirectOutboundModeAuto DirectOutboundMode = iota // dual stack, IPv4 and IPv6 raced
	DirectOutboundMode4                              // IPv4 only
	DirectOutboundMode6                              // IPv6 only
)

const (
	defaultDialerTimeout = 10 * time.Second
	dualStackDelay       = 300 * time.Millisecond
)

var errNoAddress = errors.New("no address available for the requested mode")

type directOutbound struct {
	Mode   DirectOutboundMode
	Dialer *tfo.Dialer
}

// NewDirectOutbound dials destinations itself. With fastOpen the first
// write of each connection goes out in the SYN where the system allows it.
func NewDirectOutbound(mode DirectOutboundMode, fastOpen bool) PluggableOutbound {
	return &directOutbound{
		Mode: mode,
		Dialer: &tfo.Dialer{
			Dialer: net.Dialer{
				Timeout: defaultDialerTimeout,
			},
			DisableTFO: !fastOpen,
			Fallback:   true,
		},
	}
}

// ParseDirectOutboundMode accepts "auto", "4" and "6". Empty means auto.
func ParseDirectOutboundMode(s string) (DirectOutboundMode, bool) {
	switch s {
	case "", "auto":
		return DirectOutboundModeAuto, true
	case "4", "ipv4":
		return DirectOutboundMode4, true
	case "6", "ipv6":
		return DirectOutboundMode6, true
	default:
		return DirectOutboundModeAuto, false
	}
}

func (d *directOutbound) TCP(ctx context.Context, reqAddr *AddrEx) (net.Conn, error) {
	if reqAddr.ResolveInfo == nil {
		tryParseIP(reqAddr)
	}
	ri := reqAddr.ResolveInfo
	if ri == nil {
		// nothing resolved it: let the system resolver handle the name
		return d.dial(ctx, d.network(), reqAddr.String())
	}
	if ri.Err != nil && ri.IPv4 == nil && ri.IPv6 == nil {
		return nil, ri.Err
	}
	switch d.Mode {
	case DirectOutboundMode4:
		if ri.IPv4 == nil {
			return nil, errNoAddress
		}
		return d.dialIP(ctx, ri.IPv4, reqAddr.Port)
	case DirectOutboundMode6:
		if ri.IPv6 == nil {
			return nil, errNoAddress
		}
		return d.dialIP(ctx, ri.IPv6, reqAddr.Port)
	}
	switch {
	case ri.IPv4 != nil && ri.IPv6 != nil:
		return d.dualStack(ctx, ri.IPv4, ri.IPv6, reqAddr.Port)
	case ri.IPv4 != nil:
		return d.dialIP(ctx, ri.IPv4, reqAddr.Port)
	case ri.IPv6 != nil:
		return d.dialIP(ctx, ri.IPv6, reqAddr.Port)
	default:
		return nil, errNoAddress
	}
}

func (d *directOutbound) network() string {
	switch d.Mode {
	case DirectOutboundMode4:
		return "tcp4"
	case DirectOutboundMode6:
		return "tcp6"
	default:
		return "tcp"
	}
}

func (d *directOutbound) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, network, addr, nil)
}

func (d *directOutbound) dialIP(ctx context.Context, ip net.IP, port uint16) (net.Conn, error) {
	return d.dial(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
}

type dialResult struct {
	conn net.Conn
	err  error
}

// dualStack dials IPv4 first and IPv6 after a short delay, keeping
// whichever connects first. The loser is closed.
func (d *directOutbound) dualStack(ctx context.Context, ip4, ip6 net.IP, port uint16) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := make(chan dialResult, 2)
	go func() {
		conn, err := d.dialIP(ctx, ip4, port)
		ch <- dialResult{conn, err}
	}()
	go func() {
		select {
		case <-time.After(dualStackDelay):
		case <-ctx.Done():
			ch <- dialResult{nil, ctx.Err()}
			return
		}
		conn, err := d.dialIP(ctx, ip6, port)
		ch <- dialResult{conn, err}
	}()
	var firstErr error
	for i := 0; i < 2; i++ {
		r := <-ch
		if r.err == nil {
			if i == 0 {
				go func() {
					if late := <-ch; late.conn != nil {
						_ = late.conn.Close()
					}
				}()
			}
			return r.conn, nil
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	return nil, firstErr
}
