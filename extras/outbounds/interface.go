package outbounds

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// ErrRejected is returned when an ACL rule refuses the destination.
var ErrRejected = errors.New("rejected by acl")

// PluggableOutbound is a link in the server's outbound chain. Each link may
// rewrite or annotate the address before passing it on; the last link dials.
type PluggableOutbound interface {
	TCP(ctx context.Context, reqAddr *AddrEx) (net.Conn, error)
}

// AddrEx is a destination on its way through the chain.
type AddrEx struct {
	Host        string
	Port        uint16
	ResolveInfo *ResolveInfo
}

func (a *AddrEx) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// ResolveInfo is filled in by a resolver. Either address may be nil.
type ResolveInfo struct {
	IPv4 net.IP
	IPv6 net.IP
	Err  error
}

// Adapter turns a chain into the host:port dialer the server expects.
type Adapter struct {
	Base PluggableOutbound
}

func NewAdapter(base PluggableOutbound) *Adapter {
	return &Adapter{Base: base}
}

func (a *Adapter) TCP(ctx context.Context, reqAddr string) (net.Conn, error) {
	addr, err := ParseAddr(reqAddr)
	if err != nil {
		return nil, err
	}
	return a.Base.TCP(ctx, addr)
}

// ParseAddr splits host:port into an AddrEx.
func ParseAddr(s string) (*AddrEx, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, &net.AddrError{Err: "invalid port", Addr: s}
	}
	return &AddrEx{Host: host, Port: uint16(p)}, nil
}

// tryParseIP fills ResolveInfo when the host is already an IP literal.
func tryParseIP(reqAddr *AddrEx) bool {
	ip := net.ParseIP(reqAddr.Host)
	if ip == nil {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		reqAddr.ResolveInfo = &ResolveInfo{IPv4: ip4}
	} else {
		reqAddr.ResolveInfo = &ResolveInfo{IPv6: ip}
	}
	return true
}
