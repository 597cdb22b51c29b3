package outbounds

import (
	"context"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// hostsOutbound rewrites destination hosts from a static map. A value may
// be an IP, which skips resolution, or another host name.
type hostsOutbound struct {
	Hosts map[string]string
	Next  PluggableOutbound
}

func NewHostsOutbound(hosts map[string]string, next PluggableOutbound) (PluggableOutbound, error) {
	m := make(map[string]string, len(hosts))
	for k, v := range hosts {
		key, err := normalizeHost(k)
		if err != nil {
			return nil, fmt.Errorf("hosts entry %q: %w", k, err)
		}
		if net.ParseIP(v) == nil {
			if v, err = normalizeHost(v); err != nil {
				return nil, fmt.Errorf("hosts entry %q: %w", k, err)
			}
		}
		m[key] = v
	}
	return &hostsOutbound{Hosts: m, Next: next}, nil
}

func normalizeHost(host string) (string, error) {
	return idna.Lookup.ToASCII(strings.TrimSuffix(strings.ToLower(host), "."))
}

func (h *hostsOutbound) TCP(ctx context.Context, reqAddr *AddrEx) (net.Conn, error) {
	h.rewrite(reqAddr)
	return h.Next.TCP(ctx, reqAddr)
}

func (h *hostsOutbound) rewrite(reqAddr *AddrEx) {
	key, err := normalizeHost(reqAddr.Host)
	if err != nil {
		return
	}
	v, ok := h.Hosts[key]
	if !ok {
		return
	}
	reqAddr.Host = v
	tryParseIP(reqAddr)
}
