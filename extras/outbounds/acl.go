package outbounds

import (
	"context"
	"net"

	"github.com/masqtun/masqtun/extras/outbounds/acl"
)

const (
	aclDirect = "direct"
	aclReject = "reject"

	DefaultACLCacheSize = 1024
)

type rejectOutbound struct{}

func (rejectOutbound) TCP(context.Context, *AddrEx) (net.Conn, error) {
	return nil, ErrRejected
}

// aclOutbound routes each request to "direct" (next) or "reject" by the
// first matching rule. Requests no rule matches go direct.
type aclOutbound struct {
	rules acl.CompiledRuleSet[PluggableOutbound]
	Next  PluggableOutbound
}

// NewACLOutbound compiles rules, one per line, such as
// "reject(suffix:ads.example)" or "direct(all, tcp/80-443)".
func NewACLOutbound(rules []acl.TextRule, cacheSize int, next PluggableOutbound) (PluggableOutbound, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultACLCacheSize
	}
	rs, err := acl.Compile[PluggableOutbound](rules, map[string]PluggableOutbound{
		aclDirect: next,
		aclReject: rejectOutbound{},
	}, cacheSize)
	if err != nil {
		return nil, err
	}
	return &aclOutbound{rules: rs, Next: next}, nil
}

func (a *aclOutbound) TCP(ctx context.Context, reqAddr *AddrEx) (net.Conn, error) {
	host := acl.HostInfo{Name: reqAddr.Host}
	if net.ParseIP(reqAddr.Host) != nil {
		host.Name = ""
	}
	if ri := reqAddr.ResolveInfo; ri != nil {
		host.IPv4, host.IPv6 = ri.IPv4, ri.IPv6
	} else if ip := net.ParseIP(reqAddr.Host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			host.IPv4 = ip4
		} else {
			host.IPv6 = ip
		}
	}
	ob, hijack, ok := a.rules.Match(host, acl.ProtocolTCP, reqAddr.Port)
	if !ok {
		ob = a.Next
	}
	if hijack != nil {
		reqAddr.Host = hijack.String()
		reqAddr.ResolveInfo = nil
		tryParseIP(reqAddr)
	}
	return ob.TCP(ctx, reqAddr)
}
