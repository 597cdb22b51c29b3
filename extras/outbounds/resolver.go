package outbounds

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/miekg/dns"
)

const defaultResolverTimeout = 5 * time.Second

// exchanger sends one DNS query and returns the answer.
type exchanger interface {
	Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error)
}

// resolverOutbound resolves the host of every request before passing it on.
// A and AAAA are queried concurrently.
type resolverOutbound struct {
	ex      exchanger
	timeout time.Duration
	Next    PluggableOutbound
}

func (r *resolverOutbound) TCP(ctx context.Context, reqAddr *AddrEx) (net.Conn, error) {
	r.resolve(ctx, reqAddr)
	return r.Next.TCP(ctx, reqAddr)
}

func (r *resolverOutbound) next() PluggableOutbound { return r.Next }

func (r *resolverOutbound) resolve(ctx context.Context, reqAddr *AddrEx) {
	if tryParseIP(reqAddr) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type lookupResult struct {
		ip  net.IP
		err error
	}
	ch4, ch6 := make(chan lookupResult, 1), make(chan lookupResult, 1)
	go func() {
		ip, err := r.lookup(ctx, reqAddr.Host, dns.TypeA)
		ch4 <- lookupResult{ip, err}
	}()
	go func() {
		ip, err := r.lookup(ctx, reqAddr.Host, dns.TypeAAAA)
		ch6 <- lookupResult{ip, err}
	}()
	result4, result6 := <-ch4, <-ch6
	reqAddr.ResolveInfo = &ResolveInfo{
		IPv4: result4.ip,
		IPv6: result6.ip,
	}
	if result4.err != nil {
		reqAddr.ResolveInfo.Err = result4.err
	} else if result6.err != nil {
		reqAddr.ResolveInfo.Err = result6.err
	}
}

func (r *resolverOutbound) lookup(ctx context.Context, host string, qtype uint16) (net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true
	resp, err := r.ex.Exchange(ctx, m)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{Err: dns.RcodeToString[resp.Rcode], Name: host, IsNotFound: resp.Rcode == dns.RcodeNameError}
	}
	for _, ans := range resp.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				return rr.A, nil
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				return rr.AAAA, nil
			}
		}
	}
	// no record of this type is not an error; the other family may have one
	return nil, nil
}

// dnsClient queries a plain DNS server over udp, tcp or tcp-tls.
type dnsClient struct {
	client *dns.Client
	addr   string
}

func (c *dnsClient) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	resp, _, err := c.client.ExchangeContext(ctx, m, c.addr)
	return resp, err
}

// NewStandardResolver resolves through a DNS server. network is "udp",
// "tcp" or "tls"; addr defaults to port 53 (853 for tls).
func NewStandardResolver(network, addr string, timeout time.Duration, sni string, insecure bool, next PluggableOutbound) PluggableOutbound {
	timeout = timeoutOrDefault(timeout)
	c := &dns.Client{Net: network, Timeout: timeout}
	port := "53"
	if network == "tls" {
		c.Net = "tcp-tls"
		c.TLSConfig = &tls.Config{
			ServerName:         sni,
			InsecureSkipVerify: insecure,
		}
		port = "853"
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, port)
	}
	return &resolverOutbound{
		ex:      &dnsClient{client: c, addr: addr},
		timeout: timeout,
		Next:    next,
	}
}

// systemResolver uses the operating system's resolver.
type systemResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
	Next     PluggableOutbound
}

func NewSystemResolver(timeout time.Duration, next PluggableOutbound) PluggableOutbound {
	return &systemResolver{
		resolver: net.DefaultResolver,
		timeout:  timeoutOrDefault(timeout),
		Next:     next,
	}
}

func (r *systemResolver) TCP(ctx context.Context, reqAddr *AddrEx) (net.Conn, error) {
	r.resolve(ctx, reqAddr)
	return r.Next.TCP(ctx, reqAddr)
}

func (r *systemResolver) next() PluggableOutbound { return r.Next }

func (r *systemResolver) resolve(ctx context.Context, reqAddr *AddrEx) {
	if tryParseIP(reqAddr) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ips, err := r.resolver.LookupIP(ctx, "ip", reqAddr.Host)
	ri := &ResolveInfo{Err: err}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			if ri.IPv4 == nil {
				ri.IPv4 = ip4
			}
		} else if ri.IPv6 == nil {
			ri.IPv6 = ip
		}
	}
	reqAddr.ResolveInfo = ri
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d == 0 {
		return defaultResolverTimeout
	}
	return d
}
