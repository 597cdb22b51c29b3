package outbounds

import (
	"time"

	"github.com/masqtun/masqtun/extras/outbounds/doh"
)

// NewDoHResolver resolves through a DNS-over-HTTPS endpoint.
// url is the full endpoint, e.g. "https://dns.google/dns-query"; sni
// overrides the TLS server name and insecure skips verification.
func NewDoHResolver(url string, timeout time.Duration, sni string, insecure bool, next PluggableOutbound) PluggableOutbound {
	timeout = timeoutOrDefault(timeout)
	return &resolverOutbound{
		ex:      doh.NewClient(url, timeout, sni, insecure),
		timeout: timeout,
		Next:    next,
	}
}
