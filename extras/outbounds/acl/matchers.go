package acl

import (
	"net"
	"strings"
)

type hostMatcher interface {
	Match(HostInfo) bool
}

type allMatcher struct{}

func (m *allMatcher) Match(HostInfo) bool { return true }

type ipMatcher struct {
	IP net.IP
}

func (m *ipMatcher) Match(host HostInfo) bool {
	return m.IP.Equal(host.IPv4) || m.IP.Equal(host.IPv6)
}

type cidrMatcher struct {
	IPNet *net.IPNet
}

func (m *cidrMatcher) Match(host HostInfo) bool {
	return (host.IPv4 != nil && m.IPNet.Contains(host.IPv4)) ||
		(host.IPv6 != nil && m.IPNet.Contains(host.IPv6))
}

type domainMatchMode int

const (
	domainMatchExact domainMatchMode = iota
	domainMatchWildcard
	domainMatchSuffix
)

type domainMatcher struct {
	Pattern string
	Mode    domainMatchMode
}

func (m *domainMatcher) Match(host HostInfo) bool {
	name := host.Name
	if name == "" {
		return false
	}
	switch m.Mode {
	case domainMatchExact:
		return name == m.Pattern
	case domainMatchWildcard:
		return deepMatchRune([]rune(name), []rune(m.Pattern))
	case domainMatchSuffix:
		// suffix:example.com matches example.com and any subdomain
		return name == m.Pattern || strings.HasSuffix(name, "."+m.Pattern)
	}
	return false
}

// deepMatchRune reports whether str matches pattern, where * in pattern
// matches any run of characters, including none.
func deepMatchRune(str, pattern []rune) bool {
	for len(pattern) > 0 {
		if pattern[0] == '*' {
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := range str {
				if deepMatchRune(str[i:], pattern) {
					return true
				}
			}
			return false
		}
		if len(str) == 0 || str[0] != pattern[0] {
			return false
		}
		str, pattern = str[1:], pattern[1:]
	}
	return len(str) == 0
}
