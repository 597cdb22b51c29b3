package acl

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bluele/gcache"
)

type Protocol int

const (
	ProtocolBoth Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

type Outbound interface {
	any
}

type HostInfo struct {
	Name string
	IPv4 net.IP
	IPv6 net.IP
}

func (h HostInfo) String() string {
	return fmt.Sprintf("%s|%s|%s", h.Name, h.IPv4, h.IPv6)
}

type CompiledRuleSet[O Outbound] interface {
	// Match returns the outbound of the first matching rule, and the
	// address to dial instead when the rule hijacks. ok is false when no
	// rule matched.
	Match(host HostInfo, proto Protocol, port uint16) (outbound O, hijack net.IP, ok bool)
}

type compiledRule[O Outbound] struct {
	Outbound      O
	HostMatcher   hostMatcher
	Protocol      Protocol
	StartPort     uint16
	EndPort       uint16
	HijackAddress net.IP
}

func (r *compiledRule[O]) Match(host HostInfo, proto Protocol, port uint16) bool {
	if r.Protocol != ProtocolBoth && r.Protocol != proto {
		return false
	}
	if r.StartPort != 0 && (port < r.StartPort || port > r.EndPort) {
		return false
	}
	return r.HostMatcher.Match(host)
}

type matchResult[O Outbound] struct {
	Outbound      O
	HijackAddress net.IP
	OK            bool
}

type compiledRuleSetImpl[O Outbound] struct {
	Rules []compiledRule[O]
	Cache gcache.Cache // key: host|proto|port, value: matchResult[O]
}

func (s *compiledRuleSetImpl[O]) Match(host HostInfo, proto Protocol, port uint16) (O, net.IP, bool) {
	host.Name = strings.ToLower(host.Name)
	key := fmt.Sprintf("%s|%d|%d", host, proto, port)
	if v, err := s.Cache.Get(key); err == nil {
		if r, ok := v.(matchResult[O]); ok {
			return r.Outbound, r.HijackAddress, r.OK
		}
	}
	var result matchResult[O]
	for _, rule := range s.Rules {
		if rule.Match(host, proto, port) {
			result = matchResult[O]{rule.Outbound, rule.HijackAddress, true}
			break
		}
	}
	// misses are cached too
	_ = s.Cache.Set(key, result)
	return result.Outbound, result.HijackAddress, result.OK
}

type CompilationError struct {
	LineNum int
	Message string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("error at line %d: %s", e.LineNum, e.Message)
}

// Compile compiles TextRules into a CompiledRuleSet.
// Names in the outbounds map MUST be in all lower case.
func Compile[O Outbound](rules []TextRule, outbounds map[string]O, cacheSize int) (CompiledRuleSet[O], error) {
	if cacheSize <= 0 {
		return nil, fmt.Errorf("invalid cache size %d", cacheSize)
	}
	compiledRules := make([]compiledRule[O], len(rules))
	for i, rule := range rules {
		outbound, ok := outbounds[strings.ToLower(rule.Outbound)]
		if !ok {
			return nil, &CompilationError{rule.LineNum, fmt.Sprintf("outbound %s not found", rule.Outbound)}
		}
		hm, errStr := compileHostMatcher(rule.Address)
		if errStr != "" {
			return nil, &CompilationError{rule.LineNum, errStr}
		}
		proto, startPort, endPort, ok := parseProtoPort(rule.ProtoPort)
		if !ok {
			return nil, &CompilationError{rule.LineNum, fmt.Sprintf("invalid protocol/port: %s", rule.ProtoPort)}
		}
		var hijackAddress net.IP
		if rule.HijackAddress != "" {
			hijackAddress = net.ParseIP(rule.HijackAddress)
			if hijackAddress == nil {
				return nil, &CompilationError{rule.LineNum, fmt.Sprintf("invalid hijack address (must be an IP address): %s", rule.HijackAddress)}
			}
		}
		compiledRules[i] = compiledRule[O]{outbound, hm, proto, startPort, endPort, hijackAddress}
	}
	cache := gcache.New(cacheSize).LRU().Build()
	return &compiledRuleSetImpl[O]{compiledRules, cache}, nil
}

// parseProtoPort parses the protocol and port from a protoPort string.
// protoPort must be in one of the following formats:
//
//	proto/port
//	proto/start-end
//	proto/*
//	proto
//	*/port
//	*/*
//	*
//	[empty] (same as *)
//
// proto must be either "tcp" or "udp", case-insensitive.
func parseProtoPort(protoPort string) (Protocol, uint16, uint16, bool) {
	protoPort = strings.ToLower(protoPort)
	if protoPort == "" || protoPort == "*" || protoPort == "*/*" {
		return ProtocolBoth, 0, 0, true
	}
	protoStr, portStr, hasPort := strings.Cut(protoPort, "/")
	var proto Protocol
	switch protoStr {
	case "tcp":
		proto = ProtocolTCP
	case "udp":
		proto = ProtocolUDP
	case "*":
		if !hasPort {
			return ProtocolBoth, 0, 0, false
		}
		proto = ProtocolBoth
	default:
		return ProtocolBoth, 0, 0, false
	}
	if !hasPort || portStr == "*" {
		return proto, 0, 0, true
	}
	startStr, endStr, isRange := strings.Cut(strings.TrimSpace(portStr), "-")
	start, err := strconv.ParseUint(startStr, 10, 16)
	if err != nil || start == 0 {
		return ProtocolBoth, 0, 0, false
	}
	end := start
	if isRange {
		end, err = strconv.ParseUint(endStr, 10, 16)
		if err != nil || start > end {
			return ProtocolBoth, 0, 0, false
		}
	}
	return proto, uint16(start), uint16(end), true
}

func compileHostMatcher(addr string) (hostMatcher, string) {
	addr = strings.ToLower(addr)
	if addr == "*" || addr == "all" {
		return &allMatcher{}, ""
	}
	if strings.HasPrefix(addr, "geoip:") || strings.HasPrefix(addr, "geosite:") {
		return nil, "geo matchers are not supported"
	}
	if strings.HasPrefix(addr, "suffix:") {
		suffix := addr[7:]
		if len(suffix) == 0 {
			return nil, "empty domain suffix"
		}
		return &domainMatcher{
			Pattern: suffix,
			Mode:    domainMatchSuffix,
		}, ""
	}
	if strings.Contains(addr, "/") {
		_, ipnet, err := net.ParseCIDR(addr)
		if err != nil {
			return nil, fmt.Sprintf("invalid CIDR address: %s", addr)
		}
		return &cidrMatcher{ipnet}, ""
	}
	if ip := net.ParseIP(addr); ip != nil {
		return &ipMatcher{ip}, ""
	}
	if strings.Contains(addr, "*") {
		return &domainMatcher{
			Pattern: addr,
			Mode:    domainMatchWildcard,
		}, ""
	}
	// Nothing else matched, treat it as a non-wildcard domain
	return &domainMatcher{
		Pattern: addr,
		Mode:    domainMatchExact,
	}, ""
}
