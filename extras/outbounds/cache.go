package outbounds

import (
	"context"
	"errors"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultResolveCacheSize = 1024
	DefaultResolveCacheTTL  = time.Minute
)

var errUncacheable = errors.New("outbound is not a resolver")

// addrResolver is implemented by the resolvers in this package.
type addrResolver interface {
	resolve(ctx context.Context, reqAddr *AddrEx)
	next() PluggableOutbound
}

type cacheEntry struct {
	info    ResolveInfo
	expires time.Time
}

// cacheOutbound keeps successful resolutions for ttl. Failures are not
// cached.
type cacheOutbound struct {
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	r     addrResolver
	now   func() time.Time
}

// NewResolveCache puts an LRU cache in front of a resolver built by this
// package. A hit skips the resolver and goes straight to its next link.
func NewResolveCache(resolver PluggableOutbound, size int, ttl time.Duration) (PluggableOutbound, error) {
	r, ok := resolver.(addrResolver)
	if !ok {
		return nil, errUncacheable
	}
	if size <= 0 {
		size = DefaultResolveCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultResolveCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &cacheOutbound{cache: cache, ttl: ttl, r: r, now: time.Now}, nil
}

func (c *cacheOutbound) TCP(ctx context.Context, reqAddr *AddrEx) (net.Conn, error) {
	if reqAddr.ResolveInfo == nil && !tryParseIP(reqAddr) {
		c.resolve(ctx, reqAddr)
	}
	return c.r.next().TCP(ctx, reqAddr)
}

func (c *cacheOutbound) resolve(ctx context.Context, reqAddr *AddrEx) {
	key := reqAddr.Host
	if e, ok := c.cache.Get(key); ok {
		if c.now().Before(e.expires) {
			info := e.info
			reqAddr.ResolveInfo = &info
			return
		}
		c.cache.Remove(key)
	}
	c.r.resolve(ctx, reqAddr)
	ri := reqAddr.ResolveInfo
	if ri != nil && ri.Err == nil && (ri.IPv4 != nil || ri.IPv6 != nil) {
		c.cache.Add(key, cacheEntry{info: *ri, expires: c.now().Add(c.ttl)})
	}
}
