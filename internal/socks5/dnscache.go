package socks5

import (
	"container/list"
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/postalsys/socks5proxy/internal/metrics"
)

const (
	// dnsCacheCapacity bounds the cache to prevent unbounded growth from
	// an attacker feeding it arbitrary domains through UDP ASSOCIATE.
	dnsCacheCapacity = 1024
	// dnsCacheTTL is how long a resolved address set remains valid.
	dnsCacheTTL = 5 * time.Minute
)

// Resolver performs the actual name lookup. *net.Resolver satisfies this;
// tests substitute a stub to count/force lookups.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type dnsCacheEntry struct {
	addrs   []net.IP
	expires time.Time
	elem    *list.Element
}

// DNSCache is a process-wide, concurrency-safe name resolver with
// bounded LRU eviction and TTL-based expiry, used by the UDP relay to
// resolve domain destinations without re-querying on every datagram.
// Concurrent misses for the same name are deduplicated via singleflight
// so only one LookupIPAddr call is in flight at a time.
type DNSCache struct {
	resolver Resolver
	metrics  *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*dnsCacheEntry
	order   *list.List // front = most recently used

	group singleflight.Group
}

// NewDNSCache creates a DNSCache using resolver for misses. A nil
// resolver defaults to net.DefaultResolver.
func NewDNSCache(resolver Resolver) *DNSCache {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNSCache{
		resolver: resolver,
		entries:  make(map[string]*dnsCacheEntry),
		order:    list.New(),
	}
}

// SetMetrics attaches m so subsequent Resolve calls record cache hit/miss
// counters. It is not safe to call concurrently with Resolve.
func (c *DNSCache) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Resolve returns the best address for name: the first IPv4 address in
// the resolved set, falling back to the first address of any family.
// On a cache hit with an unexpired entry it returns immediately.
// On a miss, it performs exactly one concurrent lookup per name (via
// singleflight) and caches the result with a 5 minute TTL. Lookup
// failures are never cached; the caller sees the error immediately.
func (c *DNSCache) Resolve(ctx context.Context, name string) (net.IP, error) {
	if ip := net.ParseIP(name); ip != nil {
		return ip, nil
	}

	if addrs, ok := c.lookupCached(name); ok {
		if c.metrics != nil {
			c.metrics.RecordDNSCacheHit()
		}
		return preferIPv4(addrs), nil
	}

	if c.metrics != nil {
		c.metrics.RecordDNSCacheMiss()
	}

	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		resolved, err := c.resolver.LookupIPAddr(ctx, name)
		if err != nil {
			return nil, err
		}
		addrs := make([]net.IP, len(resolved))
		for i, a := range resolved {
			addrs[i] = a.IP
		}
		c.store(name, addrs)
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}

	return preferIPv4(v.([]net.IP)), nil
}

// lookupCached returns the cached address set for name if present and
// unexpired, promoting it to most-recently-used.
func (c *DNSCache) lookupCached(name string) ([]net.IP, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		c.removeLocked(name, entry)
		return nil, false
	}

	c.order.MoveToFront(entry.elem)
	return entry.addrs, true
}

// store inserts or replaces the cached entry for name, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *DNSCache) store(name string, addrs []net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[name]; ok {
		c.order.MoveToFront(existing.elem)
		existing.addrs = addrs
		existing.expires = time.Now().Add(dnsCacheTTL)
		return
	}

	if len(c.entries) >= dnsCacheCapacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.removeLocked(oldest.Value.(string), c.entries[oldest.Value.(string)])
		}
	}

	elem := c.order.PushFront(name)
	c.entries[name] = &dnsCacheEntry{
		addrs:   addrs,
		expires: time.Now().Add(dnsCacheTTL),
		elem:    elem,
	}
}

// removeLocked deletes name from both the index and the LRU list.
// Caller must hold c.mu.
func (c *DNSCache) removeLocked(name string, entry *dnsCacheEntry) {
	if entry != nil && entry.elem != nil {
		c.order.Remove(entry.elem)
	}
	delete(c.entries, name)
}

// preferIPv4 returns the first IPv4 address in addrs, or the first
// address of any family if none is IPv4.
func preferIPv4(addrs []net.IP) net.IP {
	for _, a := range addrs {
		if a.To4() != nil {
			return a
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return nil
}
