package sentinel

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// GeoResolver maps an IP to a coarse location label. How the lookup happens
// is an injected capability; the sentinel only requires that repeated
// lookups are cheap, which CachingGeoResolver provides on top of any
// implementation.
type GeoResolver interface {
	Resolve(ip string) (string, error)
}

// GeoResolverFunc adapts a function to the GeoResolver interface.
type GeoResolverFunc func(ip string) (string, error)

func (f GeoResolverFunc) Resolve(ip string) (string, error) { return f(ip) }

// CachingGeoResolver memoizes an underlying resolver with a TTL cache and
// collapses concurrent lookups for the same IP into one in-flight call.
type CachingGeoResolver struct {
	inner GeoResolver
	ttl   time.Duration

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]geoCacheEntry
}

type geoCacheEntry struct {
	location string
	expires  time.Time
}

func NewCachingGeoResolver(inner GeoResolver, ttl time.Duration) *CachingGeoResolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachingGeoResolver{
		inner: inner,
		ttl:   ttl,
		cache: make(map[string]geoCacheEntry),
	}
}

// Resolve returns the cached location when fresh, otherwise delegates to the
// inner resolver. Lookup failures resolve to an empty location and are
// cached too, so a dead provider cannot stall every tick.
func (r *CachingGeoResolver) Resolve(ip string) (string, error) {
	now := time.Now()
	r.mu.RLock()
	entry, ok := r.cache[ip]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.location, nil
	}

	loc, err, _ := r.group.Do(ip, func() (any, error) {
		location, err := r.inner.Resolve(ip)
		if err != nil {
			location = ""
		}
		r.mu.Lock()
		r.cache[ip] = geoCacheEntry{location: location, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()
		return location, nil
	})
	if err != nil {
		return "", err
	}
	return loc.(string), nil
}

// Cleanup drops expired cache entries; called opportunistically by the tick.
func (r *CachingGeoResolver) Cleanup(now time.Time) {
	r.mu.Lock()
	for ip, entry := range r.cache {
		if now.After(entry.expires) {
			delete(r.cache, ip)
		}
	}
	r.mu.Unlock()
}

// StaticGeoResolver resolves from a fixed prefix table, with private and
// loopback ranges labeled "internal". Suitable for development and tests;
// production injects a real provider behind the same interface.
type StaticGeoResolver struct {
	Table map[string]string
}

func (s *StaticGeoResolver) Resolve(ip string) (string, error) {
	if loc, ok := s.Table[ip]; ok {
		return loc, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", nil
	}
	if parsed.IsLoopback() || parsed.IsPrivate() {
		return "internal", nil
	}
	return "unknown", nil
}
