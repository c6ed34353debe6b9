package network

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// HostLimiter caps concurrent connections per remote host. A zero or negative
// cap disables it.
type HostLimiter struct {
	mu       sync.Mutex
	maxConns int
	counts   map[string]int
}

func NewHostLimiter(maxConns int) *HostLimiter {
	return &HostLimiter{maxConns: maxConns, counts: make(map[string]int)}
}

func (l *HostLimiter) Acquire(host string) bool {
	if l == nil || l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[host] >= l.maxConns {
		return false
	}
	l.counts[host]++
	return true
}

func (l *HostLimiter) Release(host string) {
	if l == nil || l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[host] <= 1 {
		delete(l.counts, host)
		return
	}
	l.counts[host]--
}

func (l *HostLimiter) Active(host string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[host]
}

// RateLimiter is a token bucket per remote host. Buckets live in an LRU so a
// flood of distinct hosts cannot grow memory without bound.
type RateLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	cache *lru.Cache
}

const defaultRateHosts = 4096

// NewRateLimiter returns nil when perSecond is not positive; a nil
// RateLimiter allows everything.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond) + 1
	}
	cache, err := lru.New(defaultRateHosts)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &RateLimiter{limit: rate.Limit(perSecond), burst: burst, cache: cache}
}

func (r *RateLimiter) Allow(host string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	var lim *rate.Limiter
	if v, ok := r.cache.Get(host); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.cache.Add(host, lim)
	}
	r.mu.Unlock()
	return lim.Allow()
}
