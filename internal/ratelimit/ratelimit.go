// Package ratelimit provides token-bucket limiters keyed by an arbitrary
// string, such as a client IP or a username.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry stores a rate limiter and the last time it was accessed.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed implements per-key rate limiting with TTL-based eviction.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	ttl      time.Duration // entries are evicted after this duration of inactivity
	maxSize  int           // maximum number of tracked keys

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a limiter allowing r events per second per key with the given
// burst. Call Stop to end the background eviction.
func New(r rate.Limit, burst int) *Keyed {
	k := &Keyed{
		limiters: make(map[string]*entry),
		rate:     r,
		burst:    burst,
		ttl:      5 * time.Minute,
		maxSize:  10000,
		stop:     make(chan struct{}),
	}

	go k.evictLoop()

	return k
}

// PerMinute is a convenience for limits expressed as events per minute.
// n <= 0 means no limit.
func PerMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Minute / time.Duration(n))
}

// Allow reports whether an event for key may happen now.
func (k *Keyed) Allow(key string) bool {
	return k.limiter(key).Allow()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// Stop ends the eviction goroutine. The limiter keeps working afterwards.
func (k *Keyed) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
}

func (k *Keyed) limiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, exists := k.limiters[key]
	if exists {
		e.lastSeen = time.Now()
		return e.limiter
	}

	// Evict oldest entries if at capacity
	if len(k.limiters) >= k.maxSize {
		k.evictOldest()
	}

	l := rate.NewLimiter(k.rate, k.burst)
	k.limiters[key] = &entry{
		limiter:  l,
		lastSeen: time.Now(),
	}

	return l
}

// evictLoop periodically removes stale entries.
func (k *Keyed) evictLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			k.evictStale(now)
		case <-k.stop:
			return
		}
	}
}

func (k *Keyed) evictStale(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key, e := range k.limiters {
		if now.Sub(e.lastSeen) > k.ttl {
			delete(k.limiters, key)
		}
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (k *Keyed) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, e := range k.limiters {
		if oldestKey == "" || e.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastSeen
		}
	}

	if oldestKey != "" {
		delete(k.limiters, oldestKey)
	}
}
