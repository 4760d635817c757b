package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyLimiter applies a token bucket per remote host and evicts idle entries
// so the map does not grow without bound.
type keyLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*limiterEntry
	idleTTL time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyLimiter(rps float64, burst int) *keyLimiter {
	return &keyLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byKey:   make(map[string]*limiterEntry),
		idleTTL: 10 * time.Minute,
	}
}

// Allow reports whether one token can be consumed for the key.
func (l *keyLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{
			limiter: rate.NewLimiter(l.limit, l.burst),
		}
		l.byKey[key] = e
	}
	e.lastSeen = now

	// Opportunistic eviction of idle buckets.
	for k, entry := range l.byKey {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.byKey, k)
		}
	}

	return e.limiter.Allow()
}
