// Package ratelimit guards node.heartbeat and node.claim from thundering
// herds of concurrent callers (SPEC_FULL.md's DOMAIN STACK entry for
// golang.org/x/time). Adapted from controlplane/scheduler's
// TokenBucketLimiter, keyed the same way (per caller-identity string)
// but without the tenant-domain-specific DynamicLimiter wrapper, which
// EdgeMesh's data model has no use for.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is the interface the HTTP layer and Claim Engine call against.
type Limiter interface {
	Allow(key string) bool
}

// PerKeyTokenBucket lazily creates one token bucket per key (node ID, or
// caller identity for admin/producer surfaces) and checks it on Allow.
type PerKeyTokenBucket struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// New returns a limiter allowing r events/sec per key with burst b.
func New(r float64, b int) *PerKeyTokenBucket {
	return &PerKeyTokenBucket{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *PerKeyTokenBucket) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

// Allow reports whether key may proceed right now.
func (l *PerKeyTokenBucket) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}
