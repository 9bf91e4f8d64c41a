package ingress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TenantRateLimiter enforces a per-tenant token bucket at the delivery
// boundary, so one noisy tenant cannot starve the others.
type TenantRateLimiter struct {
	mu      sync.Mutex
	tenants map[string]*tenantBucket
	rps     rate.Limit
	burst   int
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantRateLimiter creates a limiter allowing rps sustained requests
// per second per tenant with the given burst.
func NewTenantRateLimiter(rps float64, burst int) *TenantRateLimiter {
	return &TenantRateLimiter{
		tenants: make(map[string]*tenantBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow reports whether the tenant may proceed now.
func (rl *TenantRateLimiter) Allow(tenantID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.tenants[tenantID]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.tenants[tenantID] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// Sweep removes buckets idle longer than maxIdle. Callers run it on a
// ticker.
func (rl *TenantRateLimiter) Sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for id, b := range rl.tenants {
		if b.lastSeen.Before(cutoff) {
			delete(rl.tenants, id)
		}
	}
}
