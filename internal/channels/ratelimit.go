package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source IPs/keys.
	maxTrackedKeys = 4096

	// defaultPerMinute is the inbound limit applied per sender/account when
	// no channel-specific override is configured.
	defaultPerMinute = 30
)

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter enforces a per-sender/per-account token bucket over
// inbound events (spec section 5's "token-bucket / fixed-window rate
// limit"), bounding the number of tracked keys so an attacker rotating
// source identities cannot exhaust memory. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu         sync.Mutex
	perMinute  int
	burst      int
	buckets    map[string]*bucketEntry
}

// NewWebhookRateLimiter creates a limiter allowing perMinute events per key
// per minute, with bursts up to perMinute. perMinute<=0 uses the default.
func NewWebhookRateLimiter(perMinute int) *WebhookRateLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	return &WebhookRateLimiter{
		perMinute: perMinute,
		burst:     perMinute,
		buckets:   make(map[string]*bucketEntry),
	}
}

// Allow reports whether an event for key is within its per-minute budget.
// The first perMinute calls in any rolling window succeed; the
// (perMinute+1)th fails until tokens replenish.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if len(r.buckets) >= maxTrackedKeys {
		r.evictStaleLocked(now)
	}

	b, ok := r.buckets[key]
	if !ok {
		b = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(float64(r.perMinute)/60.0), r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// evictStaleLocked removes keys idle for over an hour, then hard-evicts an
// arbitrary entry if still at capacity (the caller holds r.mu).
func (r *WebhookRateLimiter) evictStaleLocked(now time.Time) {
	for k, b := range r.buckets {
		if now.Sub(b.lastSeen) > time.Hour {
			delete(r.buckets, k)
		}
	}
	for len(r.buckets) >= maxTrackedKeys {
		for k := range r.buckets {
			delete(r.buckets, k)
			break
		}
	}
}
