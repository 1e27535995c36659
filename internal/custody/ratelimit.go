package custody

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter caps how many patient notifications each caller can trigger.
// Every caller gets a bucket of limit tokens that refills linearly over period.
type RateLimiter struct {
	limit  float64
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per period per caller
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   float64(limit),
		period:  period,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from the caller's bucket
func (rl *RateLimiter) Allow(callerID string) bool {
	ok, _ := rl.take(callerID)
	return ok
}

// take is Allow that also reports, on refusal, how long until the bucket
// holds a whole token again.
func (rl *RateLimiter) take(callerID string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[callerID]
	if !ok {
		b = &bucket{tokens: rl.limit, lastSeen: now}
		rl.buckets[callerID] = b
	}

	refill := float64(now.Sub(b.lastSeen)) * rl.limit / float64(rl.period)
	b.tokens = minFloat(b.tokens+refill, rl.limit)
	b.lastSeen = now

	if b.tokens < 1 {
		return false, time.Duration((1 - b.tokens) * float64(rl.period) / rl.limit)
	}
	b.tokens--
	return true, 0
}

// Sweep forgets callers whose buckets have been full for a whole period
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.period)
	removed := 0
	for id, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets every period until ctx is cancelled
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

// rateLimit must run after authMiddleware
func (h *Handlers) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil {
			next(w, r)
			return
		}
		claims, _ := ClaimsFromContext(r.Context())
		caller := callerID(claims)
		ok, wait := h.Limiter.take(caller)
		if !ok {
			h.logger.Security(r.Context(), "rate_limited", caller, map[string]interface{}{
				"path": r.URL.Path,
			})
			w.Header().Set("Retry-After", retryAfter(wait))
			h.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", true, nil)
			return
		}
		next(w, r)
	}
}

// retryAfter renders a wait as whole seconds, rounded up and never zero
func retryAfter(wait time.Duration) string {
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
