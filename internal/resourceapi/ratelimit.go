package resourceapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// tokenBucket is a per-caller token bucket, generalized from the teacher's
// httpapi.TokenBucket (internal/httpapi/ratelimit.go) — same refill math,
// independent of any one sync endpoint.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{tokens: float64(capacity), capacity: float64(capacity), refillRate: refillRate, lastRefill: time.Now()}
}

func (tb *tokenBucket) allow() (ok bool, retryAfter time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true, 0
	}
	seconds := (1.0 - tb.tokens) / tb.refillRate
	return false, time.Duration(seconds * float64(time.Second))
}

// RateLimit configures a rate limiter's window.
type RateLimit struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// RateLimiter grants per-caller-key token buckets. KeyFunc extracts the
// bucket key from a request (e.g. the authenticated subject).
type RateLimiter struct {
	cfg     RateLimit
	KeyFunc func(*http.Request) string

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter constructs a RateLimiter keyed by KeyFunc (defaulting to
// remote addr when unset).
func NewRateLimiter(cfg RateLimit, keyFunc func(*http.Request) string) *RateLimiter {
	if keyFunc == nil {
		keyFunc = func(r *http.Request) string { return r.RemoteAddr }
	}
	return &RateLimiter{cfg: cfg, KeyFunc: keyFunc, buckets: make(map[string]*tokenBucket)}
}

func (rl *RateLimiter) bucketFor(key string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		refill := float64(rl.cfg.MaxRequests) / float64(rl.cfg.WindowSeconds)
		b = newTokenBucket(rl.cfg.Burst, refill)
		rl.buckets[key] = b
	}
	return b
}

// Middleware enforces the rate limit, responding 429 with Retry-After on
// rejection.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.KeyFunc(r)
		bucket := rl.bucketFor(key)
		if ok, retryAfter := bucket.allow(); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
