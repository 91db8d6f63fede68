package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a keyed token-bucket limiter. Each key refills continuously
// at rate tokens per second up to burst; a request spends one token. The
// refill timestamp doubles as the last-touch marker, so idle keys can be
// dropped without extra bookkeeping.
type rateLimiter struct {
	mu    sync.Mutex
	rate  float64
	burst float64
	seen  map[string]*bucket
}

type bucket struct {
	tokens  float64
	touched time.Time
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		rate:  requestsPerSecond,
		burst: float64(burst),
		seen:  make(map[string]*bucket),
	}
}

// allow spends one token for key, reporting whether one was available.
func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.seen[key]
	if !ok {
		// A new key starts with a full bucket.
		rl.seen[key] = &bucket{tokens: rl.burst - 1, touched: now}
		return true
	}

	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.touched).Seconds()*rl.rate)
	b.touched = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// dropIdle forgets keys that have not been seen within maxIdle.
func (rl *rateLimiter) dropIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.seen {
		if b.touched.Before(cutoff) {
			delete(rl.seen, key)
		}
	}
}

// StartCleanup drops idle keys on a ticker until the context is canceled.
func (rl *rateLimiter) StartCleanup(ctx context.Context, every, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.dropIdle(maxIdle)
			}
		}
	}()
}

// throttle builds middleware that answers 429 with the given message once the
// request's bucket runs dry. keyFor extracts the bucket key; an empty key
// skips the check.
func throttle(rl *rateLimiter, message string, keyFor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := keyFor(r); key != "" && !rl.allow(key) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keys unauthenticated requests. RemoteAddr already holds the real
// client address once chi's RealIP middleware has run.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// identityKey keys authenticated requests by the caller's user id.
func identityKey(r *http.Request) string {
	if identity := getIdentityFromContext(r.Context()); identity != nil {
		return identity.UserID
	}
	return ""
}
