package httpapi

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rpki-io/krillgo/internal/apperr"
)

// rateLimiter caps requests per caller identity (bearer subject, or
// remote address for unauthenticated RFC 6492/8181 traffic) using one
// token bucket per key, the same per-key-limiter shape the rest of this
// corpus reaches for when a single process-wide limit would let one noisy
// caller starve the others.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *rateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *rateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil || rl.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := authSubject(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiterFor(key).Allow() {
			writeError(w, apperr.RateLimitExceeded(0, "1s"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
