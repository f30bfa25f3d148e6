package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per owner with a token bucket.
type RateLimiter struct {
	limiters sync.Map // ownerID -> *cachedLimiter
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

type RateLimiterOption func(*RateLimiter)

// WithTTL sets how long an idle owner's bucket is kept.
func WithTTL(ttl time.Duration) RateLimiterOption {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// WithLimit sets the sustained rate and burst for every owner.
func WithLimit(rps float64, burst int) RateLimiterOption {
	return func(l *RateLimiter) {
		l.rps = rate.Limit(rps)
		l.burst = burst
	}
}

func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		rps:   10,
		burst: 20,
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware must run after AuthMiddleware.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, ok := OwnerIDFromContext(r.Context())
			if !ok {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if !l.limiter(ownerID.String()).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	now := l.now()
	if v, ok := l.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(l.rps, l.burst)
	l.limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(l.ttl),
	})
	return limiter
}
