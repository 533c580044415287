// Package ratelimit throttles requests per authenticated user.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orangestock/market-engine/internal/auth"
	"github.com/orangestock/market-engine/internal/httpx"
	"github.com/orangestock/market-engine/internal/metrics"
)

// PerUser holds one token bucket per user ID. Buckets idle for longer than
// the idle window are swept.
type PerUser struct {
	rps   rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewPerUser creates a limiter allowing rps requests per second with the
// given burst for each user.
func NewPerUser(rps float64, burst int) *PerUser {
	return &PerUser{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether the user may make a request now.
func (p *PerUser) Allow(userID string) bool {
	p.mu.Lock()
	now := p.now()
	b, ok := p.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.buckets[userID] = b
	}
	b.seen = now
	if now.Sub(p.swept) > p.idle {
		for id, other := range p.buckets {
			if now.Sub(other.seen) > p.idle {
				delete(p.buckets, id)
			}
		}
		p.swept = now
	}
	p.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the caller's rate with 429. It must
// run after auth.Service.Middleware; anonymous requests pass through.
func (p *PerUser) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if ok && !p.Allow(id.UserID) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(1))
			httpx.WriteError(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
