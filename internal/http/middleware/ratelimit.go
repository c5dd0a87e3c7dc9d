package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig bounds how fast a single client may hit the session
// endpoints. Session starts fan out to the conversation provider, so the
// ceiling protects the upstream quota as much as this service.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

const bucketIdleEviction = 10 * time.Minute

// sessionLimiter tracks one token bucket per client address. Stale buckets
// are swept inline during lookups rather than from a background goroutine.
type sessionLimiter struct {
	mu        sync.Mutex
	clients   map[string]*tokenBucket
	perSecond float64
	burst     float64
	lastSweep time.Time
}

type tokenBucket struct {
	tokens float64
	seen   time.Time
}

func newSessionLimiter(cfg RateLimitConfig) *sessionLimiter {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.PerSecond * 2)
	}
	return &sessionLimiter{
		clients:   make(map[string]*tokenBucket),
		perSecond: cfg.PerSecond,
		burst:     float64(cfg.Burst),
		lastSweep: time.Now(),
	}
}

func (l *sessionLimiter) allow(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > bucketIdleEviction {
		for key, b := range l.clients {
			if now.Sub(b.seen) > bucketIdleEviction {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[client]
	if !ok {
		b = &tokenBucket{tokens: l.burst}
		l.clients[client] = b
	} else {
		b.tokens += now.Sub(b.seen).Seconds() * l.perSecond
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// clientAddr identifies the caller. chi's RealIP middleware runs earlier in
// the chain, so RemoteAddr already reflects X-Forwarded-For / X-Real-Ip
// when a proxy set them.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit caps per-client request rates, answering excess traffic with a
// 429 JSON envelope and a Retry-After hint.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	limiter := newSessionLimiter(cfg)
	retryAfter := int(1 / limiter.perSecond)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientAddr(r), time.Now()) {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many session requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
