// Package ratelimit throttles the control surface's HTTP API: one bucket
// per client key, a gin middleware wrapping Allow, and a cleanup loop
// evicting idle keys. This is strictly a control-plane concern
// (requests/second on the HTTP API), distinct from the dataplane's own
// rate_limit traffic-class policy in internal/sched, so it is built on
// golang.org/x/time/rate instead of sharing that bucket math.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures the limiter.
type Config struct {
	RequestsPerSecond int
	Burst             int
	// IdleTimeout is how long a key's bucket may sit unused before
	// CleanupLoop evicts it.
	IdleTimeout time.Duration
}

// DefaultConfig mirrors config.DefaultConfig's control defaults.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 50, Burst: 100, IdleTimeout: 10 * time.Minute}
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter holds one rate.Limiter per key (typically client IP).
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerSecond * 2
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Allow reports whether a request keyed by key may proceed now, consuming a
// token if so.
func (l *Limiter) Allow(key string) bool {
	return l.bucketFor(key).limiter.Allow()
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastAccess = time.Now()
	return b
}

// CleanupLoop evicts buckets idle longer than cfg.IdleTimeout until ctx is
// done; run as a background goroutine for the life of the control surface.
func (l *Limiter) CleanupLoop(done <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := time.Now().Add(-l.cfg.IdleTimeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Middleware returns a gin.HandlerFunc that throttles by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return l.MiddlewareWithKeyFunc(func(c *gin.Context) string { return c.ClientIP() })
}

// MiddlewareWithKeyFunc lets the caller key buckets by something other than
// client IP (e.g. an authenticated subject after JWT middleware runs).
func (l *Limiter) MiddlewareWithKeyFunc(keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(keyFunc(c)) {
			c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.RequestsPerSecond))
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
