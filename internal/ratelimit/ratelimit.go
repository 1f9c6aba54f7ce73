// Package ratelimit provides per-caller token-bucket middleware.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/charitycoin/coinescrow/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per caller
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle callers are forgotten
	CleanupInterval time.Duration
	// IdleTimeout is how long a caller must be quiet before it is forgotten
	IdleTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		IdleTimeout:       5 * time.Minute,
	}
}

// Limiter tracks one token bucket per key
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	clients  map[string]*clientState
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup forgets callers idle for longer than IdleTimeout. A forgotten
// caller starts again with a full bucket.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTimeout)
	for key, state := range l.clients {
		if state.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow checks if a request from key should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	state, ok := l.clients[key]
	if !ok {
		state = &clientState{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.clients[key] = state
	}
	state.lastSeen = now
	l.mu.Unlock()

	return state.limiter.AllowN(now, 1)
}

// Len returns the number of tracked callers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware returns a gin middleware that limits by authenticated
// identity, falling back to client IP. It must run after auth.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if identity := c.GetString("authIdentity"); identity != "" {
			key = "id:" + identity
		}

		if !l.Allow(key) {
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
