// Package ratelimit throttles public API callers per client IP.
//
// Receiver listings fan out to the ledger for every escrow a receiver
// appears in, so an unthrottled caller can drain the upstream breaker for
// everyone else.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/payrollx/escrowrecon/internal/metrics"
)

var rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests refused by the rate limiter, by route group.",
}, []string{"group"})

func init() {
	prometheus.MustRegister(rejected)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
	// ExemptPrefixes are never limited (probes, scrapes)
	ExemptPrefixes []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/health", "/metrics"},
	}
}

// Limiter is a token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, b := range l.clients {
				if b.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += now.Sub(b.lastCheck).Seconds() * perSecond
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware returns a gin middleware that limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := "1"
	if l.cfg.RequestsPerMinute > 0 && l.cfg.RequestsPerMinute < 60 {
		retryAfter = strconv.Itoa(60/l.cfg.RequestsPerMinute + 1)
	}
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, p := range l.cfg.ExemptPrefixes {
			if strings.HasPrefix(path, p) {
				c.Next()
				return
			}
		}

		if !l.Allow(c.ClientIP()) {
			rejected.WithLabelValues(group(c.FullPath())).Inc()
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// group reduces a route template to its first two segments for labels.
func group(route string) string {
	if route == "" {
		return "unmatched"
	}
	parts := strings.SplitN(strings.TrimPrefix(route, "/"), "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
