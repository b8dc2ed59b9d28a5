// Package ratelimit throttles API clients with token buckets.
//
// A Limiter keeps buckets in process memory. A RedisLimiter keeps them in
// Redis so every replica behind a load balancer shares one budget per
// client. Both satisfy Backend, which Middleware consumes.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/chatshield/internal/logging"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond float64
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle in-memory buckets are swept.
	CleanupInterval time.Duration
	// IdleTTL is how long a bucket may sit unused before it is forgotten.
	IdleTTL time.Duration
}

// DefaultConfig returns the limits used when RATE_LIMIT_RPS is unset.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		BurstSize:         100,
		CleanupInterval:   time.Minute,
		IdleTTL:           3 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if c.BurstSize <= 0 {
		c.BurstSize = int(math.Max(1, math.Ceil(c.RequestsPerSecond)))
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 3 * c.CleanupInterval
	}
	return c
}

// Backend takes one token from key's bucket. It returns zero when the
// request may proceed, or how long the client should wait. A rejected
// request does not consume a token.
type Backend interface {
	Reserve(ctx context.Context, key string, now time.Time) (time.Duration, error)
}

// Limiter is an in-memory Backend.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// New creates a Limiter and starts its sweeper. Call Stop to end it.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			cutoff := now.Add(-l.cfg.IdleTTL)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	d, _ := l.Reserve(context.Background(), key, time.Now())
	return d == 0
}

// Reserve implements Backend. It never fails.
func (l *Limiter) Reserve(_ context.Context, key string, now time.Time) (time.Duration, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	lim := b.tokens
	l.mu.Unlock()

	if lim.AllowN(now, 1) {
		return 0, nil
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Second, nil
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return max(delay, time.Millisecond), nil
}

// Clients returns the number of tracked buckets.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware limits requests through l.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return Middleware(l)
}

// ClientKey identifies the caller: X-Client-ID when sent, so gateways
// sharing an egress IP get separate budgets, else the client IP.
func ClientKey(c *gin.Context) string {
	if id := c.GetHeader("X-Client-ID"); id != "" {
		return "client:" + id[:min(64, len(id))]
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests with 429 and a Retry-After header once the
// caller's bucket is empty. A failing backend lets the request through.
func Middleware(b Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		delay, err := b.Reserve(ctx, ClientKey(c), time.Now())
		if err != nil {
			logging.L(ctx).Warn("rate limit backend unavailable", "error", err)
			c.Next()
			return
		}
		if delay > 0 {
			retryAfter := int(math.Ceil(delay.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
