package webhook

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"cloud-pbx/internal/apperr"
	"cloud-pbx/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-source flood protection for webhook endpoints.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second per source IP.
	Rate rate.Limit
	// Burst is the maximum burst size per source IP.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(50),
		Burst:           100,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type sourceEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SourceRateLimiter keeps one token bucket per source IP.
type SourceRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*sourceEntry
	cfg     RateLimitConfig
	stopCh  chan struct{}
	once    sync.Once
}

// NewSourceRateLimiter starts the background cleanup; call Stop on shutdown.
func NewSourceRateLimiter(cfg RateLimitConfig) *SourceRateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	rl := &SourceRateLimiter{
		entries: make(map[string]*sourceEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *SourceRateLimiter) Allow(source string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[source]
	if !ok {
		entry = &sourceEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[source] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *SourceRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *SourceRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *SourceRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for src, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, src)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("webhook rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// ErrRateLimited is returned for requests over the per-source limit.
var ErrRateLimited = errors.New("webhook: rate limit exceeded")

// voiceRateLimit answers over-limit voice webhooks with a say+hangup document
// and 503, so the caller is never left on a silent line.
func (h *Handler) voiceRateLimit(limiter *SourceRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		src := c.ClientIP()
		if !limiter.Allow(src) {
			logger.FromGin(c).Warn("rate limit exceeded", "ip", src, "path", c.Request.URL.Path)
			h.voiceFailure(c, apperr.Transient("rate limit exceeded", ErrRateLimited))
			c.Abort()
			return
		}
		c.Next()
	}
}

// RateLimit rejects floods with 429 and a Retry-After hint.
func RateLimit(limiter *SourceRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		src := c.ClientIP()
		if !limiter.Allow(src) {
			slog.Warn("rate limit exceeded", "ip", src, "method", c.Request.Method, "path", c.Request.URL.Path)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
