package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterResetInterval = 5 * time.Minute

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter allows each client r requests per second with the given burst.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		stopCh:   make(chan struct{}),
	}
}

func (rl *RateLimiter) limiter(clientIP string) *rate.Limiter {
	rl.mu.RLock()
	l, ok := rl.limiters[clientIP]
	rl.mu.RUnlock()
	if ok {
		return l
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters[clientIP]; ok {
		return l
	}
	l = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[clientIP] = l
	return l
}

// Allow reports whether clientIP may make another request now.
func (rl *RateLimiter) Allow(clientIP string) bool {
	return rl.limiter(clientIP).Allow()
}

// Middleware rejects requests over the limit with 429. Idle buckets are
// dropped periodically until Stop.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	go func() {
		ticker := time.NewTicker(limiterResetInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.mu.Lock()
				clear(rl.limiters)
				rl.mu.Unlock()
			case <-rl.stopCh:
				return
			}
		}
	}()

	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}
