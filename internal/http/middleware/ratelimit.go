// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the per-identity token-bucket limiter for the HTTP
// adjunct. Buckets are keyed by authenticated user, falling back to client
// IP, and live in a bounded expirable LRU so idle identities are forgotten.
// Idempotent replays flagged by IdempotencyValidator skip the limiter.
//
// The limiter is process-local, matching the single-process deployment.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-roomchat/internal/services"
)

// KeyFunc selects the identity used to key a rate-limit bucket.
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the authenticated user and falls back to the client
// IP. Keys are prefixed so the two namespaces never collide.
func KeyByUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if rc, ok := CurrentUser(c); ok {
			return "user:" + strconv.FormatInt(rc.UserID, 10)
		}
		return "ip:" + c.ClientIP()
	}
}

// LimiterOptions bound the bucket table.
type LimiterOptions struct {
	MaxKeys int           // defaults to 10000
	IdleTTL time.Duration // defaults to 10m
}

// RateLimiter implements a per-key token-bucket rate limiter. It is safe for
// concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter builds a limiter refilling rps tokens per second up to
// burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc, opts ...LimiterOptions) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	o := LimiterOptions{MaxKeys: 10000, IdleTTL: 10 * time.Minute}
	if len(opts) > 0 {
		if opts[0].MaxKeys > 0 {
			o.MaxKeys = opts[0].MaxKeys
		}
		if opts[0].IdleTTL > 0 {
			o.IdleTTL = opts[0].IdleTTL
		}
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		buckets: expirable.NewLRU[string, *rate.Limiter](o.MaxKeys, nil, o.IdleTTL),
	}
}

// bucket returns the limiter for key, creating it when absent. Every access
// re-adds the entry so its idle timer restarts.
func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
	}
	rl.buckets.Add(key, lim)
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the limiting middleware. Rejections get 429 with the
// rate_limit kind and a Retry-After hint.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.bucket(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		httpRateLimited.WithLabelValues(routeOf(c)).Inc()
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       services.KindRateLimited,
			"message":    services.ErrRateLimited.Error(),
		})
	}
}
