// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the Idempotency-Key header on send endpoints and
// detects replays. Handlers read the normalized key with GetIdempotencyKey and
// pass it to the services, which own the replay semantics; the middleware
// only flags known replays so the rate limiter lets them through.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-roomchat/internal/services"
)

// HeaderIdempotencyKey carries the client's idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether a live record already exists for this key.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters; nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Scopes maps a registered route (c.FullPath()) to its idempotency
	// scope. Routes without a scope are validated but never looked up.
	Scopes map[string]string
}

// IdempotencyLookup reports whether an unexpired record exists for
// (userID, scope, key). Errors are treated as a miss.
type IdempotencyLookup func(ctx context.Context, userID int64, scope, key string, now time.Time) (bool, error)

// IdempotencyValidator validates the header when present, stashes the key,
// and marks replays. Invalid keys are rejected with 400.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       services.KindInvalid,
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		scope := opts.Scopes[c.FullPath()]
		rc, authed := CurrentUser(c)
		if lookup != nil && scope != "" && authed {
			if exists, err := lookup(c.Request.Context(), rc.UserID, scope, key, time.Now().UTC()); err == nil && exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}
