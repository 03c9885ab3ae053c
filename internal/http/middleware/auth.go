// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file verifies the identity token issued by the session collaborator.
// Tokens are HS256 JWTs carrying the user id and username; they are read
// from the Authorization bearer header, the "token" cookie, or the "token"
// query parameter (browsers cannot set headers on websocket upgrades).
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/services"
	"github.com/tbourn/go-roomchat/internal/sysutil"
)

const (
	// TokenCookie is the cookie carrying the identity token.
	TokenCookie = "token"

	ctxKeyUser = "auth.user"
)

// ErrInvalidToken is returned for tokens that fail signature or claim checks.
var ErrInvalidToken = errors.New("invalid identity token")

// Claims is the identity token payload.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"name"`
	jwt.StandardClaims
}

// IssueToken signs a token for rc valid for ttl.
func IssueToken(key []byte, rc services.RequestContext, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   rc.UserID,
		Username: rc.Username,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
			Subject:   fmt.Sprint(rc.UserID),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// ParseToken verifies raw and returns the identity it carries.
func ParseToken(key []byte, raw string) (services.RequestContext, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !tok.Valid {
		return services.RequestContext{}, ErrInvalidToken
	}
	rc := services.RequestContext{UserID: claims.UserID, Username: claims.Username}
	if !rc.Valid() {
		return services.RequestContext{}, ErrInvalidToken
	}
	return rc, nil
}

// tokenFrom picks the token from header, cookie or query, in that order.
func tokenFrom(r *http.Request) string {
	var bearer, cookie string
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		bearer = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if ck, err := r.Cookie(TokenCookie); err == nil {
		cookie = ck.Value
	}
	return sysutil.FirstNonEmpty(bearer, cookie, r.URL.Query().Get("token"))
}

// Identify returns a function resolving the caller of a raw request. It is
// used by the websocket upgrade handler.
func Identify(key []byte) func(*http.Request) (services.RequestContext, bool) {
	return func(r *http.Request) (services.RequestContext, bool) {
		raw := tokenFrom(r)
		if raw == "" {
			return services.RequestContext{}, false
		}
		rc, err := ParseToken(key, raw)
		return rc, err == nil
	}
}

// Authenticate resolves the caller from the token, when present, and stores
// it in the Gin context. It never rejects; RequireUser does.
func Authenticate(key []byte) gin.HandlerFunc {
	identify := Identify(key)
	return func(c *gin.Context) {
		if rc, ok := identify(c.Request); ok {
			c.Set(ctxKeyUser, rc)
		}
		c.Next()
	}
}

// RequireUser aborts with 401 when no identity was established.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentUser(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       services.KindUnauthenticated,
				"message":    services.ErrUnauthenticated.Error(),
			})
			return
		}
		c.Next()
	}
}

// IdentityVerifier re-checks a token identity against the user directory.
type IdentityVerifier interface {
	Verify(ctx context.Context, rc services.RequestContext) (*domain.User, error)
}

// VerifyUser rejects callers whose account was deleted, renamed or banned
// after the token was issued: 401 for a vanished identity, 403 for a ban,
// 503 when the store is busy. Passing checks are remembered per identity for
// ttl, the same window a websocket session trusts between re-checks; ttl 0
// verifies every request. Install after RequireUser.
func VerifyUser(v IdentityVerifier, ttl time.Duration) gin.HandlerFunc {
	var fresh *expirable.LRU[services.RequestContext, struct{}]
	if ttl > 0 {
		fresh = expirable.NewLRU[services.RequestContext, struct{}](10000, nil, ttl)
	}
	return func(c *gin.Context) {
		rc, ok := CurrentUser(c)
		if !ok {
			c.Next()
			return
		}
		if fresh != nil {
			if _, hit := fresh.Get(rc); hit {
				c.Next()
				return
			}
		}
		if _, err := v.Verify(c.Request.Context(), rc); err != nil {
			status := http.StatusInternalServerError
			switch services.Kind(err) {
			case services.KindUnauthenticated:
				status = http.StatusUnauthorized
			case services.KindForbidden:
				status = http.StatusForbidden
			case services.KindBusy:
				status = http.StatusServiceUnavailable
				c.Header("Retry-After", "1")
			}
			if status >= http.StatusInternalServerError {
				_ = c.Error(err)
			}
			c.AbortWithStatusJSON(status, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       services.Kind(err),
				"message":    services.PublicMessage(err),
			})
			return
		}
		if fresh != nil {
			fresh.Add(rc, struct{}{})
		}
		c.Next()
	}
}

// CurrentUser returns the identity stored by Authenticate.
func CurrentUser(c *gin.Context) (services.RequestContext, bool) {
	v, ok := c.Get(ctxKeyUser)
	if !ok {
		return services.RequestContext{}, false
	}
	rc, ok := v.(services.RequestContext)
	return rc, ok && rc.Valid()
}
