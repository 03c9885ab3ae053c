// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file sets baseline security headers. Responses under NoStorePrefixes
// (direct-message routes) are additionally marked uncacheable, since they
// carry decrypted private content. HSTS is emitted only over HTTPS.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	EnableHSTS      bool          // set only when traffic is HTTPS end-to-end
	HSTSMaxAge      time.Duration // defaults to 180 days
	NoStorePrefixes []string      // request path prefixes answered with Cache-Control: no-store
}

// SecurityHeaders returns the header-hardening middleware.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")

		for _, p := range opt.NoStorePrefixes {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
				break
			}
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		if h.Get(requestIDHeader) != "" {
			const expose = "Access-Control-Expose-Headers"
			if cur := h.Get(expose); cur == "" {
				h.Set(expose, requestIDHeader)
			} else if !strings.Contains(cur, requestIDHeader) {
				h.Set(expose, cur+", "+requestIDHeader)
			}
		}
		c.Next()
	}
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
