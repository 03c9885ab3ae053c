// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the request ID injector, the access logger and the panic
// recovery handler.
//
//   - RequestID() reuses or generates an X-Request-ID per request.
//   - AccessLog() attaches a request-scoped zerolog.Logger carrying the
//     request id and, once authenticated, the caller, then emits one access
//     line per request. Sensitive headers and the "token" query parameter are
//     masked; emails and UUIDs in the query string are scrubbed. Bodies are
//     never logged, so message and DM content cannot leak here.
//   - Recovery() converts panics into the JSON error envelope.
//
// Install in this order: RequestID, AccessLog, Recovery.
package middleware

import (
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-roomchat/internal/services"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"

	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048

	redacted = "[REDACTED]"
)

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
)

// RequestID attaches (or propagates) a correlation identifier per request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// LogOptions configures AccessLog.
type LogOptions struct {
	// MaskHeaders lists extra headers whose values are never logged. The
	// Authorization, Cookie and Set-Cookie headers are always masked.
	MaskHeaders []string
}

// AccessLog writes one structured line per request. The level follows the
// outcome: error for 5xx or recorded gin errors, warn for 4xx, info
// otherwise.
func AccessLog(opts LogOptions) gin.HandlerFunc {
	mask := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rid, _ := c.Get(requestIDKey)

		l := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &l)

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := mask[strings.ToLower(k)]; ok {
				headers[k] = redacted
				continue
			}
			headers[k] = scrub(strings.Join(vv, ", "))
		}

		c.Next()

		ev := l.Info()
		switch status := c.Writer.Status(); {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		if rc, ok := CurrentUser(c); ok {
			ev = ev.Int64("user_id", rc.UserID).Str("username", rc.Username)
		}
		ev.
			Str("query", truncate(safeQuery(c.Request.URL), maxQueryLogLength)).
			Str("remote_ip", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

// safeQuery masks the token parameter and scrubs identifiers from the
// decoded values of the rest.
func safeQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	q := u.Query()
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(q)) {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			if k == "token" {
				v = redacted
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(scrub(v))
		}
	}
	return b.String()
}

func scrub(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	return emailRE.ReplaceAllString(s, "[REDACTED:email]")
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				v, _ := c.Get(requestIDKey)
				rid := asString(v)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header(requestIDHeader, rid)
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": rid,
						"code":       services.KindFatal,
						"message":    "internal error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when
// AccessLog is not installed.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes. A max <= 0 disables truncation.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
