// Package httpapi wires the HTTP transport (Gin) to the chat services, the
// real-time endpoint, middleware, and route handlers. It centralizes
// cross-cutting concerns such as tracing, correlation IDs, access logging,
// panic recovery, metrics, identity, idempotency, rate limiting, CORS and
// security headers.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/config"
	"github.com/tbourn/go-roomchat/internal/domain"
	"github.com/tbourn/go-roomchat/internal/http/handlers"
	"github.com/tbourn/go-roomchat/internal/http/middleware"
	"github.com/tbourn/go-roomchat/internal/repo"
)

// RealtimePath is where the websocket endpoint is mounted.
const RealtimePath = "/ws"

// Deps are the collaborators the router mounts.
type Deps struct {
	Store    *repo.Store
	Handlers *handlers.Handlers
	// Realtime serves websocket upgrades. It authenticates on its own.
	Realtime http.Handler
	// SigningKey verifies identity tokens.
	SigningKey []byte
	// Users re-checks token identities on API routes. Nil trusts the token.
	Users middleware.IdentityVerifier
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID
//  3. AccessLog
//  4. Recovery
//  5. Body size limiter
//  6. Metrics
//  7. Authenticate (identity is needed by the idempotency lookup and limiter key)
//  8. Idempotency validator (before the limiter so replays bypass it)
//  9. Rate limiter
//  10. gzip, CORS and security headers
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	base := cfg.APIBasePath
	if base == "/" {
		base = ""
	}

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(middleware.LogOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))
	r.Use(middleware.Metrics())
	r.Use(middleware.Authenticate(d.SigningKey))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
			Scopes: map[string]string{
				base + "/send":    domain.ScopeRoomSend,
				base + "/dm/send": domain.ScopeDMSend,
			},
		},
		idempotencyLookup(d.Store),
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{RealtimePath, "/metrics"})))
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{base + "/dm"},
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	if d.Realtime != nil {
		r.GET(RealtimePath, gin.WrapH(d.Realtime))
	}

	h := d.Handlers
	if h == nil {
		return
	}
	api := groupWithPrefix(r, base)
	api.Use(middleware.RequireUser())
	if d.Users != nil {
		api.Use(middleware.VerifyUser(d.Users, cfg.Realtime.SessionTTL))
	}
	{
		api.POST("/send", h.Send)
		api.POST("/edit", h.Edit)
		api.POST("/delete", h.Delete)
		api.GET("/backfill", h.GetBackfill)
		api.GET("/unread", h.Unread)

		api.GET("/rooms", h.ListRooms)
		api.POST("/rooms", h.CreateRoom)

		dm := api.Group("/dm")
		dm.POST("/send", h.SendDM)
		dm.GET("/conversation", h.Conversation)
		dm.POST("/read", h.MarkDMRead)
		dm.POST("/delete", h.DeleteDM)
		dm.GET("/list", h.ListDMs)
		dm.GET("/unread", h.UnreadDMs)
	}
}

// idempotencyLookup reports live idempotency records through the store.
func idempotencyLookup(s *repo.Store) middleware.IdempotencyLookup {
	if s == nil {
		return nil
	}
	return func(ctx context.Context, userID int64, scope, key string, now time.Time) (bool, error) {
		err := s.Read(ctx, "idempotency.lookup", func(db *gorm.DB) error {
			_, err := repo.GetIdempotency(db, userID, scope, key, now)
			return err
		})
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

// corsMiddleware allows any origin without credentials when the allowlist is
// empty. Otherwise allowlisted origins are echoed, including same-host
// requests that gin-contrib/cors passes through untouched.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length", "Idempotency-Replayed", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
		return []gin.HandlerFunc{cors.New(cc)}
	}
	cc.AllowOrigins = origins
	cc.AllowCredentials = true

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	echo := func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	}
	return []gin.HandlerFunc{echo, cors.New(cc)}
}

// limitBody caps the request body size at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "" as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
