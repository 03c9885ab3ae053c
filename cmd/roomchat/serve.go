package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/docs"
	"github.com/tbourn/go-roomchat/internal/config"
	"github.com/tbourn/go-roomchat/internal/dmcrypto"
	httpapi "github.com/tbourn/go-roomchat/internal/http"
	"github.com/tbourn/go-roomchat/internal/http/handlers"
	"github.com/tbourn/go-roomchat/internal/http/middleware"
	"github.com/tbourn/go-roomchat/internal/metrics"
	"github.com/tbourn/go-roomchat/internal/observability"
	"github.com/tbourn/go-roomchat/internal/repo"
	"github.com/tbourn/go-roomchat/internal/services"
	"github.com/tbourn/go-roomchat/internal/ws"
)

const (
	shutdownGrace   = 15 * time.Second
	janitorInterval = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// openStore opens the database, migrates and checks the schema, and wraps it
// in a Store with the configured contention policy.
func openStore(ctx context.Context, cfg config.Config) (*repo.Store, error) {
	db, err := repo.OpenSQLite(cfg.Store.Path, repo.OpenOptions{
		BusyTimeout: cfg.Store.BusyTimeout,
		Tracing:     cfg.OTEL.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := repo.CheckSchema(ctx, db); err != nil {
		return nil, err
	}
	return repo.NewStore(db,
		repo.WithRetryPolicy(repo.RetryPolicy{Initial: cfg.Store.RetryInitial, Attempts: cfg.Store.RetryAttempts}),
		repo.WithRetryHook(metrics.StoreRetryHook),
	), nil
}

// signingKey returns the identity token key. Development falls back to a
// key derived from APP_SECRET.
func signingKey(cfg config.Config) []byte {
	if cfg.AuthSigningKey != "" {
		return []byte(cfg.AuthSigningKey)
	}
	log.Warn().Msg("AUTH_SIGNING_KEY not set; using a development signing key")
	k := sha256.Sum256([]byte("roomchat-dev-signing:" + cfg.Crypto.AppSecret))
	return k[:]
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, cfg.Env)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	master, err := dmcrypto.LoadMasterKey(cfg.Crypto.MasterKeyHex, cfg.Crypto.AppSecret, cfg.IsProduction())
	if err != nil {
		return fmt.Errorf("master key: %w", err)
	}
	if cfg.Crypto.MasterKeyHex == "" {
		log.Warn().Msg("MASTER_KEY not set; direct messages use a development key")
	}
	keys, err := dmcrypto.NewKeyring(master, cfg.Crypto.KeyCacheSize)
	if err != nil {
		master.Wipe()
		return fmt.Errorf("keyring: %w", err)
	}
	defer keys.Close()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rooms := services.NewRoomRegistry(store)
	if err := rooms.Seed(ctx); err != nil {
		return fmt.Errorf("seed rooms: %w", err)
	}
	users := services.NewUserDirectory(store)
	msgs := &services.MessageLog{
		Store:          store,
		MaxRunes:       cfg.Realtime.MaxMessageRunes,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}
	backfill := &services.Backfill{Messages: msgs}
	dms := &services.DMLog{
		Store:          store,
		Keys:           keys,
		Follows:        services.StoreFollowGraph{Store: store},
		MaxRunes:       cfg.Realtime.MaxDirectMessageRune,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}

	key := signingKey(cfg)
	hub := ws.NewHub()
	realtime := ws.NewServer(ws.Deps{
		Hub:      hub,
		Rooms:    rooms,
		Messages: msgs,
		Backfill: backfill,
		Users:    users,
		Identify: middleware.Identify(key),
	}, ws.Options{
		AllowedOrigins:    cfg.Realtime.AllowedOrigins,
		SessionTTL:        cfg.Realtime.SessionTTL,
		MessagesPerMinute: cfg.Realtime.MessagesPerMinute,
		DisconnectAfter:   cfg.Realtime.DisconnectAfter,
		SendBuffer:        cfg.Realtime.SendBuffer,
	})

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Store:      store,
		Handlers:   handlers.New(rooms, msgs, backfill, dms, hub),
		Realtime:   realtime,
		SigningKey: key,
		Users:      users,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go runJanitor(ctx, store, janitorInterval)

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	hub.CloseAll()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
	}
	return nil
}

// runJanitor periodically removes expired idempotency records.
func runJanitor(ctx context.Context, store *repo.Store, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			var n int64
			err := store.Write(ctx, "idempotency.purge", func(tx *gorm.DB) (err error) {
				n, err = repo.PurgeExpiredIdempotency(tx, time.Now().UTC())
				return err
			})
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("idempotency records purged")
			}
		}
	}
}
