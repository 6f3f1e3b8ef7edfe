package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/config"
	"github.com/tbourn/go-conversation-backend/internal/engine"
	httpapi "github.com/tbourn/go-conversation-backend/internal/http"
	"github.com/tbourn/go-conversation-backend/internal/observability"
	"github.com/tbourn/go-conversation-backend/internal/ratelimit"
	"github.com/tbourn/go-conversation-backend/internal/repo"
)

const (
	shutdownGrace  = 15 * time.Second
	purgeInterval  = 15 * time.Minute
	cooldownPrefix = "cooldown:create:"
)

func newServeCommand(a *app) *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, !skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not run schema migrations on startup")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, migrate bool) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Build{Version: cfg.Version, Env: cfg.Env})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return err
	}
	if migrate {
		if err := repo.AutoMigrate(db); err != nil {
			return err
		}
	}

	eng, err := engine.New(engine.Options{
		Kind:         cfg.Engine.Kind,
		DataPath:     cfg.Engine.DataPath,
		Threshold:    cfg.Engine.Threshold,
		BaseURL:      cfg.Engine.BaseURL,
		APIKey:       cfg.Engine.APIKey,
		Model:        cfg.Engine.Model,
		SystemPrompt: cfg.Engine.SystemPrompt,
	})
	if err != nil {
		return err
	}

	limiter, closeLimiter := newLimiter(cfg)
	defer closeLimiter()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{DB: db, Engine: eng, Limiter: limiter}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go runPurger(ctx, db, purgeInterval)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("engine", cfg.Engine.Kind).
			Str("db", cfg.DBDriver).
			Str("version", cfg.Version).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

// newLimiter picks the conversation-creation cooldown. A configured Redis
// shares it across instances; otherwise it is process-local.
func newLimiter(cfg config.Config) (ratelimit.Limiter, func()) {
	window := cfg.Conversation.CreateCooldown
	if cfg.RedisAddr == "" {
		return ratelimit.NewCooldown(window), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	log.Info().Str("addr", cfg.RedisAddr).Dur("window", window).Msg("shared creation cooldown")
	return ratelimit.NewRedisCooldown(client, window, cooldownPrefix), func() { _ = client.Close() }
}

// runPurger deletes expired idempotency records every interval until ctx
// ends.
func runPurger(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("expired idempotency records purged")
			}
		}
	}
}
