// Package httpapi wires the HTTP transport (Gin) to the conversation
// services, middleware and route handlers. It centralizes cross-cutting
// concerns such as tracing, correlation IDs, logging/redaction, panic
// recovery, metrics, CORS, security headers, authentication, idempotency and
// rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/config"
	"github.com/tbourn/go-conversation-backend/internal/engine"
	"github.com/tbourn/go-conversation-backend/internal/http/handlers"
	"github.com/tbourn/go-conversation-backend/internal/http/middleware"
	"github.com/tbourn/go-conversation-backend/internal/ratelimit"
	"github.com/tbourn/go-conversation-backend/internal/repo"
	"github.com/tbourn/go-conversation-backend/internal/services"
)

// Deps are the collaborators the routes are built from.
type Deps struct {
	DB     *gorm.DB
	Engine engine.Engine
	// Limiter throttles conversation creation; nil never refuses.
	Limiter ratelimit.Limiter
}

var corsAllowHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization",
	middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
}

// RegisterRoutes attaches all middleware and HTTP endpoints to r and mounts
// the public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and security headers
//
// API routes additionally run Authenticate, then the idempotency validator
// (which needs the user), then the rate limiter (bypassed on replay).
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	db := deps.DB

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	useCORS(r, cfg.CORS.AllowedOrigins)

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Dependency injection: services <- repo/db/engine
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	sessions := services.NewSessionService(db, repo.Store{}, repo.Store{}, limiter)
	sessions.TitleMaxRunes = cfg.Conversation.TitleMaxRunes

	turns := services.NewTurnService(db, sessions, deps.Engine)
	turns.HistoryLimit = cfg.Conversation.HistoryLimit
	turns.MaxQuestionRunes = cfg.Conversation.MaxQuestionRunes
	turns.DefaultModel = cfg.Engine.Model
	turns.DefaultTemperature = cfg.Engine.Temperature
	if cfg.Engine.TopK > 0 {
		turns.DefaultTopK = cfg.Engine.TopK
	}

	h := handlers.New(sessions, turns, db, handlers.Options{
		IdempotencyTTL: cfg.IdempotencyTTL,
		Version:        cfg.Version,
		Env:            cfg.Env,
		Socket:         handlers.SocketOptions{CheckOrigin: originChecker(cfg.CORS.AllowedOrigins)},
	})

	r.GET("/health", h.Health)

	apiBase := cfg.APIBasePath
	api := groupWithPrefix(r, apiBase)
	queryPath := strings.TrimSuffix(apiBase, "/") + "/query"
	api.Use(
		middleware.Authenticate(middleware.AuthOptions{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Disabled: cfg.Auth.Disabled,
		}),
		middleware.IdempotencyValidator(
			middleware.IdempotencyOptions{
				MaxLen: 200,
				Scope: func(c *gin.Context) string {
					if c.FullPath() == queryPath {
						return handlers.IdempotencyScopeQuery
					}
					return ""
				},
			},
			func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
				rec, err := repo.GetIdempotency(ctx, db, userID, scope, key, now)
				if err != nil || rec == nil {
					return false, nil
				}
				return true, nil
			},
		),
		middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).Handler(),
	)
	{
		// Turns
		api.POST("/query", h.Query)
		api.POST("/stream", h.Stream)
		api.GET("/ws/chat", h.ChatSocket)

		// Conversations. Compression stays off the streaming routes.
		convs := api.Group("/conversations", gzip.Gzip(gzip.DefaultCompression))
		convs.POST("", h.CreateConversation)
		convs.GET("", h.ListConversations)
		convs.GET("/:id", h.GetConversation)
		convs.PATCH("/:id", h.RenameConversation)
		convs.DELETE("/:id", h.DeleteConversation)
		convs.GET("/:id/messages", h.ListMessages)
	}
}

// useCORS installs the CORS posture: allow all when no origins are
// configured, otherwise echo allow-listed origins.
func useCORS(r *gin.Engine, origins []string) {
	if len(origins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     corsAllowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After", "ETag"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
		return
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     corsAllowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After", "ETag"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
}

// originChecker validates WebSocket handshakes against the CORS allow-list.
// Requests without an Origin header (non-browser clients) pass.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// limitBody caps the request body size to maxBytes using
// http.MaxBytesReader. Larger bodies make downstream reads fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
