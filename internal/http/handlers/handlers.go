// Package handlers holds the transport adapters. Conversation CRUD, the
// single-response query, the event stream and the WebSocket channel all
// delegate to the same session and turn services; handlers only parse
// input, pick a Sink and render results.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/domain"
	"github.com/tbourn/go-conversation-backend/internal/http/middleware"
	"github.com/tbourn/go-conversation-backend/internal/services"
	"github.com/tbourn/go-conversation-backend/internal/utils"
)

// SessionService is the conversation lifecycle consumed by the handlers.
type SessionService interface {
	ResolveOrCreate(ctx context.Context, userID, explicitID, titleHint string) (*domain.Conversation, error)
	List(ctx context.Context, userID string, page, pageSize int) ([]domain.ConversationSummary, int64, error)
	Get(ctx context.Context, userID, id string) (*domain.Conversation, []domain.Message, error)
	Rename(ctx context.Context, userID, id, title string) (*domain.Conversation, error)
	Delete(ctx context.Context, userID, id string) error
	Messages(ctx context.Context, userID, id string, page, pageSize int) ([]domain.Message, int64, error)
}

// TurnRunner executes one question/answer turn.
type TurnRunner interface {
	Run(ctx context.Context, req services.TurnRequest, sink services.Sink) (*services.TurnResult, error)
}

// Options tunes handler behavior.
type Options struct {
	// IdempotencyTTL is how long a stored /query response can be replayed.
	IdempotencyTTL time.Duration
	// Version and Env are reported by /health.
	Version string
	Env     string
	// Socket tunes the WebSocket keepalive; zero values use defaults.
	Socket SocketOptions
}

// Handlers groups the HTTP endpoints. DB is optional: when nil, ETags and
// idempotent replay are disabled.
type Handlers struct {
	sessions SessionService
	turns    TurnRunner
	db       *gorm.DB
	opts     Options
	started  time.Time
}

// New constructs a Handlers instance bound to the given services.
func New(sessions SessionService, turns TurnRunner, db *gorm.DB, opts Options) *Handlers {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	opts.Socket = opts.Socket.withDefaults()
	return &Handlers{
		sessions: sessions,
		turns:    turns,
		db:       db,
		opts:     opts,
		started:  time.Now(),
	}
}

func userID(c *gin.Context) string { return middleware.UserID(c) }

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination reads page and page_size, defaulting to 1 and 20 and
// capping page_size at 100.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	return utils.PageWindow(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
}
