package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/domain"
	"github.com/tbourn/go-conversation-backend/internal/ratelimit"
	"github.com/tbourn/go-conversation-backend/internal/repo"
)

// ConversationRepo is the persistence surface for conversations. Every call
// takes the *gorm.DB to run on so services can pass a transaction.
type ConversationRepo interface {
	CreateConversation(ctx context.Context, db *gorm.DB, userID, title string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error)
	FindEmptyConversation(ctx context.Context, db *gorm.DB, userID string) (*domain.Conversation, error)
	CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error)
	ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.ConversationSummary, error)
	UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error
	SetDerivedTitle(ctx context.Context, db *gorm.DB, id, title string) (bool, error)
	ActivateConversation(ctx context.Context, db *gorm.DB, id string) (bool, error)
	TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time) error
	DeleteConversation(ctx context.Context, db *gorm.DB, id, userID string) error
}

// MessageRepo is the persistence surface for transcripts.
type MessageRepo interface {
	CreateMessage(ctx context.Context, db *gorm.DB, conversationID, role, content string) (*domain.Message, error)
	ListMessages(ctx context.Context, db *gorm.DB, conversationID string) ([]domain.Message, error)
	RecentMessages(ctx context.Context, db *gorm.DB, conversationID string, limit int) ([]domain.Message, error)
	CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error)
	ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error)
}

// SessionService owns the conversation lifecycle: idempotent creation of the
// single empty conversation per user, the empty -> active transition, title
// derivation and the user-facing CRUD operations.
type SessionService struct {
	DB            *gorm.DB
	Conversations ConversationRepo
	Transcript    MessageRepo
	Limiter       ratelimit.Limiter

	// TitleMaxRunes caps derived titles (DefaultTitleMaxRunes when zero).
	TitleMaxRunes int
}

// NewSessionService wires a session service. A nil limiter never refuses.
func NewSessionService(db *gorm.DB, convs ConversationRepo, msgs MessageRepo, limiter ratelimit.Limiter) *SessionService {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &SessionService{
		DB:            db,
		Conversations: convs,
		Transcript:    msgs,
		Limiter:       limiter,
		TitleMaxRunes: DefaultTitleMaxRunes,
	}
}

// WithDB returns a copy bound to db, typically a transaction.
func (s *SessionService) WithDB(db *gorm.DB) *SessionService {
	cp := *s
	cp.DB = db
	return &cp
}

func (s *SessionService) tracer() trace.Tracer { return otel.Tracer("services/SessionService") }

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageFailure, err)
}

// ResolveOrCreate returns the conversation a turn or create request should
// use.
//
// With an explicit id, the user's conversation is fetched (never rate
// limited). Without one, the user's existing empty conversation is reused;
// only when none exists is the limiter consulted and a new row inserted. A
// concurrent insert that loses on the one-empty-per-user constraint returns
// the winner's row.
func (s *SessionService) ResolveOrCreate(ctx context.Context, userID, explicitID, titleHint string) (*domain.Conversation, error) {
	ctx, span := s.tracer().Start(ctx, "ResolveOrCreate",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("conversation.id", explicitID),
		),
	)
	defer span.End()

	if id := strings.TrimSpace(explicitID); id != "" {
		c, err := s.Conversations.GetConversation(ctx, s.DB, id, userID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return nil, ErrConversationNotFound
		case err != nil:
			return nil, storageErr(err)
		}
		return c, nil
	}

	if c, err := s.findEmpty(ctx, userID); err != nil || c != nil {
		return c, err
	}

	if err := s.Limiter.Check(ctx, userID); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			sessionEvents.WithLabelValues("rate_limited").Inc()
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, storageErr(err)
	}

	title := clipRunes(normalizeTitle(titleHint), MaxTitleRunes)
	if title == "" {
		title = domain.DefaultTitle
	}

	// The retry covers a winner that already left the empty state between
	// our failed insert and the re-query.
	for attempt := 0; attempt < 2; attempt++ {
		c, err := s.Conversations.CreateConversation(ctx, s.DB, userID, title)
		if err == nil {
			sessionEvents.WithLabelValues("created").Inc()
			zerolog.Ctx(ctx).Debug().Str("conversation_id", c.ID).Str("user_id", userID).Msg("conversation created")
			return c, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, storageErr(err)
		}
		sessionEvents.WithLabelValues("create_conflict").Inc()
		if c, err := s.findEmpty(ctx, userID); err != nil || c != nil {
			return c, err
		}
	}
	return nil, storageErr(errors.New("could not resolve empty conversation"))
}

// findEmpty returns (nil, nil) when the user has no empty conversation.
func (s *SessionService) findEmpty(ctx context.Context, userID string) (*domain.Conversation, error) {
	c, err := s.Conversations.FindEmptyConversation(ctx, s.DB, userID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, storageErr(err)
	}
	sessionEvents.WithLabelValues("reused").Inc()
	return c, nil
}

// Activate moves conv from empty to active. Already-active conversations are
// left as they are.
func (s *SessionService) Activate(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.Status == domain.StatusActive {
		return nil
	}
	if _, err := s.Conversations.ActivateConversation(ctx, s.DB, conv.ID); err != nil {
		return storageErr(err)
	}
	conv.Status = domain.StatusActive
	sessionEvents.WithLabelValues("activated").Inc()
	return nil
}

// DeriveTitleIfNeeded titles an empty conversation after its first question
// unless the title was already set to something other than the placeholder.
func (s *SessionService) DeriveTitleIfNeeded(ctx context.Context, conv *domain.Conversation, prompt string) error {
	if !conv.IsEmpty() {
		return nil
	}
	if conv.Title != "" && conv.Title != domain.DefaultTitle {
		return nil
	}
	title := DeriveTitle(prompt, s.TitleMaxRunes)
	if title == "" {
		return nil
	}
	changed, err := s.Conversations.SetDerivedTitle(ctx, s.DB, conv.ID, title)
	if err != nil {
		return storageErr(err)
	}
	if changed {
		conv.Title = title
	}
	return nil
}

// List returns one page of the user's conversations, most recently updated
// first, and the total count.
func (s *SessionService) List(ctx context.Context, userID string, page, pageSize int) ([]domain.ConversationSummary, int64, error) {
	ctx, span := s.tracer().Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	total, err := s.Conversations.CountConversations(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	if total == 0 {
		return []domain.ConversationSummary{}, 0, nil
	}
	items, err := s.Conversations.ListConversationsPage(ctx, s.DB, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	return items, total, nil
}

// Get returns a conversation with its full transcript.
func (s *SessionService) Get(ctx context.Context, userID, id string) (*domain.Conversation, []domain.Message, error) {
	ctx, span := s.tracer().Start(ctx, "Get", trace.WithAttributes(attribute.String("conversation.id", id)))
	defer span.End()

	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.Transcript.ListMessages(ctx, s.DB, c.ID)
	if err != nil {
		return nil, nil, storageErr(err)
	}
	return c, msgs, nil
}

// Rename sets a new title. Only the title changes.
func (s *SessionService) Rename(ctx context.Context, userID, id, title string) (*domain.Conversation, error) {
	title = clipRunes(normalizeTitle(title), MaxTitleRunes)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	err := s.Conversations.UpdateConversationTitle(ctx, s.DB, id, userID, title)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrConversationNotFound
	case err != nil:
		return nil, storageErr(err)
	}
	return s.owned(ctx, userID, id)
}

// Delete removes a conversation and its transcript.
func (s *SessionService) Delete(ctx context.Context, userID, id string) error {
	ctx, span := s.tracer().Start(ctx, "Delete", trace.WithAttributes(attribute.String("conversation.id", id)))
	defer span.End()

	err := s.Conversations.DeleteConversation(ctx, s.DB, id, userID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrConversationNotFound
	case err != nil:
		return storageErr(err)
	}
	sessionEvents.WithLabelValues("deleted").Inc()
	return nil
}

// Messages returns one chronological page of a transcript and its total.
func (s *SessionService) Messages(ctx context.Context, userID, id string, page, pageSize int) ([]domain.Message, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.Transcript.CountMessages(ctx, s.DB, c.ID)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := s.Transcript.ListMessagesPage(ctx, s.DB, c.ID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, storageErr(err)
	}
	return items, total, nil
}

func (s *SessionService) owned(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	c, err := s.Conversations.GetConversation(ctx, s.DB, id, userID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrConversationNotFound
	case err != nil:
		return nil, storageErr(err)
	}
	return c, nil
}
