package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/domain"
)

// Store exposes the package functions as methods so services can depend on
// narrow interfaces instead of this package.
type Store struct{}

func (Store) CreateConversation(ctx context.Context, db *gorm.DB, userID, title string) (*domain.Conversation, error) {
	return CreateConversation(ctx, db, userID, title)
}

func (Store) GetConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	return GetConversation(ctx, db, id, userID)
}

func (Store) FindEmptyConversation(ctx context.Context, db *gorm.DB, userID string) (*domain.Conversation, error) {
	return FindEmptyConversation(ctx, db, userID)
}

func (Store) CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return CountConversations(ctx, db, userID)
}

func (Store) ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.ConversationSummary, error) {
	return ListConversationsPage(ctx, db, userID, offset, limit)
}

func (Store) UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	return UpdateConversationTitle(ctx, db, id, userID, title)
}

func (Store) SetDerivedTitle(ctx context.Context, db *gorm.DB, id, title string) (bool, error) {
	return SetDerivedTitle(ctx, db, id, title)
}

func (Store) ActivateConversation(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	return ActivateConversation(ctx, db, id)
}

func (Store) TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return TouchConversation(ctx, db, id, at)
}

func (Store) DeleteConversation(ctx context.Context, db *gorm.DB, id, userID string) error {
	return DeleteConversation(ctx, db, id, userID)
}

func (Store) CreateMessage(ctx context.Context, db *gorm.DB, conversationID, role, content string) (*domain.Message, error) {
	return CreateMessage(ctx, db, conversationID, role, content)
}

func (Store) ListMessages(ctx context.Context, db *gorm.DB, conversationID string) ([]domain.Message, error) {
	return ListMessages(ctx, db, conversationID)
}

func (Store) RecentMessages(ctx context.Context, db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	return RecentMessages(ctx, db, conversationID, limit)
}

func (Store) CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	return CountMessages(ctx, db, conversationID)
}

func (Store) ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	return ListMessagesPage(ctx, db, conversationID, offset, limit)
}
