// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, so they can
// run inside a transaction opened by the service layer. They hold no business
// rules beyond the conditional updates that encode lifecycle transitions
// atomically in the store.
//
// Error semantics:
//   - Missing or foreign-owned rows yield ErrNotFound.
//   - A second empty conversation for the same user yields ErrDuplicate.
//   - Other DB errors are propagated as-is.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for consistency across layers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique constraint rejected an insert.
var ErrDuplicate = errors.New("duplicate")

// IsUniqueViolation reports whether err is a unique-constraint failure.
// glebarez/sqlite sometimes returns plain-text errors for UNIQUE violations.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}

// CreateConversation inserts a new empty conversation owned by userID.
// Returns ErrDuplicate when the user already has an empty conversation.
func CreateConversation(ctx context.Context, db *gorm.DB, userID, title string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Status:    domain.StatusEmpty,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by id scoped to its owner.
func GetConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindEmptyConversation returns the user's empty conversation, if any.
func FindEmptyConversation(ctx context.Context, db *gorm.DB, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.StatusEmpty).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountConversations returns the number of conversations owned by userID.
func CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns one page of the user's conversations, most
// recently updated first, each carrying its message count.
func ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.ConversationSummary, error) {
	out := make([]domain.ConversationSummary, 0, limit)
	err := db.WithContext(ctx).
		Table("conversations").
		Select(`conversations.*, (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = conversations.id) AS message_count`).
		Where("conversations.user_id = ?", userID).
		Order("conversations.updated_at DESC, conversations.id DESC").
		Offset(offset).
		Limit(limit).
		Scan(&out).Error
	return out, err
}

// UpdateConversationTitle sets the title of a conversation owned by userID.
// Returns ErrNotFound if no row matched.
func UpdateConversationTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDerivedTitle writes title only while the conversation is still empty
// and carries no title or the default placeholder. It reports whether the
// row changed.
func SetDerivedTitle(ctx context.Context, db *gorm.DB, id, title string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND status = ? AND (title = '' OR title = ?)", id, domain.StatusEmpty, domain.DefaultTitle).
		Update("title", title)
	return res.RowsAffected > 0, res.Error
}

// ActivateConversation moves a conversation from empty to active. It reports
// whether this call performed the transition; already-active rows are left
// untouched.
func ActivateConversation(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND status = ?", id, domain.StatusEmpty).
		Updates(map[string]any{"status": domain.StatusActive, "updated_at": time.Now().UTC()})
	return res.RowsAffected > 0, res.Error
}

// TouchConversation bumps updated_at.
func TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", at.UTC()).Error
}

// DeleteConversation removes a conversation and its transcript in one
// transaction. Returns ErrNotFound if the user owns no such conversation.
func DeleteConversation(ctx context.Context, db *gorm.DB, id, userID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := GetConversation(ctx, tx, id, userID); err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&domain.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
